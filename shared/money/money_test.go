package money

import "testing"

func TestRoundTrip(t *testing.T) {
	values := []float64{0, 0.01, 0.1, 1, 19.99, 100.05, 1234567.89, -0.01, -42.50}
	for _, v := range values {
		got := FromCents(ToCents(v))
		if got != v {
			t.Fatalf("round trip %v: got %v", v, got)
		}
	}
}

func TestToCents(t *testing.T) {
	if got := ToCents(0.07); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := ToCents(19.99); got != 1999 {
		t.Fatalf("expected 1999, got %d", got)
	}
	if got := ToCents(-42.50); got != -4250 {
		t.Fatalf("expected -4250, got %d", got)
	}
}

func TestFormat(t *testing.T) {
	if got := Format(1999); got != "19.99" {
		t.Fatalf("unexpected format: %q", got)
	}
	if got := Format(-5); got != "-0.05" {
		t.Fatalf("unexpected format: %q", got)
	}
	if got := Format(100); got != "1.00" {
		t.Fatalf("unexpected format: %q", got)
	}
}
