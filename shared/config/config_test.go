package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("10.0.0.1, 10.0.1.0/24, ,192.168.1.5,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "10.0.0.1" || got[1] != "10.0.1.0/24" || got[2] != "192.168.1.5" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestApplyConfigMapDomainKeys(t *testing.T) {
	cfg := Config{}
	var problems []Problem
	applyConfigMap(&cfg, map[string]any{
		"DEDUP_WINDOW_SECONDS":     "90",
		"POLL_ENABLED":             true,
		"HEARTBEAT_ENABLED":        "false",
		"WEBHOOK_ALLOWLIST":        []any{"10.0.0.0/8", "192.168.1.5"},
		"WEBHOOK_TRUSTED_PROXIES":  "203.0.113.1",
		"WEBHOOK_SIGNATURE_HEADER": "X-Custom-Sig",
		"RETENTION_KEEP_ALERTS":    "false",
	}, &problems)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.DedupWindowSec != 90 {
		t.Fatalf("expected dedup window 90, got %d", cfg.DedupWindowSec)
	}
	if !cfg.PollEnabled {
		t.Fatalf("expected polling enabled")
	}
	if len(cfg.WebhookAllowlist) != 2 {
		t.Fatalf("expected 2 allowlist entries, got %#v", cfg.WebhookAllowlist)
	}
	if len(cfg.WebhookTrustedProxies) != 1 || cfg.WebhookTrustedProxies[0] != "203.0.113.1" {
		t.Fatalf("unexpected trusted proxies: %#v", cfg.WebhookTrustedProxies)
	}
	if cfg.HeartbeatEnabled {
		t.Fatalf("expected heartbeat monitoring disabled")
	}
	if cfg.WebhookSignatureHeader != "X-Custom-Sig" {
		t.Fatalf("unexpected signature header: %q", cfg.WebhookSignatureHeader)
	}
	if cfg.RetentionKeepAlerts {
		t.Fatalf("expected keep-alerts disabled")
	}
}

func TestApplyConfigMapRejectsBadValues(t *testing.T) {
	cfg := Config{}
	var problems []Problem
	applyConfigMap(&cfg, map[string]any{
		"POLL_BATCH_SIZE": "not-a-number",
		"POLL_ENABLED":    "maybe",
	}, &problems)
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %#v", problems)
	}
}
