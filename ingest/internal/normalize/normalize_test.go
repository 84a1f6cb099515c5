package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/cid"
	"hikvision-alarm-ingestion/ingest/internal/models"
)

func testNormalizer(now time.Time) *Normalizer {
	n := New(cid.Default(false))
	n.now = func() time.Time { return now }
	return n
}

func testDevice() models.AlarmDevice {
	return models.AlarmDevice{DeviceID: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")}
}

func TestNormalizeWebhookJSON(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)
	body := `{"eventType":"zoneAlarm","dateTime":"2026-03-01T11:59:30Z","CIDEvent":{"code":130,"zone":"3","partition":"1"}}`

	event, err := n.Normalize([]byte(body), "application/json", testDevice())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.CIDCode == nil || *event.CIDCode != 130 {
		t.Fatalf("unexpected cid code: %v", event.CIDCode)
	}
	if event.AlarmType != cid.AlarmTypeIntrusion || event.Severity != cid.SeverityCritical {
		t.Fatalf("unexpected classification: %s/%s", event.AlarmType, event.Severity)
	}
	if event.Zone != "3" || event.Partition != "1" {
		t.Fatalf("unexpected zone/partition: %q/%q", event.Zone, event.Partition)
	}
	if event.TimeFallback {
		t.Fatalf("should not flag fallback when timestamp parses")
	}
	want := time.Date(2026, 3, 1, 11, 59, 30, 0, time.UTC)
	if !event.TriggeredAt.Equal(want) {
		t.Fatalf("unexpected triggered_at: %v", event.TriggeredAt)
	}
}

func TestNormalizeQuotedCode(t *testing.T) {
	n := testNormalizer(time.Now().UTC())
	body := `{"eventType":"zoneAlarm","CIDEvent":{"code":"110","zone":2}}`
	event, err := n.Normalize([]byte(body), "application/json; charset=utf-8", testDevice())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.CIDCode == nil || *event.CIDCode != 110 {
		t.Fatalf("unexpected cid code: %v", event.CIDCode)
	}
	if event.Zone != "2" {
		t.Fatalf("unexpected zone: %q", event.Zone)
	}
	if event.AlarmType != cid.AlarmTypeFire {
		t.Fatalf("unexpected alarm type: %s", event.AlarmType)
	}
}

func TestNormalizeTimestampFallback(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)
	body := `{"eventType":"heartbeatMiss","CIDEvent":{"code":130}}`

	event, err := n.Normalize([]byte(body), "application/json", testDevice())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !event.TimeFallback {
		t.Fatalf("expected fallback flag")
	}
	if !event.TriggeredAt.Equal(now) {
		t.Fatalf("expected ingestion time, got %v", event.TriggeredAt)
	}
}

func TestNormalizeXML(t *testing.T) {
	n := testNormalizer(time.Now().UTC())
	body := `<EventNotificationAlert><eventType>fireAlarm</eventType><dateTime>2026-03-01T10:00:00Z</dateTime><cidCode>110</cidCode><zone>7</zone></EventNotificationAlert>`

	event, err := n.Normalize([]byte(body), "application/xml", testDevice())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.CIDCode == nil || *event.CIDCode != 110 {
		t.Fatalf("unexpected cid code: %v", event.CIDCode)
	}
	if event.AlarmType != cid.AlarmTypeFire || event.Zone != "7" {
		t.Fatalf("unexpected result: %+v", event)
	}
}

func TestNormalizePlainText(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := testNormalizer(now)

	event, err := n.Normalize([]byte("panel rebooted"), "text/plain", testDevice())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.EventType != "panel rebooted" {
		t.Fatalf("unexpected event type: %q", event.EventType)
	}
	if event.CIDCode != nil {
		t.Fatalf("plain text should carry no cid code")
	}
	if event.Severity != cid.SeverityNone {
		t.Fatalf("expected severity none, got %s", event.Severity)
	}
	if !event.TimeFallback {
		t.Fatalf("plain text has no timestamp, expected fallback flag")
	}
}

func TestNormalizeHousekeepingCode(t *testing.T) {
	n := testNormalizer(time.Now().UTC())
	body := `{"eventType":"periodicTest","CIDEvent":{"code":602}}`

	event, err := n.Normalize([]byte(body), "application/json", testDevice())
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if event.Severity != cid.SeverityNone {
		t.Fatalf("housekeeping code should classify as none, got %s", event.Severity)
	}
	if event.AlarmType != cid.AlarmTypeSystem {
		t.Fatalf("unexpected alarm type: %s", event.AlarmType)
	}
}

func TestNormalizeMalformed(t *testing.T) {
	n := testNormalizer(time.Now().UTC())
	cases := []struct {
		name        string
		body        string
		contentType string
	}{
		{"empty body", "", "application/json"},
		{"broken json", `{"eventType":`, "application/json"},
		{"broken xml", `<EventNotificationAlert><eventType>`, "application/xml"},
		{"no usable fields", `{"foo":"bar"}`, "application/json"},
		{"unsupported content type", `{}`, "application/octet-stream"},
	}
	for _, tc := range cases {
		_, err := n.Normalize([]byte(tc.body), tc.contentType, testDevice())
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", tc.name, err)
		}
	}
}
