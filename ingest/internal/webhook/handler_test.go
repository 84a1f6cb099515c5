package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/cid"
	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/shared/logx"
)

type fakeDevices struct {
	byIP map[string]models.AlarmDevice
}

func (f *fakeDevices) GetByIP(ctx context.Context, ip string) (models.AlarmDevice, error) {
	device, ok := f.byIP[ip]
	if !ok {
		return models.AlarmDevice{}, errors.New("no device for ip")
	}
	return device, nil
}

type fakeHeartbeats struct {
	seen      []uuid.UUID
	armStatus map[uuid.UUID]string
}

func (f *fakeHeartbeats) MarkSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error {
	f.seen = append(f.seen, deviceID)
	return nil
}

func (f *fakeHeartbeats) SetArmStatus(ctx context.Context, deviceID uuid.UUID, raw string) error {
	if f.armStatus == nil {
		f.armStatus = make(map[uuid.UUID]string)
	}
	f.armStatus[deviceID] = raw
	return nil
}

type fakeGate struct {
	seen    map[string]models.AlarmEvent
	records int
}

func (f *fakeGate) RecordIfNovel(ctx context.Context, event normalize.CanonicalEvent) (models.AlarmEvent, bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]models.AlarmEvent)
	}
	key := event.DeviceID.String() + "|" + event.EventType
	if existing, ok := f.seen[key]; ok {
		return existing, false, nil
	}
	record := models.AlarmEvent{EventID: uuid.New(), DeviceID: event.DeviceID, Severity: event.Severity}
	f.seen[key] = record
	f.records++
	return record, true, nil
}

type fakeDispatcher struct {
	dispatched []uuid.UUID
	err        error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event models.AlarmEvent) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, event.EventID)
	return nil
}

type fakeMarker struct {
	marked []uuid.UUID
}

func (f *fakeMarker) MarkDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	f.marked = append(f.marked, eventID)
	return nil
}

type handlerFixture struct {
	handler    *Handler
	device     models.AlarmDevice
	heartbeats *fakeHeartbeats
	gate       *fakeGate
	dispatcher *fakeDispatcher
	marker     *fakeMarker
}

func newFixture(t *testing.T, secret string, allowEntries []string) *handlerFixture {
	t.Helper()
	allowlist, err := NewAllowlist(allowEntries)
	if err != nil {
		t.Fatalf("allowlist: %v", err)
	}
	device := models.AlarmDevice{DeviceID: uuid.New(), IPAddress: "10.0.0.5"}
	heartbeats := &fakeHeartbeats{}
	gate := &fakeGate{}
	dispatcher := &fakeDispatcher{}
	marker := &fakeMarker{}
	handler := &Handler{
		Devices:         &fakeDevices{byIP: map[string]models.AlarmDevice{"10.0.0.5": device}},
		Heartbeats:      heartbeats,
		Normalizer:      normalize.New(cid.Default(false)),
		Gate:            gate,
		Dispatcher:      dispatcher,
		Marker:          marker,
		Allowlist:       allowlist,
		SignatureHeader: "X-Hik-Signature",
		SignatureSecret: secret,
		Logger:          logx.New("webhook-test", "test", "", "error"),
	}
	return &handlerFixture{handler: handler, device: device, heartbeats: heartbeats, gate: gate, dispatcher: dispatcher, marker: marker}
}

func postAlarm(fx *handlerFixture, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hikvision/alarm", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.5:40100"
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	fx.handler.HandleAlarm(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var res result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

func TestHandleAlarmAccepts(t *testing.T) {
	fx := newFixture(t, "", nil)
	body := `{"eventType":"zoneAlarm","dateTime":"2026-03-01T11:59:30Z","CIDEvent":{"code":130,"zone":"3"}}`

	rec := postAlarm(fx, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decodeResult(t, rec)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if len(fx.dispatcher.dispatched) != 1 {
		t.Fatalf("expected one dispatch, got %d", len(fx.dispatcher.dispatched))
	}
	if len(fx.marker.marked) != 1 {
		t.Fatalf("expected dispatched_at backfill")
	}
	if len(fx.heartbeats.seen) != 1 || fx.heartbeats.seen[0] != fx.device.DeviceID {
		t.Fatalf("webhook receipt should mark the device seen")
	}
}

func TestHandleAlarmDuplicate(t *testing.T) {
	fx := newFixture(t, "", nil)
	body := `{"eventType":"zoneAlarm","dateTime":"2026-03-01T11:59:30Z","CIDEvent":{"code":130}}`

	first := postAlarm(fx, body, nil)
	second := postAlarm(fx, body, nil)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("duplicates must still be acknowledged")
	}
	res := decodeResult(t, second)
	if !res.Success || res.Message != "duplicate ignored" {
		t.Fatalf("unexpected duplicate response: %+v", res)
	}
	if fx.gate.records != 1 {
		t.Fatalf("expected one persisted event, got %d", fx.gate.records)
	}
	if len(fx.dispatcher.dispatched) != 1 {
		t.Fatalf("duplicate must not re-dispatch")
	}
}

func TestHandleAlarmAllowlistDenied(t *testing.T) {
	fx := newFixture(t, "", []string{"192.168.1.0/24"})

	rec := postAlarm(fx, `{}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if fx.gate.records != 0 || len(fx.heartbeats.seen) != 0 {
		t.Fatalf("rejected delivery must not touch storage")
	}
}

func TestHandleAlarmForwardedHeaderIgnored(t *testing.T) {
	fx := newFixture(t, "", []string{"10.0.0.5"})
	body := `{"eventType":"zoneAlarm","CIDEvent":{"code":130}}`

	rec := postAlarm(fx, body, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.66:40100"
		r.Header.Set("X-Forwarded-For", "10.0.0.5")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged forwarded header must not pass the allowlist, got %d: %s", rec.Code, rec.Body.String())
	}
	if fx.gate.records != 0 || len(fx.heartbeats.seen) != 0 {
		t.Fatalf("forged delivery must not touch storage")
	}

	rec = postAlarm(fx, body, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.66:40100"
		r.Header.Set("X-Real-IP", "10.0.0.5")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("forged real-ip header must not pass the allowlist, got %d", rec.Code)
	}
}

func TestHandleAlarmTrustedProxyForwarding(t *testing.T) {
	fx := newFixture(t, "", []string{"10.0.0.5"})
	trusted, err := NewAllowlist([]string{"203.0.113.1"})
	if err != nil {
		t.Fatalf("trusted proxies: %v", err)
	}
	fx.handler.TrustedProxies = trusted
	body := `{"eventType":"zoneAlarm","CIDEvent":{"code":130}}`

	rec := postAlarm(fx, body, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.1:443"
		r.Header.Set("X-Forwarded-For", "10.0.0.5")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded address from a trusted proxy should pass, got %d: %s", rec.Code, rec.Body.String())
	}
	if fx.gate.records != 1 {
		t.Fatalf("expected one persisted event, got %d", fx.gate.records)
	}

	rec = postAlarm(fx, body, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.1:443"
		r.Header.Set("X-Forwarded-For", "10.9.9.9")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("off-allowlist client behind the proxy should still 403, got %d", rec.Code)
	}

	rec = postAlarm(fx, body, func(r *http.Request) {
		r.RemoteAddr = "203.0.113.66:40100"
		r.Header.Set("X-Forwarded-For", "10.0.0.5")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("untrusted peer must not get forwarded-header treatment, got %d", rec.Code)
	}
}

func TestHandleAlarmSignature(t *testing.T) {
	secret := "panel-secret"
	fx := newFixture(t, secret, nil)
	body := `{"eventType":"zoneAlarm","CIDEvent":{"code":130}}`

	rec := postAlarm(fx, body, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("missing signature should 403, got %d", rec.Code)
	}

	rec = postAlarm(fx, body, func(r *http.Request) {
		r.Header.Set("X-Hik-Signature", "deadbeef")
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad signature should 403, got %d", rec.Code)
	}

	rec = postAlarm(fx, body, func(r *http.Request) {
		r.Header.Set("X-Hik-Signature", Signature(secret, []byte(body)))
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signature should 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAlarmContentType(t *testing.T) {
	fx := newFixture(t, "", nil)

	rec := postAlarm(fx, `{}`, func(r *http.Request) {
		r.Header.Set("Content-Type", "application/octet-stream")
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported content type, got %d", rec.Code)
	}
	if fx.gate.records != 0 {
		t.Fatalf("rejected delivery must not persist")
	}
}

func TestHandleAlarmUnknownDevice(t *testing.T) {
	fx := newFixture(t, "", nil)

	rec := postAlarm(fx, `{"eventType":"x"}`, func(r *http.Request) {
		r.RemoteAddr = "10.9.9.9:40100"
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown device, got %d", rec.Code)
	}
}

func TestHandleAlarmMalformed(t *testing.T) {
	fx := newFixture(t, "", nil)

	rec := postAlarm(fx, `{"eventType":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
	res := decodeResult(t, rec)
	if res.Success {
		t.Fatalf("malformed body must not succeed")
	}
	if fx.gate.records != 0 {
		t.Fatalf("malformed body must not persist")
	}
}

func TestHandleAlarmDispatchFailureStillAccepts(t *testing.T) {
	fx := newFixture(t, "", nil)
	fx.dispatcher.err = errors.New("queue down")
	body := `{"eventType":"zoneAlarm","CIDEvent":{"code":130}}`

	rec := postAlarm(fx, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch failure must not fail ingestion, got %d", rec.Code)
	}
	if fx.gate.records != 1 {
		t.Fatalf("event should still be persisted")
	}
	if len(fx.marker.marked) != 0 {
		t.Fatalf("failed dispatch must stay eligible for replay")
	}
}

func TestHandleHeartbeat(t *testing.T) {
	fx := newFixture(t, "", nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/hikvision/heartbeat", strings.NewReader(`{"armStatus":"armed"}`))
	req.RemoteAddr = "10.0.0.5:40100"
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	fx.handler.HandleHeartbeat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(fx.heartbeats.seen) != 1 {
		t.Fatalf("heartbeat should mark the device seen")
	}
	if fx.heartbeats.armStatus[fx.device.DeviceID] != "armed" {
		t.Fatalf("arm status should be recorded")
	}
}

func TestHandleHealth(t *testing.T) {
	fx := newFixture(t, "", nil)
	req := httptest.NewRequest(http.MethodGet, "/webhooks/hikvision/health", nil)
	rec := httptest.NewRecorder()

	fx.handler.HandleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	res := decodeResult(t, rec)
	if !res.Success {
		t.Fatalf("health should report success")
	}
}
