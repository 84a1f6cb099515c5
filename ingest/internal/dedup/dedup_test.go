package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/ingest/internal/repos"
)

type fakeStore struct {
	byFingerprint map[string]models.AlarmEvent
	inserts       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byFingerprint: make(map[string]models.AlarmEvent)}
}

func (s *fakeStore) InsertIfNew(ctx context.Context, event models.AlarmEvent) (models.AlarmEvent, bool, error) {
	if existing, ok := s.byFingerprint[event.Fingerprint]; ok {
		return existing, false, nil
	}
	event.EventID = uuid.New()
	s.byFingerprint[event.Fingerprint] = event
	s.inserts++
	return event, true, nil
}

func (s *fakeStore) GetByFingerprint(ctx context.Context, deviceID uuid.UUID, fingerprint string) (models.AlarmEvent, error) {
	if existing, ok := s.byFingerprint[fingerprint]; ok {
		return existing, nil
	}
	return models.AlarmEvent{}, repos.ErrEventNotFound
}

func intPtr(v int) *int { return &v }

func canonical(deviceID uuid.UUID, code int, triggeredAt time.Time) normalize.CanonicalEvent {
	return normalize.CanonicalEvent{
		DeviceID:    deviceID,
		CIDCode:     intPtr(code),
		EventType:   "zoneAlarm",
		AlarmType:   "intrusion",
		Severity:    "critical",
		Zone:        "3",
		TriggeredAt: triggeredAt,
		ReceivedAt:  triggeredAt,
		Raw:         []byte(`{}`),
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	deviceID := uuid.New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := Fingerprint(deviceID, intPtr(130), ts, "3", "1")
	b := Fingerprint(deviceID, intPtr(130), ts.Add(500*time.Millisecond), "3", "1")
	if a != b {
		t.Fatalf("sub-second jitter should not change the fingerprint")
	}

	c := Fingerprint(deviceID, intPtr(130), ts.Add(2*time.Second), "3", "1")
	if a == c {
		t.Fatalf("different seconds must differ")
	}
	d := Fingerprint(deviceID, intPtr(110), ts, "3", "1")
	if a == d {
		t.Fatalf("different codes must differ")
	}
	e := Fingerprint(uuid.New(), intPtr(130), ts, "3", "1")
	if a == e {
		t.Fatalf("different devices must differ")
	}
	f := Fingerprint(deviceID, intPtr(130), ts, "4", "1")
	if a == f {
		t.Fatalf("different zones must differ")
	}
}

func TestRecordIfNovel(t *testing.T) {
	store := newFakeStore()
	gate := New(store, nil, 60*time.Second)
	deviceID := uuid.New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first, novel, err := gate.RecordIfNovel(context.Background(), canonical(deviceID, 130, ts))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !novel {
		t.Fatalf("first delivery should be novel")
	}

	second, novel, err := gate.RecordIfNovel(context.Background(), canonical(deviceID, 130, ts))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if novel {
		t.Fatalf("retransmit should not be novel")
	}
	if second.EventID != first.EventID {
		t.Fatalf("duplicate should resolve to the original row")
	}
	if store.inserts != 1 {
		t.Fatalf("expected exactly one insert, got %d", store.inserts)
	}
}

func TestIsDuplicate(t *testing.T) {
	store := newFakeStore()
	gate := New(store, nil, 60*time.Second)
	deviceID := uuid.New()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := canonical(deviceID, 130, ts)

	dup, err := gate.IsDuplicate(context.Background(), event)
	if err != nil || dup {
		t.Fatalf("fresh event should not be duplicate (dup=%v err=%v)", dup, err)
	}
	if _, _, err := gate.RecordIfNovel(context.Background(), event); err != nil {
		t.Fatalf("record: %v", err)
	}
	dup, err = gate.IsDuplicate(context.Background(), event)
	if err != nil || !dup {
		t.Fatalf("recorded event should be duplicate (dup=%v err=%v)", dup, err)
	}
}

func TestFallbackTimestampsBucketToWindow(t *testing.T) {
	store := newFakeStore()
	gate := New(store, nil, 60*time.Second)
	deviceID := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	first := canonical(deviceID, 130, base)
	first.TimeFallback = true
	retransmit := canonical(deviceID, 130, base.Add(20*time.Second))
	retransmit.TimeFallback = true
	nextWindow := canonical(deviceID, 130, base.Add(80*time.Second))
	nextWindow.TimeFallback = true

	if fp := gate.FingerprintFor(first); fp != gate.FingerprintFor(retransmit) {
		t.Fatalf("fallback events inside one window must share a fingerprint (%s)", fp)
	}
	if gate.FingerprintFor(first) == gate.FingerprintFor(nextWindow) {
		t.Fatalf("fallback events in different windows must stay distinct")
	}
}
