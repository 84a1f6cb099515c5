package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/cid"
	"hikvision-alarm-ingestion/ingest/internal/isapi"
	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/ingest/internal/registry"
	"hikvision-alarm-ingestion/shared/logx"
)

type fakePanel struct {
	pages []isapi.EventPage
	err   error
	calls int
}

func (f *fakePanel) SearchEvents(ctx context.Context, device models.AlarmDevice, position int, maxResults int) (isapi.EventPage, error) {
	if f.err != nil {
		return isapi.EventPage{}, f.err
	}
	if f.calls >= len(f.pages) {
		return isapi.EventPage{}, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

type fakeGate struct {
	seen    map[string]models.AlarmEvent
	records int
}

func (f *fakeGate) RecordIfNovel(ctx context.Context, event normalize.CanonicalEvent) (models.AlarmEvent, bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]models.AlarmEvent)
	}
	code := -1
	if event.CIDCode != nil {
		code = *event.CIDCode
	}
	key := fmt.Sprintf("%s|%d|%d", event.DeviceID, code, event.TriggeredAt.Unix())
	if existing, ok := f.seen[key]; ok {
		return existing, false, nil
	}
	record := models.AlarmEvent{EventID: uuid.New(), DeviceID: event.DeviceID}
	f.seen[key] = record
	f.records++
	return record, true, nil
}

type fakeDispatcher struct {
	dispatched int
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event models.AlarmEvent) error {
	f.dispatched++
	return nil
}

type fakeMarker struct {
	marked int
}

func (f *fakeMarker) MarkDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	f.marked++
	return nil
}

type fakeStatus struct {
	seen     int
	statuses map[uuid.UUID]string
}

func (f *fakeStatus) MarkSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error {
	f.seen++
	return nil
}

func (f *fakeStatus) SetStatus(ctx context.Context, deviceID uuid.UUID, status string) error {
	if f.statuses == nil {
		f.statuses = make(map[uuid.UUID]string)
	}
	f.statuses[deviceID] = status
	return nil
}

func rawEvent(code int, ts string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"eventType":"zoneAlarm","dateTime":%q,"CIDEvent":{"code":%d}}`, ts, code))
}

func testDevice() models.AlarmDevice {
	return models.AlarmDevice{DeviceID: uuid.New(), IPAddress: "10.0.0.9", Username: "admin", Secret: "x"}
}

func newPoller(panel *fakePanel, gate *fakeGate, dispatcher *fakeDispatcher, marker *fakeMarker, status *fakeStatus, batch int) *Poller {
	return New(panel, normalize.New(cid.Default(false)), gate, dispatcher, marker, status, batch, logx.New("poller-test", "test", "", "error"))
}

func TestPollDevicePaginates(t *testing.T) {
	panel := &fakePanel{pages: []isapi.EventPage{
		{Items: []json.RawMessage{rawEvent(130, "2026-03-01T10:00:00Z"), rawEvent(130, "2026-03-01T10:05:00Z")}, NextPosition: 2, More: true},
		{Items: []json.RawMessage{rawEvent(110, "2026-03-01T10:06:00Z")}, NextPosition: 3, More: false},
	}}
	gate := &fakeGate{}
	dispatcher := &fakeDispatcher{}
	marker := &fakeMarker{}
	status := &fakeStatus{}

	result := newPoller(panel, gate, dispatcher, marker, status, 100).PollDevice(context.Background(), testDevice())
	if result.Err != nil {
		t.Fatalf("poll: %v", result.Err)
	}
	if result.Fetched != 3 || result.Novel != 3 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if panel.calls != 2 {
		t.Fatalf("expected 2 pages, got %d", panel.calls)
	}
	if dispatcher.dispatched != 3 || marker.marked != 3 {
		t.Fatalf("every novel event should dispatch (dispatched=%d marked=%d)", dispatcher.dispatched, marker.marked)
	}
	if status.seen != 1 {
		t.Fatalf("successful poll should count as heartbeat")
	}
}

func TestPollDeviceHonorsBatchLimit(t *testing.T) {
	items := make([]json.RawMessage, 5)
	for i := range items {
		items[i] = rawEvent(130, fmt.Sprintf("2026-03-01T10:0%d:00Z", i))
	}
	panel := &fakePanel{pages: []isapi.EventPage{{Items: items, NextPosition: 5, More: true}}}
	gate := &fakeGate{}

	result := newPoller(panel, gate, &fakeDispatcher{}, &fakeMarker{}, &fakeStatus{}, 5).PollDevice(context.Background(), testDevice())
	if result.Fetched != 5 {
		t.Fatalf("expected 5 fetched, got %d", result.Fetched)
	}
	if panel.calls != 1 {
		t.Fatalf("batch limit reached, should not request another page")
	}
}

func TestPollDeviceDeduplicates(t *testing.T) {
	same := rawEvent(130, "2026-03-01T10:00:00Z")
	panel := &fakePanel{pages: []isapi.EventPage{{Items: []json.RawMessage{same, same}, More: false}}}
	gate := &fakeGate{}
	dispatcher := &fakeDispatcher{}

	result := newPoller(panel, gate, dispatcher, &fakeMarker{}, &fakeStatus{}, 100).PollDevice(context.Background(), testDevice())
	if result.Novel != 1 || result.Duplicate != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if dispatcher.dispatched != 1 {
		t.Fatalf("duplicates must not dispatch")
	}
}

func TestPollDeviceMalformedIsolation(t *testing.T) {
	panel := &fakePanel{pages: []isapi.EventPage{{Items: []json.RawMessage{
		json.RawMessage(`{"bogus":`),
		rawEvent(130, "2026-03-01T10:00:00Z"),
	}, More: false}}}
	gate := &fakeGate{}

	result := newPoller(panel, gate, &fakeDispatcher{}, &fakeMarker{}, &fakeStatus{}, 100).PollDevice(context.Background(), testDevice())
	if result.Malformed != 1 || result.Novel != 1 {
		t.Fatalf("one bad item must not abort the batch: %+v", result)
	}
}

func TestPollDeviceUnreachable(t *testing.T) {
	panel := &fakePanel{err: fmt.Errorf("dial: %w", isapi.ErrUnreachable)}
	status := &fakeStatus{}
	device := testDevice()

	result := newPoller(panel, &fakeGate{}, &fakeDispatcher{}, &fakeMarker{}, status, 100).PollDevice(context.Background(), device)
	if result.Err == nil {
		t.Fatalf("expected error")
	}
	if status.statuses[device.DeviceID] != registry.StatusOffline {
		t.Fatalf("unreachable panel should go offline, got %q", status.statuses[device.DeviceID])
	}
	if status.seen != 0 {
		t.Fatalf("failed poll must not count as heartbeat")
	}
}

func TestPollDeviceFault(t *testing.T) {
	panel := &fakePanel{err: errors.New("bad payload")}
	status := &fakeStatus{}
	device := testDevice()

	result := newPoller(panel, &fakeGate{}, &fakeDispatcher{}, &fakeMarker{}, status, 100).PollDevice(context.Background(), device)
	if result.Err == nil {
		t.Fatalf("expected error")
	}
	if status.statuses[device.DeviceID] != registry.StatusError {
		t.Fatalf("integration fault should map to error, got %q", status.statuses[device.DeviceID])
	}
}

func TestPollDeviceWithoutCredentials(t *testing.T) {
	result := newPoller(&fakePanel{}, &fakeGate{}, &fakeDispatcher{}, &fakeMarker{}, &fakeStatus{}, 100).
		PollDevice(context.Background(), models.AlarmDevice{DeviceID: uuid.New()})
	if result.Err == nil {
		t.Fatalf("expected error for missing credentials")
	}
}
