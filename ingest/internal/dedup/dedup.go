package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/ingest/internal/repos"
	"hikvision-alarm-ingestion/shared/cachex"
)

// Store is the authoritative dedup guard. The unique constraint behind
// InsertIfNew decides novelty; everything else here is a pre-check.
type Store interface {
	InsertIfNew(ctx context.Context, event models.AlarmEvent) (models.AlarmEvent, bool, error)
	GetByFingerprint(ctx context.Context, deviceID uuid.UUID, fingerprint string) (models.AlarmEvent, error)
}

type Gate struct {
	store  Store
	cache  *cachex.Client
	window time.Duration
}

// New builds a gate. cache may be nil; the redis window pre-check is an
// optimization only and the gate degrades to pure DB dedup without it.
func New(store Store, cache *cachex.Client, window time.Duration) *Gate {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Gate{store: store, cache: cache, window: window}
}

// Fingerprint derives the dedup key from the identifying fields. Timestamps
// are truncated to the second so repeated deliveries of the same physical
// occurrence collide.
func Fingerprint(deviceID uuid.UUID, cidCode *int, triggeredAt time.Time, zone string, partition string) string {
	code := ""
	if cidCode != nil {
		code = strconv.Itoa(*cidCode)
	}
	h := sha256.New()
	h.Write([]byte(deviceID.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(code))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(triggeredAt.UTC().Truncate(time.Second).Unix(), 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(zone))
	h.Write([]byte{'|'})
	h.Write([]byte(partition))
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintFor buckets fallback timestamps to the whole dedup window.
// A clock-less device retransmitting inside the window collapses to one
// event; distinct events in different windows stay distinct.
func (g *Gate) FingerprintFor(event normalize.CanonicalEvent) string {
	ts := event.TriggeredAt
	if event.TimeFallback {
		ts = ts.UTC().Truncate(g.window)
	}
	return Fingerprint(event.DeviceID, event.CIDCode, ts, event.Zone, event.Partition)
}

// IsDuplicate is a best-effort read-only check. It never blocks ingestion on
// redis problems.
func (g *Gate) IsDuplicate(ctx context.Context, event normalize.CanonicalEvent) (bool, error) {
	fp := g.FingerprintFor(event)
	if g.cache != nil {
		n, err := g.cache.Client().Exists(ctx, dedupKey(fp)).Result()
		if err == nil && n > 0 {
			return true, nil
		}
	}
	_, err := g.store.GetByFingerprint(ctx, event.DeviceID, fp)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, repos.ErrEventNotFound) {
		return false, nil
	}
	return false, err
}

// RecordIfNovel persists the event unless its fingerprint was already seen.
// The redis SetNX is a fast path for the common retransmit case; the DB
// unique constraint settles every race the cache misses.
func (g *Gate) RecordIfNovel(ctx context.Context, event normalize.CanonicalEvent) (models.AlarmEvent, bool, error) {
	fp := g.FingerprintFor(event)

	if g.cache != nil {
		novel, err := g.cache.SetNX(ctx, dedupKey(fp), "1", g.window)
		if err == nil && !novel {
			existing, err := g.store.GetByFingerprint(ctx, event.DeviceID, fp)
			if err == nil {
				return existing, false, nil
			}
			// cache hit without a row means we lost the key race; fall
			// through to the authoritative insert
		}
	}

	record := models.AlarmEvent{
		DeviceID:     event.DeviceID,
		Fingerprint:  fp,
		AlarmType:    event.AlarmType,
		Severity:     event.Severity,
		CIDCode:      event.CIDCode,
		EventType:    event.EventType,
		Zone:         event.Zone,
		Partition:    event.Partition,
		TriggeredAt:  event.TriggeredAt.UTC(),
		TimeFallback: event.TimeFallback,
		ReceivedAt:   event.ReceivedAt.UTC(),
		Raw:          event.Raw,
	}
	return g.store.InsertIfNew(ctx, record)
}

func dedupKey(fingerprint string) string {
	return "dedup:" + fingerprint
}
