package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hikvision-alarm-ingestion/ingest/internal/models"
)

const eventColumns = `event_id, device_id, fingerprint, alarm_type, severity, cid_code, event_type, zone, partition, triggered_at, time_fallback, received_at, raw, alert_uuid, dispatched_at, processed_at`

var ErrEventNotFound = errors.New("alarm event not found")

type EventsRepo struct {
	pool *pgxpool.Pool
}

func NewEventsRepo(pool *pgxpool.Pool) *EventsRepo {
	return &EventsRepo{pool: pool}
}

// InsertIfNew persists the event unless another row already holds the same
// (device_id, fingerprint) pair. The unique constraint is the authoritative
// dedup guard; concurrent webhook and poll deliveries race safely through it.
func (r *EventsRepo) InsertIfNew(ctx context.Context, event models.AlarmEvent) (models.AlarmEvent, bool, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO alarm_events (event_id, device_id, fingerprint, alarm_type, severity, cid_code, event_type, zone, partition, triggered_at, time_fallback, received_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (device_id, fingerprint) DO NOTHING
		RETURNING `+eventColumns+`
	`, event.EventID, event.DeviceID, event.Fingerprint, event.AlarmType, event.Severity,
		event.CIDCode, event.EventType, event.Zone, event.Partition, event.TriggeredAt.UTC(),
		event.TimeFallback, event.ReceivedAt.UTC(), event.Raw)
	inserted, err := scanEvent(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.AlarmEvent{}, false, err
	}
	existing, err := r.GetByFingerprint(ctx, event.DeviceID, event.Fingerprint)
	if err != nil {
		return models.AlarmEvent{}, false, err
	}
	return existing, false, nil
}

func (r *EventsRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.AlarmEvent, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM alarm_events
		WHERE event_id = $1
	`, eventID)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AlarmEvent{}, ErrEventNotFound
	}
	return event, err
}

func (r *EventsRepo) GetByFingerprint(ctx context.Context, deviceID uuid.UUID, fingerprint string) (models.AlarmEvent, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM alarm_events
		WHERE device_id = $1 AND fingerprint = $2
	`, deviceID, fingerprint)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AlarmEvent{}, ErrEventNotFound
	}
	return event, err
}

func (r *EventsRepo) List(ctx context.Context, deviceID *uuid.UUID, limit int, offset int) ([]models.AlarmEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM alarm_events
		WHERE ($1::uuid IS NULL OR device_id = $1)
		ORDER BY received_at DESC
		LIMIT $2 OFFSET $3
	`, deviceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventsRepo) MarkDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alarm_events
		SET dispatched_at = $2
		WHERE event_id = $1 AND dispatched_at IS NULL
	`, eventID, at.UTC())
	return err
}

func (r *EventsRepo) MarkProcessed(ctx context.Context, eventID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alarm_events
		SET processed_at = $2
		WHERE event_id = $1 AND processed_at IS NULL
	`, eventID, at.UTC())
	return err
}

// SetAlert backfills the alert reference exactly once. Rows are otherwise
// immutable after insert.
func (r *EventsRepo) SetAlert(ctx context.Context, eventID uuid.UUID, alertUUID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE alarm_events
		SET alert_uuid = $2
		WHERE event_id = $1 AND alert_uuid IS NULL
	`, eventID, alertUUID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("alert already set or event missing")
	}
	return nil
}

// ListUnprocessed finds events that never completed processing and are older
// than the grace cutoff. The replay sweep re-enqueues these.
func (r *EventsRepo) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]models.AlarmEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM alarm_events
		WHERE processed_at IS NULL AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r *EventsRepo) CountPrunable(ctx context.Context, cutoff time.Time, keepAlerts bool) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM alarm_events
		WHERE triggered_at < $1
		  AND ($2 = FALSE OR alert_uuid IS NULL)
	`, cutoff, keepAlerts).Scan(&count)
	return count, err
}

// PruneBefore deletes in bounded chunks so the loop never holds long locks
// against concurrent ingestion writers. It stops at the first error and
// reports how many rows were already gone.
func (r *EventsRepo) PruneBefore(ctx context.Context, cutoff time.Time, keepAlerts bool, chunkSize int) (int64, error) {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	var total int64
	for {
		tag, err := r.pool.Exec(ctx, `
			DELETE FROM alarm_events
			WHERE event_id IN (
				SELECT event_id
				FROM alarm_events
				WHERE triggered_at < $1
				  AND ($2 = FALSE OR alert_uuid IS NULL)
				LIMIT $3
			)
		`, cutoff, keepAlerts, chunkSize)
		if err != nil {
			return total, err
		}
		deleted := tag.RowsAffected()
		total += deleted
		if deleted < int64(chunkSize) {
			return total, nil
		}
	}
}

func scanEvent(row pgx.Row) (models.AlarmEvent, error) {
	var e models.AlarmEvent
	err := row.Scan(&e.EventID, &e.DeviceID, &e.Fingerprint, &e.AlarmType, &e.Severity,
		&e.CIDCode, &e.EventType, &e.Zone, &e.Partition, &e.TriggeredAt, &e.TimeFallback,
		&e.ReceivedAt, &e.Raw, &e.AlertUUID, &e.DispatchedAt, &e.ProcessedAt)
	return e, err
}

func scanEvents(rows pgx.Rows) ([]models.AlarmEvent, error) {
	var events []models.AlarmEvent
	for rows.Next() {
		var e models.AlarmEvent
		if err := rows.Scan(&e.EventID, &e.DeviceID, &e.Fingerprint, &e.AlarmType, &e.Severity,
			&e.CIDCode, &e.EventType, &e.Zone, &e.Partition, &e.TriggeredAt, &e.TimeFallback,
			&e.ReceivedAt, &e.Raw, &e.AlertUUID, &e.DispatchedAt, &e.ProcessedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
