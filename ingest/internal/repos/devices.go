package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hikvision-alarm-ingestion/ingest/internal/models"
)

const deviceColumns = `device_id, name, ip_address, port, username, secret, status, arm_status, webhook_enabled, last_heartbeat_at, created_at, updated_at`

type DevicesRepo struct {
	pool *pgxpool.Pool
}

func NewDevicesRepo(pool *pgxpool.Pool) *DevicesRepo {
	return &DevicesRepo{pool: pool}
}

func (r *DevicesRepo) GetByID(ctx context.Context, deviceID uuid.UUID) (models.AlarmDevice, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM alarm_devices
		WHERE device_id = $1
	`, deviceID)
	return scanDevice(row)
}

func (r *DevicesRepo) GetByIP(ctx context.Context, ipAddress string) (models.AlarmDevice, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+`
		FROM alarm_devices
		WHERE ip_address = $1
	`, ipAddress)
	return scanDevice(row)
}

func (r *DevicesRepo) List(ctx context.Context, limit int, offset int) ([]models.AlarmDevice, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM alarm_devices
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ListPollable returns devices that carry credentials for the panel API.
func (r *DevicesRepo) ListPollable(ctx context.Context, limit int) ([]models.AlarmDevice, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM alarm_devices
		WHERE username <> '' AND secret <> ''
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// ListStale returns webhook-enabled devices whose heartbeat is older than the
// cutoff and that are not already offline or error.
func (r *DevicesRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.AlarmDevice, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deviceColumns+`
		FROM alarm_devices
		WHERE webhook_enabled = TRUE
		  AND status IN ('online', 'unknown')
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		ORDER BY last_heartbeat_at ASC NULLS FIRST
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDevices(rows)
}

// MarkSeen records a heartbeat or authenticated delivery and forces the
// device online. Safe to call concurrently with the staleness sweep.
func (r *DevicesRepo) MarkSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) (string, error) {
	var previous string
	err := r.pool.QueryRow(ctx, `
		UPDATE alarm_devices AS d
		SET status = 'online', last_heartbeat_at = $2, updated_at = $2
		FROM (SELECT status FROM alarm_devices WHERE device_id = $1) AS prev
		WHERE d.device_id = $1
		RETURNING prev.status
	`, deviceID, seenAt.UTC()).Scan(&previous)
	return previous, err
}

func (r *DevicesRepo) SetStatus(ctx context.Context, deviceID uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alarm_devices
		SET status = $2, updated_at = $3
		WHERE device_id = $1
	`, deviceID, status, time.Now().UTC())
	return err
}

func (r *DevicesRepo) SetArmStatus(ctx context.Context, deviceID uuid.UUID, armStatus string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE alarm_devices
		SET arm_status = $2, updated_at = $3
		WHERE device_id = $1
	`, deviceID, armStatus, time.Now().UTC())
	return err
}

// MarkStaleOffline flips every stale webhook-enabled device offline in one
// statement and reports which devices transitioned.
func (r *DevicesRepo) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE alarm_devices
		SET status = 'offline', updated_at = $2
		WHERE webhook_enabled = TRUE
		  AND status = 'online'
		  AND last_heartbeat_at IS NOT NULL
		  AND last_heartbeat_at < $1
		RETURNING device_id
	`, cutoff, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanDevice(row pgx.Row) (models.AlarmDevice, error) {
	var d models.AlarmDevice
	err := row.Scan(&d.DeviceID, &d.Name, &d.IPAddress, &d.Port, &d.Username, &d.Secret,
		&d.Status, &d.ArmStatus, &d.WebhookEnabled, &d.LastHeartbeatAt, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func scanDevices(rows pgx.Rows) ([]models.AlarmDevice, error) {
	var devices []models.AlarmDevice
	for rows.Next() {
		var d models.AlarmDevice
		if err := rows.Scan(&d.DeviceID, &d.Name, &d.IPAddress, &d.Port, &d.Username, &d.Secret,
			&d.Status, &d.ArmStatus, &d.WebhookEnabled, &d.LastHeartbeatAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}
