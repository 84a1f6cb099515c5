package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/isapi"
	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/shared/events"
	"hikvision-alarm-ingestion/shared/logx"
	"hikvision-alarm-ingestion/shared/metricsx"
)

type DeviceStore interface {
	MarkSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) (string, error)
	SetStatus(ctx context.Context, deviceID uuid.UUID, status string) error
	SetArmStatus(ctx context.Context, deviceID uuid.UUID, armStatus string) error
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]models.AlarmDevice, error)
}

type PanelClient interface {
	GetDeviceInfo(ctx context.Context, device models.AlarmDevice) (isapi.DeviceInfo, error)
	GetArmStatus(ctx context.Context, device models.AlarmDevice) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// Registry owns device connectivity state. Writes are per-row and idempotent,
// so concurrent heartbeats and sweeps converge without coordination.
type Registry struct {
	store            DeviceStore
	panel            PanelClient
	producer         Publisher
	logger           logx.Logger
	offlineThreshold time.Duration
}

func New(store DeviceStore, panel PanelClient, producer Publisher, logger logx.Logger, offlineThreshold time.Duration) *Registry {
	if offlineThreshold <= 0 {
		offlineThreshold = 600 * time.Second
	}
	return &Registry{
		store:            store,
		panel:            panel,
		producer:         producer,
		logger:           logger,
		offlineThreshold: offlineThreshold,
	}
}

// MarkSeen records an authenticated webhook or heartbeat receipt. Any receipt
// forces the device online.
func (r *Registry) MarkSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error {
	previous, err := r.store.MarkSeen(ctx, deviceID, seenAt)
	if err != nil {
		return err
	}
	if NormalizeStatus(previous) != StatusOnline {
		r.publishStatus(ctx, deviceID, previous, StatusOnline)
	}
	return nil
}

func (r *Registry) SetArmStatus(ctx context.Context, deviceID uuid.UUID, raw string) error {
	return r.store.SetArmStatus(ctx, deviceID, NormalizeArmStatus(raw))
}

// SetStatus applies an externally observed outcome, e.g. a failed poll.
func (r *Registry) SetStatus(ctx context.Context, deviceID uuid.UUID, status string) error {
	status = NormalizeStatus(status)
	if err := r.store.SetStatus(ctx, deviceID, status); err != nil {
		return err
	}
	r.publishStatus(ctx, deviceID, StatusUnknown, status)
	return nil
}

// SweepStale flips webhook-enabled devices offline once their heartbeat ages
// past the threshold. It only reads last_heartbeat_at and writes status, so
// it is safe to run concurrently with live ingestion.
func (r *Registry) SweepStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-r.offlineThreshold)
	ids, err := r.store.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		r.publishStatus(ctx, id, StatusOnline, StatusOffline)
	}
	if len(ids) > 0 {
		metricsx.AddDevicesSweptOffline(len(ids))
	}
	return len(ids), nil
}

// StaleDevices lists candidates for an active re-check.
func (r *Registry) StaleDevices(ctx context.Context, now time.Time, limit int) ([]models.AlarmDevice, error) {
	return r.store.ListStale(ctx, now.Add(-r.offlineThreshold), limit)
}

// SyncDevice actively probes a panel and maps the outcome onto the state
// machine: success goes online, an unreachable panel goes offline, and any
// other fault goes to error so an operator can tell a broken integration
// apart from a dead panel.
func (r *Registry) SyncDevice(ctx context.Context, device models.AlarmDevice) (string, error) {
	if !device.HasCredentials() {
		return NormalizeStatus(device.Status), errors.New("device has no credentials")
	}

	info, err := r.panel.GetDeviceInfo(ctx, device)
	if err != nil {
		status := OutcomeStatus(err)
		if CanTransition(device.Status, status) {
			if setErr := r.store.SetStatus(ctx, device.DeviceID, status); setErr != nil {
				return status, setErr
			}
			r.publishStatus(ctx, device.DeviceID, device.Status, status)
		}
		return status, err
	}

	if err := r.MarkSeen(ctx, device.DeviceID, time.Now().UTC()); err != nil {
		return StatusOnline, err
	}
	if arm, err := r.panel.GetArmStatus(ctx, device); err == nil {
		_ = r.store.SetArmStatus(ctx, device.DeviceID, NormalizeArmStatus(arm))
	}
	r.logger.Debug(ctx, "device_synced", "device probe succeeded",
		slog.String("device_id", device.DeviceID.String()),
		slog.String("model", info.Model),
	)
	return StatusOnline, nil
}

// OutcomeStatus maps a sync failure onto a device status. Network-level
// failures mean the panel is unreachable; anything else is an integration
// fault.
func OutcomeStatus(err error) string {
	if err == nil {
		return StatusOnline
	}
	if errors.Is(err, isapi.ErrUnreachable) {
		return StatusOffline
	}
	return StatusError
}

func (r *Registry) publishStatus(ctx context.Context, deviceID uuid.UUID, previous string, status string) {
	if r.producer == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{
		"status":   NormalizeStatus(status),
		"previous": NormalizeStatus(previous),
	})
	envelope := events.Envelope{
		EventID:    uuid.New(),
		DeviceID:   deviceID,
		OccurredAt: time.Now().UTC(),
		EventType:  "device_status_changed",
		Payload:    payload,
	}
	value, _ := json.Marshal(envelope)
	if err := r.producer.Publish(ctx, events.TopicDeviceStatus, []byte(deviceID.String()), value, nil); err != nil {
		r.logger.Warn(ctx, "status_publish_failed", "failed to publish device status",
			slog.String("device_id", deviceID.String()),
			slog.String("error", err.Error()),
		)
	}
}
