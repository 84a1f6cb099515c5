package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/isapi"
	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/ingest/internal/registry"
	"hikvision-alarm-ingestion/shared/logx"
	"hikvision-alarm-ingestion/shared/metricsx"
)

const ingressPath = "poll"

type PanelAPI interface {
	SearchEvents(ctx context.Context, device models.AlarmDevice, position int, maxResults int) (isapi.EventPage, error)
}

type Ingestor interface {
	RecordIfNovel(ctx context.Context, event normalize.CanonicalEvent) (models.AlarmEvent, bool, error)
}

type JobDispatcher interface {
	Dispatch(ctx context.Context, event models.AlarmEvent) error
}

type DispatchMarker interface {
	MarkDispatched(ctx context.Context, eventID uuid.UUID, at time.Time) error
}

type StatusSink interface {
	MarkSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error
	SetStatus(ctx context.Context, deviceID uuid.UUID, status string) error
}

type Result struct {
	DeviceID  uuid.UUID
	Fetched   int
	Novel     int
	Duplicate int
	Malformed int
	Err       error
}

// Poller is the pull ingress. It feeds the same normalize/dedup/dispatch
// pipeline as the webhook path, which makes running both simultaneously
// redundant instead of double-counting.
type Poller struct {
	panel      PanelAPI
	normalizer *normalize.Normalizer
	gate       Ingestor
	dispatcher JobDispatcher
	marker     DispatchMarker
	status     StatusSink
	batchLimit int
	logger     logx.Logger
}

func New(panel PanelAPI, normalizer *normalize.Normalizer, gate Ingestor, dispatcher JobDispatcher, marker DispatchMarker, status StatusSink, batchLimit int, logger logx.Logger) *Poller {
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &Poller{
		panel:      panel,
		normalizer: normalizer,
		gate:       gate,
		dispatcher: dispatcher,
		marker:     marker,
		status:     status,
		batchLimit: batchLimit,
		logger:     logger,
	}
}

// PollDevice pulls up to the batch limit of recent events from one panel.
// A successful fetch counts as a heartbeat; fetch failures map onto the
// device state machine the same way sync failures do.
func (p *Poller) PollDevice(ctx context.Context, device models.AlarmDevice) Result {
	result := Result{DeviceID: device.DeviceID}
	if !device.HasCredentials() {
		result.Err = errors.New("device has no credentials")
		return result
	}

	position := 0
	for result.Fetched < p.batchLimit {
		pageSize := p.batchLimit - result.Fetched
		page, err := p.panel.SearchEvents(ctx, device, position, pageSize)
		if err != nil {
			result.Err = err
			p.recordFailure(ctx, device, err)
			return result
		}
		for _, raw := range page.Items {
			result.Fetched++
			p.ingest(ctx, device, raw, &result)
		}
		if !page.More || len(page.Items) == 0 {
			break
		}
		position = page.NextPosition
	}

	if err := p.status.MarkSeen(ctx, device.DeviceID, time.Now().UTC()); err != nil {
		p.logger.Warn(ctx, "heartbeat_update_failed", "failed to record poll heartbeat",
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", err.Error()),
		)
	}
	return result
}

func (p *Poller) ingest(ctx context.Context, device models.AlarmDevice, raw []byte, result *Result) {
	event, err := p.normalizer.Normalize(raw, "application/json", device)
	if err != nil {
		result.Malformed++
		p.logger.Warn(ctx, "event_malformed", "dropping unparsable polled event",
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	record, novel, err := p.gate.RecordIfNovel(ctx, event)
	if err != nil {
		p.logger.Error(ctx, "event_persist_failed", "failed to persist polled event",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !novel {
		result.Duplicate++
		metricsx.IncEventDuplicate(ingressPath)
		return
	}
	result.Novel++
	metricsx.IncEventIngested(ingressPath)
	if err := p.dispatcher.Dispatch(ctx, record); err == nil && p.marker != nil {
		_ = p.marker.MarkDispatched(ctx, record.EventID, time.Now().UTC())
	}
}

func (p *Poller) recordFailure(ctx context.Context, device models.AlarmDevice, err error) {
	status := registry.StatusError
	outcome := "fault"
	if errors.Is(err, isapi.ErrUnreachable) {
		status = registry.StatusOffline
		outcome = "unreachable"
	}
	metricsx.IncPollFailure(outcome)
	if setErr := p.status.SetStatus(ctx, device.DeviceID, status); setErr != nil {
		p.logger.Error(ctx, "status_update_failed", "failed to record poll outcome",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", setErr.Error()),
		)
	}
	p.logger.Warn(ctx, "poll_failed", "panel poll failed",
		slog.String("device_id", device.DeviceID.String()),
		slog.String("status", status),
		slog.String("error", err.Error()),
	)
}
