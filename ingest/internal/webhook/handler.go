package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/models"
	"hikvision-alarm-ingestion/ingest/internal/normalize"
	"hikvision-alarm-ingestion/shared/httpx"
	"hikvision-alarm-ingestion/shared/logx"
	"hikvision-alarm-ingestion/shared/metricsx"
)

const maxBodyBytes = 1 << 20

const ingressPath = "webhook"

type DeviceSource interface {
	GetByIP(ctx context.Context, ipAddress string) (models.AlarmDevice, error)
}

type HeartbeatSink interface {
	MarkSeen(ctx context.Context, deviceID uuid.UUID, seenAt time.Time) error
	SetArmStatus(ctx context.Context, deviceID uuid.UUID, raw string) error
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

// Handler is the push ingress. It assumes hostile input: nothing touches
// storage before the source IP, signature, and content type all pass.
type Handler struct {
	Devices         DeviceSource
	Heartbeats      HeartbeatSink
	Normalizer      *normalize.Normalizer
	Gate            Ingestor
	Dispatcher      JobDispatcher
	Marker          DispatchMarker
	Allowlist       *Allowlist
	TrustedProxies  *Allowlist
	SignatureHeader string
	SignatureSecret string
	Logger          logx.Logger
}

type result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *Handler) HandleAlarm(w http.ResponseWriter, r *http.Request) {
	device, body, ok := h.admit(w, r)
	if !ok {
		return
	}

	event, err := h.Normalizer.Normalize(body, r.Header.Get("Content-Type"), device)
	if err != nil {
		if errors.Is(err, normalize.ErrMalformed) {
			metricsx.IncWebhookRejected("malformed")
			h.Logger.Warn(r.Context(), "event_malformed", "dropping unparsable payload",
				slog.String("device_id", device.DeviceID.String()),
				slog.String("error", err.Error()),
			)
			writeResult(w, http.StatusBadRequest, false, "unparsable payload")
			return
		}
		writeResult(w, http.StatusInternalServerError, false, "internal error")
		return
	}

	record, novel, err := h.Gate.RecordIfNovel(r.Context(), event)
	if err != nil {
		h.Logger.Error(r.Context(), "event_persist_failed", "failed to persist event",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", err.Error()),
		)
		writeResult(w, http.StatusInternalServerError, false, "internal error")
		return
	}
	if !novel {
		// the device retries until acknowledged, so duplicates get a 200
		metricsx.IncEventDuplicate(ingressPath)
		writeResult(w, http.StatusOK, true, "duplicate ignored")
		return
	}
	metricsx.IncEventIngested(ingressPath)

	if err := h.Dispatcher.Dispatch(r.Context(), record); err == nil {
		if h.Marker != nil {
			_ = h.Marker.MarkDispatched(r.Context(), record.EventID, time.Now().UTC())
		}
	}
	writeResult(w, http.StatusOK, true, "event accepted")
}

func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	device, body, ok := h.admit(w, r)
	if !ok {
		return
	}

	var payload struct {
		ArmStatus string `json:"armStatus"`
	}
	if len(body) > 0 && json.Valid(body) {
		_ = json.Unmarshal(body, &payload)
	}
	if payload.ArmStatus != "" {
		_ = h.Heartbeats.SetArmStatus(r.Context(), device.DeviceID, payload.ArmStatus)
	}
	writeResult(w, http.StatusOK, true, "heartbeat recorded")
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeResult(w, http.StatusOK, true, "ok")
}

// admit runs the shared rejection gauntlet and resolves the sending device.
// A successful admit has already updated the heartbeat state.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (models.AlarmDevice, []byte, bool) {
	ip := h.sourceIP(r)
	if !h.Allowlist.Allows(ip) {
		metricsx.IncWebhookRejected("ip_denied")
		writeResult(w, http.StatusForbidden, false, "source not allowed")
		return models.AlarmDevice{}, nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metricsx.IncWebhookRejected("body")
		writeResult(w, http.StatusBadRequest, false, "unreadable body")
		return models.AlarmDevice{}, nil, false
	}

	if h.SignatureSecret != "" {
		if !validSignature(h.SignatureSecret, body, r.Header.Get(h.SignatureHeader)) {
			metricsx.IncWebhookRejected("signature")
			writeResult(w, http.StatusForbidden, false, "invalid signature")
			return models.AlarmDevice{}, nil, false
		}
	}

	if !supportedContentType(r.Header.Get("Content-Type")) {
		metricsx.IncWebhookRejected("content_type")
		writeResult(w, http.StatusBadRequest, false, "unsupported content type")
		return models.AlarmDevice{}, nil, false
	}

	device, err := h.Devices.GetByIP(r.Context(), ip)
	if err != nil {
		metricsx.IncWebhookRejected("unknown_device")
		h.Logger.Warn(r.Context(), "unknown_device", "delivery from unregistered source",
			slog.String("source_ip", ip),
		)
		writeResult(w, http.StatusForbidden, false, "unknown device")
		return models.AlarmDevice{}, nil, false
	}

	if err := h.Heartbeats.MarkSeen(r.Context(), device.DeviceID, time.Now().UTC()); err != nil {
		h.Logger.Error(r.Context(), "heartbeat_update_failed", "failed to record device heartbeat",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("device_id", device.DeviceID.String()),
			slog.String("error", err.Error()),
		)
	}
	return device, body, true
}

func supportedContentType(contentType string) bool {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/json", "application/xml", "text/xml", "text/plain":
		return true
	}
	return false
}

func writeResult(w http.ResponseWriter, statusCode int, success bool, message string) {
	httpx.WriteJSON(w, statusCode, result{Success: success, Message: message})
}

// sourceIP resolves the sending panel's address. Forwarded headers are
// client-controlled, so they are honored only when the direct peer is a
// configured trusted proxy; otherwise any sender could forge its way past
// the allowlist and impersonate a registered device.
func (h *Handler) sourceIP(r *http.Request) string {
	peer := remoteIP(r)
	if h.TrustedProxies == nil || h.TrustedProxies.Empty() || !h.TrustedProxies.Allows(peer) {
		return peer
	}
	if v := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); v != "" {
		parts := strings.Split(v, ",")
		return strings.TrimSpace(parts[0])
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	return peer
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
