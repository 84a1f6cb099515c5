package normalize

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"hikvision-alarm-ingestion/ingest/internal/cid"
	"hikvision-alarm-ingestion/ingest/internal/models"
)

// ErrMalformed marks a payload that cannot yield even a minimal event. The
// gateway logs and drops these without failing the batch.
var ErrMalformed = errors.New("malformed alarm payload")

type CanonicalEvent struct {
	DeviceID     uuid.UUID
	CIDCode      *int
	EventType    string
	AlarmType    string
	Severity     string
	Description  string
	Zone         string
	Partition    string
	TriggeredAt  time.Time
	TimeFallback bool
	ReceivedAt   time.Time
	Raw          []byte
}

type Normalizer struct {
	table *cid.Table
	now   func() time.Time
}

func New(table *cid.Table) *Normalizer {
	return &Normalizer{table: table, now: func() time.Time { return time.Now().UTC() }}
}

// webhookPayload is the push shape. Panels nest the Contact-ID block under
// CIDEvent; standalone detectors post flat eventType/dateTime pairs.
type webhookPayload struct {
	EventType        string       `json:"eventType"`
	EventDescription string       `json:"eventDescription"`
	DateTime         string       `json:"dateTime"`
	CIDEvent         *cidEventRef `json:"CIDEvent"`
}

type cidEventRef struct {
	Code        flexInt `json:"code"`
	Zone        flexStr `json:"zone"`
	Partition   flexStr `json:"partition"`
	TriggerTime string  `json:"triggerTime"`
}

type xmlAlert struct {
	XMLName   xml.Name `xml:"EventNotificationAlert"`
	EventType string   `xml:"eventType"`
	DateTime  string   `xml:"dateTime"`
	CIDCode   string   `xml:"cidCode"`
	Zone      string   `xml:"zone"`
	Partition string   `xml:"partition"`
}

// Normalize converts a raw device payload into the canonical record and
// resolves classification. The device is already authenticated by the caller.
func (n *Normalizer) Normalize(raw []byte, contentType string, device models.AlarmDevice) (CanonicalEvent, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return CanonicalEvent{}, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	event := CanonicalEvent{
		DeviceID:   device.DeviceID,
		ReceivedAt: n.now(),
		Raw:        raw,
	}

	var err error
	switch mediaType(contentType) {
	case "application/json", "":
		err = n.parseJSON(body, &event)
	case "application/xml", "text/xml":
		err = n.parseXML(body, &event)
	case "text/plain":
		event.EventType = strings.TrimSpace(string(body))
	default:
		return CanonicalEvent{}, fmt.Errorf("%w: unsupported content type %q", ErrMalformed, contentType)
	}
	if err != nil {
		return CanonicalEvent{}, err
	}

	if event.TriggeredAt.IsZero() {
		event.TriggeredAt = event.ReceivedAt
		event.TimeFallback = true
	}
	n.classify(&event)
	return event, nil
}

func (n *Normalizer) parseJSON(body []byte, event *CanonicalEvent) error {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	event.EventType = strings.TrimSpace(payload.EventType)
	if event.EventType == "" {
		event.EventType = strings.TrimSpace(payload.EventDescription)
	}
	event.TriggeredAt = parseDeviceTime(payload.DateTime)
	if payload.CIDEvent != nil {
		if payload.CIDEvent.Code.set {
			code := payload.CIDEvent.Code.value
			event.CIDCode = &code
		}
		event.Zone = string(payload.CIDEvent.Zone)
		event.Partition = string(payload.CIDEvent.Partition)
		if event.TriggeredAt.IsZero() {
			event.TriggeredAt = parseDeviceTime(payload.CIDEvent.TriggerTime)
		}
	}
	if event.EventType == "" && event.CIDCode == nil {
		return fmt.Errorf("%w: no event type or cid code", ErrMalformed)
	}
	return nil
}

func (n *Normalizer) parseXML(body []byte, event *CanonicalEvent) error {
	var alert xmlAlert
	if err := xml.Unmarshal(body, &alert); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	event.EventType = strings.TrimSpace(alert.EventType)
	event.TriggeredAt = parseDeviceTime(alert.DateTime)
	event.Zone = strings.TrimSpace(alert.Zone)
	event.Partition = strings.TrimSpace(alert.Partition)
	if raw := strings.TrimSpace(alert.CIDCode); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: bad cid code %q", ErrMalformed, raw)
		}
		event.CIDCode = &code
	}
	if event.EventType == "" && event.CIDCode == nil {
		return fmt.Errorf("%w: no event type or cid code", ErrMalformed)
	}
	return nil
}

func (n *Normalizer) classify(event *CanonicalEvent) {
	if event.CIDCode == nil {
		event.AlarmType = cid.AlarmTypeOther
		event.Severity = cid.SeverityNone
		return
	}
	result := n.table.Classify(*event.CIDCode)
	if result == nil {
		event.AlarmType = cid.AlarmTypeSystem
		event.Severity = cid.SeverityNone
		return
	}
	event.AlarmType = result.AlarmType
	event.Severity = result.Severity
	event.Description = result.Description
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102150405",
}

func parseDeviceTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func mediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(contentType)
	}
	return mt
}

// flexInt tolerates panels that quote numeric fields.
type flexInt struct {
	value int
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	trimmed := bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	v, err := strconv.Atoi(string(trimmed))
	if err != nil {
		return err
	}
	f.value = v
	f.set = true
	return nil
}

type flexStr string

func (f *flexStr) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		*f = flexStr(strings.TrimSpace(s))
		return nil
	}
	var v json.Number
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*f = flexStr(v.String())
	return nil
}
