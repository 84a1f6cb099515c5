package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format for everything published to Kafka. Payload stays
// raw so consumers decide how deep to decode.
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	DeviceID   uuid.UUID       `json:"device_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

const (
	TopicAlarmAlerts  = "alarm.alerts"
	TopicDeviceStatus = "device.status"
)
