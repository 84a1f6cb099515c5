package models

import (
	"time"

	"github.com/google/uuid"
)

type AlarmDevice struct {
	DeviceID        uuid.UUID
	Name            string
	IPAddress       string
	Port            int
	Username        string
	Secret          string
	Status          string
	ArmStatus       string
	WebhookEnabled  bool
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (d AlarmDevice) HasCredentials() bool {
	return d.Username != "" && d.Secret != ""
}

type AlarmEvent struct {
	EventID      uuid.UUID
	DeviceID     uuid.UUID
	Fingerprint  string
	AlarmType    string
	Severity     string
	CIDCode      *int
	EventType    string
	Zone         string
	Partition    string
	TriggeredAt  time.Time
	TimeFallback bool
	ReceivedAt   time.Time
	Raw          []byte
	AlertUUID    *uuid.UUID
	DispatchedAt *time.Time
	ProcessedAt  *time.Time
}
