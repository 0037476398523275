package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// EventLog represents an event log entry
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	DevAddr   *lorawan.DevAddr `json:"devAddr,omitempty" db:"dev_addr"`
	GatewayID *lorawan.EUI64   `json:"gatewayId,omitempty" db:"gateway_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Device events
	EventTypeUplink       EventType = "UPLINK"
	EventTypeDownlink     EventType = "DOWNLINK"
	EventTypeReplyDropped EventType = "REPLY_DROPPED"
	EventTypeADR          EventType = "ADR"

	// Registry events
	EventTypeDeviceRegistered   EventType = "DEVICE_REGISTERED"
	EventTypeDeviceDeregistered EventType = "DEVICE_DEREGISTERED"
	EventTypeGatewayUp          EventType = "GATEWAY_UP"
	EventTypeGatewayDown        EventType = "GATEWAY_DOWN"

	// Operator events
	EventTypeIntegrationTest EventType = "INTEGRATION_TEST"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// NewEvent builds an event stamped with a fresh ID and the current time
func NewEvent(typ EventType, level EventLevel, description string) *EventLog {
	return &EventLog{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		Type:        typ,
		Level:       level,
		Description: description,
	}
}

// ForDevice tags the event with a device address
func (e *EventLog) ForDevice(addr lorawan.DevAddr) *EventLog {
	e.DevAddr = &addr
	return e
}

// ForGateway tags the event with a gateway ID
func (e *EventLog) ForGateway(id lorawan.EUI64) *EventLog {
	e.GatewayID = &id
	return e
}

// With adds a detail field
func (e *EventLog) With(key string, value interface{}) *EventLog {
	if e.Details == nil {
		e.Details = make(Variables)
	}
	e.Details[key] = value
	return e
}
