package models

import (
	"time"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// Gateway represents a LoRaWAN gateway
type Gateway struct {
	BaseModel

	GatewayID   lorawan.EUI64 `json:"gatewayId" db:"gateway_id"`
	Name        string        `json:"name" db:"name"`
	Description string        `json:"description" db:"description"`

	// Location
	Location *Location `json:"location,omitempty" db:"location"`

	// Status
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`

	Metadata Variables `json:"metadata,omitempty" db:"metadata"`
}

// Location represents a geographic location
type Location struct {
	Latitude  float64 `json:"latitude" db:"latitude"`
	Longitude float64 `json:"longitude" db:"longitude"`
	Altitude  float64 `json:"altitude" db:"altitude"`
}
