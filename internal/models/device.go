package models

import (
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// Device is a registered device and its persisted session
type Device struct {
	BaseModel

	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`

	Session lorawan.DeviceSession `json:"session"`
}

// DevAddr returns the device's network address
func (d *Device) DevAddr() lorawan.DevAddr {
	return d.Session.DevAddr
}
