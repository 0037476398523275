package lorawan

import (
	"time"
)

// DeviceSession represents an active (ABP) device session
type DeviceSession struct {
	// Device identifiers
	DevEUI  EUI64   `json:"devEUI"`
	DevAddr DevAddr `json:"devAddr"`

	// Session keys; a zero key disables MIC handling
	SNwkSIntKey AES128Key `json:"sNwkSIntKey"`

	// Frame counters
	FCntUp    uint32 `json:"fCntUp"`
	NFCntDown uint32 `json:"nFCntDown"`

	// RX windows
	RX1DROffset uint8 `json:"rx1DROffset"`

	// Device settings
	DR         uint8   `json:"dr"`
	TxPowerDBm float64 `json:"txPowerDBm"`
	ADR        bool    `json:"adr"`

	// Timestamps
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
