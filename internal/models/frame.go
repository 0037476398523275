package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// DownlinkFrame is the log entry of a reply handed to a gateway
type DownlinkFrame struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	DevAddr   lorawan.DevAddr `json:"devAddr" db:"dev_addr"`
	GatewayID lorawan.EUI64   `json:"gatewayId" db:"gateway_id"`

	// Frame data
	FCnt       uint32 `json:"fCnt" db:"f_cnt"`
	PHYPayload []byte `json:"phyPayload" db:"phy_payload"`
	Ack        bool   `json:"ack" db:"ack"`

	// TX parameters
	Window     int           `json:"window" db:"rx_window"`
	Frequency  uint32        `json:"frequency" db:"frequency"`
	DataRate   uint8         `json:"dataRate" db:"dr"`
	TxPowerDBm float64       `json:"txPowerDBm" db:"tx_power"`
	Airtime    time.Duration `json:"airtime" db:"airtime_us"`

	// Timing
	TransmitAt time.Time `json:"transmitAt" db:"transmit_at"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}
