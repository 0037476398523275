package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// TxSubject returns the NATS subject a gateway receives downlinks on
func TxSubject(id lorawan.EUI64) string {
	return fmt.Sprintf("gateway.%s.tx", id)
}

// TxMessage 下行消息（Semtech txpk 格式）
type TxMessage struct {
	GatewayID  string          `json:"gatewayID"`
	DownlinkID string          `json:"downlinkID"`
	DevAddr    lorawan.DevAddr `json:"devAddr"`
	Window     int             `json:"window"`
	TXPK       TXPK            `json:"txpk"`
}

// TXPK Semtech packet forwarder 下行参数
type TXPK struct {
	Imme bool    `json:"imme"`
	Time string  `json:"time"`
	Freq float64 `json:"freq"`
	RFCh int     `json:"rfch"`
	Powe int     `json:"powe"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	IPol bool    `json:"ipol"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// NATSLink publishes downlinks to gateway.<id>.tx
type NATSLink struct {
	nc        *nats.Conn
	gatewayID lorawan.EUI64
	region    *lorawan.RegionConfiguration
}

// NewNATSLink 创建网关 NATS 下行链路
func NewNATSLink(nc *nats.Conn, gatewayID lorawan.EUI64, region *lorawan.RegionConfiguration) *NATSLink {
	return &NATSLink{nc: nc, gatewayID: gatewayID, region: region}
}

// Send 发布下行消息
func (l *NATSLink) Send(ctx context.Context, dl Downlink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dr, err := l.region.GetDataRate(dl.DataRate)
	if err != nil {
		return err
	}

	msg := TxMessage{
		GatewayID:  l.gatewayID.String(),
		DownlinkID: dl.ID.String(),
		DevAddr:    dl.DevAddr,
		Window:     dl.Window,
		TXPK: TXPK{
			Imme: false,
			Time: dl.Timestamp.UTC().Format(time.RFC3339Nano),
			Freq: float64(dl.Frequency) / 1000000,
			RFCh: 0,
			Powe: int(dl.TxPowerDBm),
			Modu: "LORA",
			DatR: fmt.Sprintf("SF%dBW%d", dr.SpreadFactor, dr.Bandwidth),
			CodR: "4/5",
			IPol: true,
			Size: len(dl.PHYPayload),
			Data: base64.StdEncoding.EncodeToString(dl.PHYPayload),
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal downlink: %w", err)
	}

	subject := TxSubject(l.gatewayID)
	if err := l.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Str("devAddr", dl.DevAddr.String()).
		Int("window", dl.Window).
		Float64("freq", msg.TXPK.Freq).
		Str("dataRate", msg.TXPK.DatR).
		Msg("下行消息已发布")

	return nil
}

// RxSubject returns the NATS subject a gateway publishes uplinks on
func RxSubject(id lorawan.EUI64) string {
	return fmt.Sprintf("gateway.%s.rx", id)
}

// RxMessage 上行消息（Semtech rxpk 格式）
type RxMessage struct {
	GatewayID string `json:"gatewayID"`
	RXPK      RXPK   `json:"rxpk"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// RXPK Semtech packet forwarder 上行参数
type RXPK struct {
	Time string  `json:"time,omitempty"`
	Tmst uint32  `json:"tmst"`
	Freq float64 `json:"freq"`
	Chan int     `json:"chan"`
	RFCh int     `json:"rfch"`
	Stat int     `json:"stat"`
	Modu string  `json:"modu"`
	DatR string  `json:"datr"`
	CodR string  `json:"codr"`
	RSSI float64 `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Size int     `json:"size"`
	Data string  `json:"data"`
}

// DataRateIndex maps the rxpk "SF7BW125" data rate onto the region's index
func (p RXPK) DataRateIndex(region *lorawan.RegionConfiguration) (uint8, error) {
	var sf, bw int
	if _, err := fmt.Sscanf(p.DatR, "SF%dBW%d", &sf, &bw); err != nil {
		return 0, fmt.Errorf("parse datr %q: %w", p.DatR, err)
	}
	for i, dr := range region.DataRates {
		if dr.SpreadFactor == sf && dr.Bandwidth == bw {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("datr %q not in %s plan", p.DatR, region.Name)
}

// Frequency returns the uplink frequency in Hz
func (p RXPK) Frequency() uint32 {
	return uint32(math.Round(p.Freq * 1000000))
}

// PHYPayload decodes the base64 frame
func (p RXPK) PHYPayload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.Data)
}

// ReceivedAt returns the gateway's receive time, or fallback when the
// gateway has no GPS time
func (p RXPK) ReceivedAt(fallback time.Time) time.Time {
	if p.Time == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, p.Time)
	if err != nil {
		return fallback
	}
	return t
}
