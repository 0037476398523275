package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/internal/gateway"
	"github.com/lorawan-server/lorawan-netctl/internal/subband"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// DispatcherConfig holds the receive window parameters
type DispatcherConfig struct {
	Region       *lorawan.RegionConfiguration
	RX1Delay     time.Duration
	RX2Delay     time.Duration
	RX2Frequency uint32
	RX2DataRate  uint8
	TxPowerDBm   float64
}

// Window is one receive window of an uplink
type Window struct {
	Number    int
	Start     time.Time
	Frequency uint32
	DataRate  uint8
}

// Dispatcher picks the gateway that sends a device's reply in a receive
// window and reserves gateway and sub-band capacity for it
type Dispatcher struct {
	cfg      DispatcherConfig
	gateways *gateway.Registry
	bands    *subband.Tracker
}

// NewDispatcher creates a dispatcher
func NewDispatcher(cfg DispatcherConfig, gateways *gateway.Registry, bands *subband.Tracker) *Dispatcher {
	return &Dispatcher{cfg: cfg, gateways: gateways, bands: bands}
}

// Window computes receive window n (1 or 2) of an observed uplink
func (d *Dispatcher) Window(rec *device.Record, obs *device.Observation, n int) (Window, error) {
	switch n {
	case 1:
		freq, err := d.cfg.Region.GetRX1Frequency(obs.Frequency)
		if err != nil {
			return Window{}, err
		}
		dr, err := d.cfg.Region.GetRX1DataRateOffset(obs.DataRate, rec.RX1DROffset)
		if err != nil {
			return Window{}, err
		}
		return Window{Number: 1, Start: obs.ReceivedAt.Add(d.cfg.RX1Delay), Frequency: freq, DataRate: dr}, nil
	case 2:
		return Window{
			Number:    2,
			Start:     obs.ReceivedAt.Add(d.cfg.RX2Delay),
			Frequency: d.cfg.RX2Frequency,
			DataRate:  d.cfg.RX2DataRate,
		}, nil
	}
	return Window{}, fmt.Errorf("%w: %d", ErrInvalidWindow, n)
}

// Dispatch sends the record's pending reply in window n through the
// strongest registered gateway that is free at the window start and whose
// sub-band allows the transmission. The record must be locked. On success
// the reply is consumed and the downlink counter advanced; on failure the
// reply is left untouched.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *device.Record, n int) (*gateway.Downlink, error) {
	obs := rec.Latest()
	if obs == nil {
		return nil, fmt.Errorf("%w: no uplink to answer", ErrNoFeasibleWindow)
	}
	w, err := d.Window(rec, obs, n)
	if err != nil {
		return nil, err
	}

	payload, err := rec.Reply.Marshal(rec.Addr, rec.NFCntDown, rec.SNwkSIntKey)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	dr, err := d.cfg.Region.GetDataRate(w.DataRate)
	if err != nil {
		return nil, err
	}
	airtime, err := lorawan.TimeOnAir(dr, len(payload), false)
	if err != nil {
		return nil, err
	}
	band, err := d.bands.Band(w.Frequency)
	if err != nil {
		return nil, fmt.Errorf("%w: window %d: %v", ErrNoFeasibleWindow, n, err)
	}

	var sendErr error
	for _, candidate := range obs.RankedGateways() {
		gw, err := d.gateways.Lookup(candidate.GatewayID)
		if err != nil {
			continue
		}
		link := gw.Link()
		if link == nil {
			continue
		}

		var held subband.Reservation
		claim, err := gw.Claim(w.Frequency, w.Start, func() (time.Time, error) {
			var err error
			held, err = d.bands.Acquire(w.Frequency, w.Start, airtime)
			return held.Until, err
		})
		if errors.Is(err, subband.ErrDutyCycle) {
			// the band cursor is shared, no other gateway can do better
			log.Debug().Err(err).Str("devAddr", rec.Addr.String()).Int("window", n).Msg("子频段占空比受限")
			break
		}
		if err != nil {
			log.Debug().Err(err).Str("devAddr", rec.Addr.String()).Int("window", n).Msg("网关忙")
			continue
		}

		dl := gateway.Downlink{
			ID:         uuid.New(),
			GatewayID:  gw.ID,
			DevAddr:    rec.Addr,
			FCnt:       rec.NFCntDown,
			PHYPayload: payload,
			Frequency:  w.Frequency,
			Window:     n,
			DataRate:   w.DataRate,
			TxPowerDBm: math.Min(d.cfg.TxPowerDBm, band.MaxTxPowerDBm),
			Timestamp:  w.Start,
			Airtime:    airtime,
		}
		if err := link.Send(ctx, dl); err != nil {
			// nothing went on air, hand the capacity back
			d.bands.Release(held)
			gw.Release(claim)
			log.Warn().Err(err).
				Str("devAddr", rec.Addr.String()).
				Str("gatewayID", gw.ID.String()).
				Int("window", n).
				Msg("下行发送失败，尝试下一个网关")
			sendErr = fmt.Errorf("send via %s: %w", gw.ID, err)
			continue
		}

		rec.NFCntDown++
		if rec.PendingADR != nil {
			rec.PendingADR.Sent = true
		}
		rec.Reply.Reset()
		return &dl, nil
	}

	if sendErr != nil {
		return nil, fmt.Errorf("%w: window %d: %v", ErrNoFeasibleWindow, n, sendErr)
	}
	return nil, fmt.Errorf("%w: window %d at %s", ErrNoFeasibleWindow, n, w.Start.Format(time.RFC3339Nano))
}
