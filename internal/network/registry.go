package network

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/internal/gateway"
	"github.com/lorawan-server/lorawan-netctl/pkg/crypto"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// Uplink is one gateway's report of a received frame
type Uplink struct {
	// DevAddr is optional; when set it must match the frame header
	DevAddr    lorawan.DevAddr
	PHYPayload []byte
	GatewayID  lorawan.EUI64
	RSSI       float64
	SNR        float64
	Timestamp  time.Time
	Frequency  uint32
	DataRate   uint8
}

// UplinkResult describes what the registry did with a report
type UplinkResult struct {
	DevAddr      lorawan.DevAddr
	FCnt         uint32
	Result       device.InsertResult
	Created      bool
	GatewayCount int
	ReceivedAt   time.Time
	Session      lorawan.DeviceSession
}

// RegistryConfig controls device creation
type RegistryConfig struct {
	HistoryRange    int
	AutoRegister    bool
	DefaultDataRate uint8
	DefaultTxPower  float64
	RX1DROffset     uint8
}

// PacketHook runs with the record locked for every new uplink
type PacketHook func(rec *device.Record, obs *device.Observation)

// Registry owns the device and gateway maps and merges uplinks into
// device records. Each record is written by one goroutine at a time;
// different devices are processed in parallel.
type Registry struct {
	cfg      RegistryConfig
	onPacket PacketHook

	mu       sync.RWMutex
	devices  map[lorawan.DevAddr]*device.Record
	gateways *gateway.Registry
}

// NewRegistry creates an empty registry. onPacket may be nil.
func NewRegistry(cfg RegistryConfig, onPacket PacketHook) *Registry {
	if cfg.HistoryRange < 1 {
		cfg.HistoryRange = 1
	}
	return &Registry{
		cfg:      cfg,
		onPacket: onPacket,
		devices:  make(map[lorawan.DevAddr]*device.Record),
		gateways: gateway.NewRegistry(),
	}
}

// Gateways returns the gateway registry
func (r *Registry) Gateways() *gateway.Registry { return r.gateways }

// RegisterGateway attaches a gateway, or swaps the link of an attached one
func (r *Registry) RegisterGateway(id lorawan.EUI64, link gateway.Link) (*gateway.Record, bool) {
	return r.gateways.Register(id, link)
}

// DeregisterGateway detaches a gateway
func (r *Registry) DeregisterGateway(id lorawan.EUI64) error {
	if err := r.gateways.Deregister(id); err != nil {
		return fmt.Errorf("%w: gateway %s", ErrNotFound, id)
	}
	return nil
}

// LookupGateway returns an attached gateway
func (r *Registry) LookupGateway(id lorawan.EUI64) (*gateway.Record, error) {
	rec, err := r.gateways.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("%w: gateway %s", ErrNotFound, id)
	}
	return rec, nil
}

// RegisterDevice creates the record of a device session
func (r *Registry) RegisterDevice(s lorawan.DeviceSession) (*device.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[s.DevAddr]; ok {
		return nil, fmt.Errorf("%w: device %s", ErrAlreadyRegistered, s.DevAddr)
	}
	rec := device.NewRecord(s, r.cfg.HistoryRange)
	r.devices[s.DevAddr] = rec
	return rec, nil
}

// DeregisterDevice removes a device. The record is closed so that a
// concurrent uplink or window callback holding it becomes a no-op.
func (r *Registry) DeregisterDevice(addr lorawan.DevAddr) error {
	r.mu.Lock()
	rec, ok := r.devices[addr]
	delete(r.devices, addr)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, addr)
	}
	rec.Lock()
	rec.Close()
	rec.Unlock()
	return nil
}

// LookupDevice returns the record of a registered device
func (r *Registry) LookupDevice(addr lorawan.DevAddr) (*device.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[addr]
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, addr)
	}
	return rec, nil
}

// Devices returns all records ordered by address
func (r *Registry) Devices() []*device.Record {
	r.mu.RLock()
	out := make([]*device.Record, 0, len(r.devices))
	for _, rec := range r.devices {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Addr.String() < out[j].Addr.String() })
	return out
}

// DeviceCount returns the number of registered devices
func (r *Registry) DeviceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// deviceFor returns the record for addr, creating it when auto
// registration is enabled
func (r *Registry) deviceFor(addr lorawan.DevAddr) (*device.Record, bool, error) {
	if rec, err := r.LookupDevice(addr); err == nil {
		return rec, false, nil
	} else if !r.cfg.AutoRegister {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.devices[addr]; ok {
		return rec, false, nil
	}
	rec := device.NewRecord(lorawan.DeviceSession{
		DevAddr:     addr,
		DR:          r.cfg.DefaultDataRate,
		TxPowerDBm:  r.cfg.DefaultTxPower,
		RX1DROffset: r.cfg.RX1DROffset,
	}, r.cfg.HistoryRange)
	r.devices[addr] = rec
	return rec, true, nil
}

// OnUplink merges a gateway report into its device record. Reports of the
// same frame from several gateways become one observation; the packet hook
// runs once, for the first report of a new frame counter.
func (r *Registry) OnUplink(up Uplink) (UplinkResult, error) {
	frame, err := lorawan.ParseDataFrame(up.PHYPayload)
	if err != nil {
		return UplinkResult{}, fmt.Errorf("%w: %v", ErrInvalidUplink, err)
	}
	if !frame.MHDR.MType.IsUplink() {
		return UplinkResult{}, fmt.Errorf("%w: %s is not an uplink", ErrInvalidUplink, frame.MHDR.MType)
	}
	addr := frame.MACPayload.FHDR.DevAddr
	if up.DevAddr != (lorawan.DevAddr{}) && up.DevAddr != addr {
		return UplinkResult{}, fmt.Errorf("%w: frame addressed to %s, reported for %s", ErrInvalidUplink, addr, up.DevAddr)
	}

	rec, created, err := r.deviceFor(addr)
	if err != nil {
		return UplinkResult{}, err
	}

	receivedAt := up.Timestamp
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	rec.Lock()
	defer rec.Unlock()

	if rec.Closed() {
		return UplinkResult{}, fmt.Errorf("%w: device %s", ErrNotFound, addr)
	}

	fCnt := lorawan.GetFullFCnt(rec.FCntUp, frame.MACPayload.FHDR.FCnt)
	if !rec.SNwkSIntKey.IsZero() {
		var phy lorawan.PHYPayload
		if err := phy.UnmarshalBinary(up.PHYPayload); err != nil {
			return UplinkResult{}, fmt.Errorf("%w: %v", ErrInvalidUplink, err)
		}
		ok, err := phy.ValidateUplinkDataMIC(fCnt, rec.SNwkSIntKey)
		if err != nil {
			return UplinkResult{}, fmt.Errorf("%w: %v", ErrInvalidUplink, err)
		}
		if !ok {
			return UplinkResult{}, fmt.Errorf("%w: MIC mismatch for %s fCnt %d", ErrInvalidUplink, addr, fCnt)
		}
		if err := decryptMACCommands(frame, rec.SNwkSIntKey, fCnt); err != nil {
			return UplinkResult{}, fmt.Errorf("%w: %v", ErrInvalidUplink, err)
		}
	}

	obs := &device.Observation{
		FCnt:       fCnt,
		PHYPayload: up.PHYPayload,
		Frame:      frame,
		Frequency:  up.Frequency,
		DataRate:   up.DataRate,
		Gateways: map[lorawan.EUI64]device.RxInfo{
			up.GatewayID: {RSSI: up.RSSI, SNR: up.SNR, ReceivedAt: receivedAt},
		},
		ReceivedAt: receivedAt,
	}

	stored, result := rec.Merge(obs)
	if result == device.Appended && r.onPacket != nil {
		r.onPacket(rec, stored)
	}

	res := UplinkResult{
		DevAddr: addr,
		FCnt:    fCnt,
		Result:  result,
		Created: created,
		Session: rec.Session(),
	}
	if stored != nil {
		res.GatewayCount = stored.GatewayCount()
		res.ReceivedAt = stored.ReceivedAt
	}

	log.Debug().
		Str("devAddr", addr.String()).
		Uint32("fCnt", fCnt).
		Str("gatewayID", up.GatewayID.String()).
		Str("result", result.String()).
		Int("gateways", res.GatewayCount).
		Msg("上行已合并")
	return res, nil
}

// decryptMACCommands replaces the commands of a port 0 frame with the
// decrypted FRMPayload ones
func decryptMACCommands(frame *lorawan.DataFrame, key lorawan.AES128Key, fCnt uint32) error {
	fp := frame.MACPayload.FPort
	if fp == nil || *fp != 0 || len(frame.MACPayload.FRMPayload) == 0 {
		return nil
	}

	plain, err := crypto.DecryptFRMPayload(key, true, frame.MACPayload.FHDR.DevAddr, fCnt, frame.MACPayload.FRMPayload)
	if err != nil {
		return err
	}
	cmds, err := lorawan.ParseMACCommands(true, plain)
	if err != nil {
		return fmt.Errorf("port 0 payload: %w", err)
	}
	frame.Commands = cmds
	return nil
}
