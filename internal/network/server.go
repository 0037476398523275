package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/config"
	"github.com/lorawan-server/lorawan-netctl/internal/controller"
	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/internal/gateway"
	"github.com/lorawan-server/lorawan-netctl/internal/integration"
	"github.com/lorawan-server/lorawan-netctl/internal/metrics"
	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/internal/storage"
	"github.com/lorawan-server/lorawan-netctl/internal/subband"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// WindowScheduler opens receive windows at their deadlines by calling
// Server.OnReceiveWindowOpen
type WindowScheduler interface {
	Schedule(addr lorawan.DevAddr, rx1, rx2 time.Time)
	Cancel(addr lorawan.DevAddr)
}

// LinkFactory creates the transport handle of a gateway
type LinkFactory func(id lorawan.EUI64) gateway.Link

// Options configures a Server
type Options struct {
	Registry   RegistryConfig
	Dispatcher DispatcherConfig
	SubBands   []subband.Band
	// ADR is nil when ADR is disabled
	ADR *controller.ADRConfig
}

// OptionsFromConfig builds server options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	region, err := lorawan.GetRegionConfiguration(cfg.Network.Band)
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		Registry: RegistryConfig{
			HistoryRange:    cfg.ADR.HistoryRange,
			AutoRegister:    cfg.Network.AutoRegister,
			DefaultDataRate: uint8(cfg.Network.DefaultDataRate),
			DefaultTxPower:  cfg.Network.DefaultTxPower,
			RX1DROffset:     uint8(cfg.Network.RX1DROffset),
		},
		Dispatcher: DispatcherConfig{
			Region:       region,
			RX1Delay:     cfg.Network.RX1Delay,
			RX2Delay:     cfg.Network.RX2Delay,
			RX2Frequency: cfg.Network.RX2Frequency,
			RX2DataRate:  uint8(cfg.Network.RX2DataRate),
			TxPowerDBm:   cfg.Network.DownlinkTxPower,
		},
	}
	for _, b := range cfg.SubBands {
		opts.SubBands = append(opts.SubBands, subband.Band{
			Name:          b.Name,
			Low:           b.Low,
			High:          b.High,
			DutyCycle:     b.DutyCycle,
			MaxTxPowerDBm: b.MaxTxPower,
		})
	}

	if cfg.ADR.Enabled {
		gwc, err := controller.ParseCombiner(cfg.ADR.GatewayCombiner)
		if err != nil {
			return Options{}, err
		}
		hc, err := controller.ParseCombiner(cfg.ADR.HistoryCombiner)
		if err != nil {
			return Options{}, err
		}
		opts.ADR = &controller.ADRConfig{
			HistoryRange:    cfg.ADR.HistoryRange,
			GatewayCombiner: gwc,
			HistoryCombiner: hc,
			DeviceMargin:    cfg.ADR.DeviceMargin,
			TogglePower:     cfg.ADR.TogglePowerEnabled(),
			MinTxPowerDBm:   cfg.ADR.MinTxPower,
			MaxTxPowerDBm:   cfg.ADR.MaxTxPower,
			MaxDataRate:     uint8(cfg.ADR.MaxDR()),
		}
	}
	return opts, nil
}

// Server ties the registry, the controller chain and the dispatcher
// together and persists and publishes what they do
type Server struct {
	registry   *Registry
	dispatcher *Dispatcher
	bands      *subband.Tracker
	chain      controller.Chain
	opts       Options

	store   storage.Store
	metrics *metrics.Collector
	events  *integration.Forwarder

	scheduler   WindowScheduler
	linkFactory LinkFactory
}

// NewServer creates a server. store, m and events may be nil.
func NewServer(opts Options, store storage.Store, m *metrics.Collector, events *integration.Forwarder) (*Server, error) {
	if opts.Dispatcher.Region == nil {
		return nil, errors.New("network: region is required")
	}
	bands := opts.SubBands
	if len(bands) == 0 {
		for _, p := range opts.Dispatcher.Region.SubBands {
			bands = append(bands, subband.Band(p))
		}
	}
	tracker, err := subband.NewTracker(bands)
	if err != nil {
		return nil, err
	}

	chain := controller.Chain{controller.NewAck(), controller.NewLinkCheck()}
	if opts.ADR != nil {
		adr, err := controller.NewADR(*opts.ADR)
		if err != nil {
			return nil, err
		}
		adr.SetObserver(m.ObserveADR)
		chain = append(chain, adr)
	}

	registry := NewRegistry(opts.Registry, chain.OnReceivedPacket)
	s := &Server{
		registry:   registry,
		dispatcher: NewDispatcher(opts.Dispatcher, registry.Gateways(), tracker),
		bands:      tracker,
		chain:      chain,
		opts:       opts,
		store:      store,
		metrics:    m,
		events:     events,
	}
	return s, nil
}

// SetScheduler sets the facility that opens receive windows
func (s *Server) SetScheduler(ws WindowScheduler) { s.scheduler = ws }

// SetLinkFactory sets how gateway links are created on attach
func (s *Server) SetLinkFactory(f LinkFactory) { s.linkFactory = f }

// Registry returns the device and gateway registry
func (s *Server) Registry() *Registry { return s.registry }

// SubBands returns the duty-cycle tracker
func (s *Server) SubBands() *subband.Tracker { return s.bands }

// Chain returns the controller components in order
func (s *Server) Chain() controller.Chain { return s.chain }

// Options returns the server options
func (s *Server) Options() Options { return s.opts }

func (s *Server) updateCounts() {
	s.metrics.SetCounts(s.registry.DeviceCount(), s.registry.Gateways().Len())
}

// Load registers the devices and gateways persisted in the store
func (s *Server) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		devices, total, err := s.store.ListDevices(ctx, pageSize, offset)
		if err != nil {
			return fmt.Errorf("load devices: %w", err)
		}
		for _, d := range devices {
			if _, err := s.registry.RegisterDevice(d.Session); err != nil {
				log.Warn().Err(err).Str("devAddr", d.Session.DevAddr.String()).Msg("跳过重复设备")
			}
		}
		if int64(offset+pageSize) >= total {
			break
		}
	}

	for offset := 0; ; offset += pageSize {
		gateways, total, err := s.store.ListGateways(ctx, pageSize, offset)
		if err != nil {
			return fmt.Errorf("load gateways: %w", err)
		}
		for _, g := range gateways {
			s.registry.RegisterGateway(g.GatewayID, s.newLink(g.GatewayID))
		}
		if int64(offset+pageSize) >= total {
			break
		}
	}

	s.updateCounts()
	log.Info().
		Int("devices", s.registry.DeviceCount()).
		Int("gateways", s.registry.Gateways().Len()).
		Msg("已加载设备和网关")
	return nil
}

func (s *Server) newLink(id lorawan.EUI64) gateway.Link {
	if s.linkFactory == nil {
		return nil
	}
	return s.linkFactory(id)
}

// AttachGateway registers a gateway with a fresh link. A gateway seen for
// the first time is persisted.
func (s *Server) AttachGateway(ctx context.Context, gw *models.Gateway) (*gateway.Record, error) {
	rec, created := s.registry.RegisterGateway(gw.GatewayID, s.newLink(gw.GatewayID))
	if !created {
		return rec, nil
	}

	s.updateCounts()
	if s.store != nil {
		if err := s.store.CreateGateway(ctx, gw); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
			return rec, fmt.Errorf("persist gateway %s: %w", gw.GatewayID, err)
		}
	}
	s.events.Publish(models.NewEvent(models.EventTypeGatewayUp, models.EventLevelInfo, "gateway attached").ForGateway(gw.GatewayID))
	log.Info().Str("gatewayID", gw.GatewayID.String()).Msg("网关已接入")
	return rec, nil
}

// GatewaySeen records that a gateway reported traffic at at
func (s *Server) GatewaySeen(ctx context.Context, id lorawan.EUI64, at time.Time) {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateGatewayLastSeen(ctx, id, at); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Warn().Err(err).Str("gatewayID", id.String()).Msg("更新网关在线时间失败")
	}
}

// DetachGateway removes a gateway
func (s *Server) DetachGateway(ctx context.Context, id lorawan.EUI64) error {
	if err := s.registry.DeregisterGateway(id); err != nil {
		return err
	}
	s.updateCounts()
	if s.store != nil {
		if err := s.store.DeleteGateway(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete gateway %s: %w", id, err)
		}
	}
	s.events.Publish(models.NewEvent(models.EventTypeGatewayDown, models.EventLevelInfo, "gateway detached").ForGateway(id))
	return nil
}

// RegisterDevice registers and persists a device
func (s *Server) RegisterDevice(ctx context.Context, d *models.Device) error {
	if _, err := s.registry.RegisterDevice(d.Session); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.CreateDevice(ctx, d); err != nil {
			_ = s.registry.DeregisterDevice(d.Session.DevAddr)
			return fmt.Errorf("persist device %s: %w", d.Session.DevAddr, err)
		}
	}
	s.updateCounts()
	s.events.Publish(models.NewEvent(models.EventTypeDeviceRegistered, models.EventLevelInfo, "device registered").ForDevice(d.Session.DevAddr))
	return nil
}

// DeregisterDevice tears down a device session. Its pending reply and
// scheduled receive windows are dropped.
func (s *Server) DeregisterDevice(ctx context.Context, addr lorawan.DevAddr) error {
	if err := s.registry.DeregisterDevice(addr); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Cancel(addr)
	}
	s.updateCounts()
	if s.store != nil {
		if err := s.store.DeleteDevice(ctx, addr); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete device %s: %w", addr, err)
		}
	}
	s.events.Publish(models.NewEvent(models.EventTypeDeviceDeregistered, models.EventLevelInfo, "device deregistered").ForDevice(addr))
	return nil
}

// HandleUplink merges a gateway report and, for a new frame, schedules the
// receive windows
func (s *Server) HandleUplink(ctx context.Context, up Uplink) (UplinkResult, error) {
	res, err := s.registry.OnUplink(up)
	if err != nil {
		s.metrics.ObserveUplink(up.GatewayID.String(), "rejected")
		return res, err
	}
	s.metrics.ObserveUplink(up.GatewayID.String(), res.Result.String())

	if res.Created {
		s.updateCounts()
		if s.store != nil {
			err := s.store.CreateDevice(ctx, &models.Device{Name: "auto-" + res.DevAddr.String(), Session: res.Session})
			if err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
				log.Error().Err(err).Str("devAddr", res.DevAddr.String()).Msg("保存自动注册设备失败")
			}
		}
		log.Info().Str("devAddr", res.DevAddr.String()).Msg("设备自动注册")
	}

	if res.Result != device.Appended {
		return res, nil
	}

	if s.store != nil {
		if err := s.store.SaveDeviceSession(ctx, res.Session); err != nil {
			log.Error().Err(err).Str("devAddr", res.DevAddr.String()).Msg("保存设备会话失败")
		}
	}
	s.events.Publish(models.NewEvent(models.EventTypeUplink, models.EventLevelInfo, "uplink received").
		ForDevice(res.DevAddr).
		ForGateway(up.GatewayID).
		With("fCnt", res.FCnt).
		With("dataRate", up.DataRate).
		With("frequency", up.Frequency).
		With("rssi", up.RSSI).
		With("snr", up.SNR))

	if s.scheduler != nil {
		s.scheduler.Schedule(res.DevAddr,
			res.ReceivedAt.Add(s.opts.Dispatcher.RX1Delay),
			res.ReceivedAt.Add(s.opts.Dispatcher.RX2Delay))
	}
	return res, nil
}

// OnReceiveWindowOpen prepares the device's reply (once per uplink) and
// tries to send it in the given window. A reply that cannot be sent in
// window 1 waits for window 2; if window 2 fails too every component is
// told through OnFailedReply and the reply is dropped.
func (s *Server) OnReceiveWindowOpen(ctx context.Context, addr lorawan.DevAddr, window int) error {
	if window != 1 && window != 2 {
		return fmt.Errorf("%w: %d", ErrInvalidWindow, window)
	}
	rec, err := s.registry.LookupDevice(addr)
	if err != nil {
		return err
	}

	started := time.Now()
	rec.Lock()
	if rec.Closed() {
		rec.Unlock()
		return fmt.Errorf("%w: device %s", ErrNotFound, addr)
	}
	if !rec.ReplyPrepared() {
		s.chain.BeforeSendingReply(rec)
		rec.MarkReplyPrepared()
	}
	if !rec.Reply.NeedsReply() {
		rec.Unlock()
		return nil
	}

	ack := rec.Reply.HasAck()
	dl, err := s.dispatcher.Dispatch(ctx, rec, window)
	if err != nil && window == 1 {
		rec.Unlock()
		log.Debug().Err(err).Str("devAddr", addr.String()).Msg("RX1 不可用，等待 RX2")
		return nil
	}
	if err != nil {
		s.chain.OnFailedReply(rec)
		rec.Reply.Reset()
		rec.Unlock()

		s.metrics.ObserveDropped()
		s.events.Publish(models.NewEvent(models.EventTypeReplyDropped, models.EventLevelWarning, err.Error()).ForDevice(addr))
		log.Warn().Err(err).Str("devAddr", addr.String()).Msg("回复已丢弃")
		return err
	}
	session := rec.Session()
	rec.Unlock()

	s.metrics.ObserveDownlink(window, time.Since(started))
	s.persistDownlink(ctx, session, dl, ack)
	s.events.Publish(models.NewEvent(models.EventTypeDownlink, models.EventLevelInfo, "downlink sent").
		ForDevice(addr).
		ForGateway(dl.GatewayID).
		With("window", window).
		With("fCnt", dl.FCnt).
		With("frequency", dl.Frequency).
		With("dataRate", dl.DataRate).
		With("ack", ack))

	log.Info().
		Str("devAddr", addr.String()).
		Str("gatewayID", dl.GatewayID.String()).
		Int("window", window).
		Uint32("fCnt", dl.FCnt).
		Uint32("freq", dl.Frequency).
		Uint8("dr", dl.DataRate).
		Msg("下行已发送")
	return nil
}

func (s *Server) persistDownlink(ctx context.Context, session lorawan.DeviceSession, dl *gateway.Downlink, ack bool) {
	if s.store == nil {
		return
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		log.Error().Err(err).Msg("开启事务失败")
		return
	}
	frame := &models.DownlinkFrame{
		ID:         dl.ID,
		DevAddr:    dl.DevAddr,
		GatewayID:  dl.GatewayID,
		FCnt:       dl.FCnt,
		PHYPayload: dl.PHYPayload,
		Ack:        ack,
		Window:     dl.Window,
		Frequency:  dl.Frequency,
		DataRate:   dl.DataRate,
		TxPowerDBm: dl.TxPowerDBm,
		Airtime:    dl.Airtime,
		TransmitAt: dl.Timestamp,
	}
	if err := tx.CreateDownlinkFrame(ctx, frame); err != nil {
		tx.Rollback()
		log.Error().Err(err).Str("devAddr", dl.DevAddr.String()).Msg("保存下行帧失败")
		return
	}
	if err := tx.SaveDeviceSession(ctx, session); err != nil && !errors.Is(err, storage.ErrNotFound) {
		tx.Rollback()
		log.Error().Err(err).Str("devAddr", dl.DevAddr.String()).Msg("保存设备会话失败")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("提交事务失败")
	}
}
