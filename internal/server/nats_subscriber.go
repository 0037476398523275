package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/gateway"
	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/internal/network"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// Subjects the subscriber listens on
const (
	SubjectGatewayRx     = "gateway.*.rx"
	SubjectGatewayAttach = "gateway.*.attach"
	SubjectGatewayDetach = "gateway.*.detach"
	SubjectDeviceWindow  = "ns.device.*.window"
)

// WindowSubject returns the subject that opens a device's receive window
func WindowSubject(addr lorawan.DevAddr) string {
	return fmt.Sprintf("ns.device.%s.window", addr)
}

// WindowMessage asks the server to open receive window 1 or 2
type WindowMessage struct {
	Window int `json:"window"`
}

// WindowReply answers a WindowMessage sent as a request
type WindowReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// AttachMessage announces a gateway
type AttachMessage struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Location    *models.Location `json:"location,omitempty"`
}

// NATSSubscriber feeds gateway traffic and window openings into the
// network server. Each message is handled on its own goroutine.
type NATSSubscriber struct {
	nc     *nats.Conn
	ns     *network.Server
	region *lorawan.RegionConfiguration
	subs   []*nats.Subscription
	ctx    context.Context
	ready  chan struct{}

	// mu guards stopped so that no handler is added to wg once Wait starts
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup

	// windows is false when the internal scheduler opens the windows
	windows bool
}

// NewNATSSubscriber creates NATS subscriber. With externalWindows set the
// subscriber also accepts ns.device.<devAddr>.window requests.
func NewNATSSubscriber(nc *nats.Conn, ns *network.Server, externalWindows bool) *NATSSubscriber {
	return &NATSSubscriber{
		nc:      nc,
		ns:      ns,
		region:  ns.Options().Dispatcher.Region,
		subs:    make([]*nats.Subscription, 0),
		ready:   make(chan struct{}),
		windows: externalWindows,
	}
}

// Start subscribes and blocks until ctx is cancelled
func (s *NATSSubscriber) Start(ctx context.Context) error {
	s.ctx = ctx

	handlers := map[string]func(*nats.Msg){
		SubjectGatewayRx:     s.handleGatewayRx,
		SubjectGatewayAttach: s.handleGatewayAttach,
		SubjectGatewayDetach: s.handleGatewayDetach,
	}
	if s.windows {
		handlers[SubjectDeviceWindow] = s.handleWindow
	}

	for subject, handler := range handlers {
		handler := handler
		sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
			s.spawn(func() { handler(msg) })
		})
		if err != nil {
			s.unsubscribe()
			s.stop()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	close(s.ready)
	log.Info().
		Int("subscriptions", len(s.subs)).
		Bool("externalWindows", s.windows).
		Msg("NATS 订阅已启动")

	<-ctx.Done()

	s.unsubscribe()
	s.stop()
	return ctx.Err()
}

// spawn runs fn on its own goroutine unless the subscriber is stopping
func (s *NATSSubscriber) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return true
}

// stop refuses new handlers and waits for the running ones
func (s *NATSSubscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Ready is closed once all subscriptions are in place
func (s *NATSSubscriber) Ready() <-chan struct{} { return s.ready }

func (s *NATSSubscriber) unsubscribe() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Str("subject", sub.Subject).Msg("取消订阅失败")
		}
	}
	s.subs = nil
}

// subjectToken returns the second token of gateway.<id>.x or the third of
// ns.device.<addr>.x
func subjectToken(subject string, i int) string {
	parts := strings.Split(subject, ".")
	if i >= len(parts) {
		return ""
	}
	return parts[i]
}

func (s *NATSSubscriber) handleGatewayRx(msg *nats.Msg) {
	var id lorawan.EUI64
	if err := id.UnmarshalText([]byte(subjectToken(msg.Subject, 1))); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("无效的网关ID")
		return
	}

	var rx gateway.RxMessage
	if err := json.Unmarshal(msg.Data, &rx); err != nil {
		log.Error().Err(err).Str("gatewayID", id.String()).Msg("解析上行消息失败")
		return
	}

	up, err := s.toUplink(id, rx)
	if err != nil {
		log.Error().Err(err).Str("gatewayID", id.String()).Msg("上行参数无效")
		return
	}

	if _, err := s.ns.Registry().LookupGateway(id); err != nil {
		if _, err := s.ns.AttachGateway(s.ctx, &models.Gateway{
			GatewayID:   id,
			Name:        fmt.Sprintf("Gateway %s", id.String()[:8]),
			Description: "Auto-registered gateway",
		}); err != nil {
			log.Error().Err(err).Str("gatewayID", id.String()).Msg("网关自动注册失败")
		}
	}
	s.ns.GatewaySeen(s.ctx, id, up.Timestamp)

	res, err := s.ns.HandleUplink(s.ctx, up)
	if err != nil {
		log.Warn().Err(err).Str("gatewayID", id.String()).Msg("上行处理失败")
		return
	}

	log.Debug().
		Str("gatewayID", id.String()).
		Str("devAddr", res.DevAddr.String()).
		Uint32("fCnt", res.FCnt).
		Float64("rssi", up.RSSI).
		Float64("snr", up.SNR).
		Str("result", res.Result.String()).
		Msg("收到上行数据")
}

func (s *NATSSubscriber) toUplink(id lorawan.EUI64, rx gateway.RxMessage) (network.Uplink, error) {
	payload, err := rx.RXPK.PHYPayload()
	if err != nil {
		return network.Uplink{}, fmt.Errorf("decode data: %w", err)
	}
	dr, err := rx.RXPK.DataRateIndex(s.region)
	if err != nil {
		return network.Uplink{}, err
	}

	fallback := time.Now()
	if rx.Timestamp > 0 {
		fallback = time.Unix(rx.Timestamp, 0)
	}
	return network.Uplink{
		PHYPayload: payload,
		GatewayID:  id,
		RSSI:       rx.RXPK.RSSI,
		SNR:        rx.RXPK.LSNR,
		Timestamp:  rx.RXPK.ReceivedAt(fallback),
		Frequency:  rx.RXPK.Frequency(),
		DataRate:   dr,
	}, nil
}

func (s *NATSSubscriber) handleGatewayAttach(msg *nats.Msg) {
	var id lorawan.EUI64
	if err := id.UnmarshalText([]byte(subjectToken(msg.Subject, 1))); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("无效的网关ID")
		return
	}

	var attach AttachMessage
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &attach); err != nil {
			log.Error().Err(err).Str("gatewayID", id.String()).Msg("解析网关接入消息失败")
			return
		}
	}
	if attach.Name == "" {
		attach.Name = fmt.Sprintf("Gateway %s", id.String()[:8])
	}

	if _, err := s.ns.AttachGateway(s.ctx, &models.Gateway{
		GatewayID:   id,
		Name:        attach.Name,
		Description: attach.Description,
		Location:    attach.Location,
	}); err != nil {
		log.Error().Err(err).Str("gatewayID", id.String()).Msg("网关接入失败")
	}
}

func (s *NATSSubscriber) handleGatewayDetach(msg *nats.Msg) {
	var id lorawan.EUI64
	if err := id.UnmarshalText([]byte(subjectToken(msg.Subject, 1))); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("无效的网关ID")
		return
	}
	if err := s.ns.DetachGateway(s.ctx, id); err != nil {
		log.Warn().Err(err).Str("gatewayID", id.String()).Msg("网关断开失败")
		return
	}
	log.Info().Str("gatewayID", id.String()).Msg("网关已断开")
}

func (s *NATSSubscriber) handleWindow(msg *nats.Msg) {
	var addr lorawan.DevAddr
	err := addr.UnmarshalText([]byte(subjectToken(msg.Subject, 2)))
	if err == nil {
		var w WindowMessage
		if err = json.Unmarshal(msg.Data, &w); err == nil {
			err = s.ns.OnReceiveWindowOpen(s.ctx, addr, w.Window)
		}
	}
	if err != nil {
		log.Debug().Err(err).Str("subject", msg.Subject).Msg("接收窗口处理失败")
	}

	if msg.Reply == "" {
		return
	}
	reply := WindowReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("回复窗口请求失败")
	}
}
