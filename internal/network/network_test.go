package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-netctl/internal/config"
	"github.com/lorawan-server/lorawan-netctl/internal/device"
	"github.com/lorawan-server/lorawan-netctl/internal/gateway"
	"github.com/lorawan-server/lorawan-netctl/internal/metrics"
	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/internal/storage"
	"github.com/lorawan-server/lorawan-netctl/pkg/crypto"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

var (
	devA = lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda}
	devB = lorawan.DevAddr{0x26, 0x01, 0x1b, 0xdb}
	t0   = time.Unix(1700000000, 0)
)

func gw(n byte) lorawan.EUI64 { return lorawan.EUI64{0, 0, 0, 0, 0, 0, 0, n} }

func phyBytes(t *testing.T, addr lorawan.DevAddr, mtype lorawan.MType, fCnt uint32) []byte {
	t.Helper()

	mac := lorawan.MACPayload{FHDR: lorawan.FHDR{DevAddr: addr, FCnt: uint16(fCnt)}}
	uplink := mtype.IsUplink()
	macBytes, err := mac.Marshal(uplink)
	require.NoError(t, err)
	phy := lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: mtype}, MACPayload: macBytes}
	b, err := phy.MarshalBinary()
	require.NoError(t, err)
	return b
}

type upOpts struct {
	addr      lorawan.DevAddr
	fCnt      uint32
	gateway   lorawan.EUI64
	rssi      float64
	confirmed bool
	at        time.Time
}

func uplink(t *testing.T, o upOpts) Uplink {
	mtype := lorawan.UnconfirmedDataUp
	if o.confirmed {
		mtype = lorawan.ConfirmedDataUp
	}
	if o.at.IsZero() {
		o.at = t0
	}
	return Uplink{
		PHYPayload: phyBytes(t, o.addr, mtype, o.fCnt),
		GatewayID:  o.gateway,
		RSSI:       o.rssi,
		SNR:        5,
		Timestamp:  o.at,
		Frequency:  868100000,
		DataRate:   5,
	}
}

// recorder captures the downlinks sent through a gateway
type recorder struct {
	mu   sync.Mutex
	sent []gateway.Downlink
	err  error
}

func (r *recorder) Send(_ context.Context, dl gateway.Downlink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, dl)
	return nil
}

func (r *recorder) downlinks() []gateway.Downlink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]gateway.Downlink(nil), r.sent...)
}

type fakeScheduler struct {
	scheduled map[lorawan.DevAddr][2]time.Time
	cancelled []lorawan.DevAddr
}

func (f *fakeScheduler) Schedule(addr lorawan.DevAddr, rx1, rx2 time.Time) {
	if f.scheduled == nil {
		f.scheduled = make(map[lorawan.DevAddr][2]time.Time)
	}
	f.scheduled[addr] = [2]time.Time{rx1, rx2}
}

func (f *fakeScheduler) Cancel(addr lorawan.DevAddr) {
	f.cancelled = append(f.cancelled, addr)
}

func testOptions() Options {
	return Options{
		Registry: RegistryConfig{HistoryRange: 3, DefaultDataRate: 0, DefaultTxPower: 14},
		Dispatcher: DispatcherConfig{
			Region:       &lorawan.EU868Configuration,
			RX1Delay:     time.Second,
			RX2Delay:     2 * time.Second,
			RX2Frequency: 869525000,
			RX2DataRate:  0,
			TxPowerDBm:   14,
		},
	}
}

func newTestServer(t *testing.T, opts Options) (*Server, *storage.MemoryStore, *metrics.Collector) {
	t.Helper()

	store := storage.NewMemoryStore()
	m, err := metrics.New(prometheus.NewRegistry())
	require.NoError(t, err)
	s, err := NewServer(opts, store, m, nil)
	require.NoError(t, err)
	return s, store, m
}

func registerDevice(t *testing.T, s *Server, addr lorawan.DevAddr) {
	t.Helper()
	require.NoError(t, s.RegisterDevice(context.Background(), &models.Device{
		Name:    "dev-" + addr.String(),
		Session: lorawan.DeviceSession{DevAddr: addr, DR: 5, TxPowerDBm: 14},
	}))
}

func attach(t *testing.T, s *Server, id lorawan.EUI64) *recorder {
	t.Helper()
	r := &recorder{}
	s.Registry().RegisterGateway(id, r)
	return r
}

func TestRegistryMergesGatewayReports(t *testing.T) {
	var hooks int
	reg := NewRegistry(RegistryConfig{HistoryRange: 3}, func(*device.Record, *device.Observation) { hooks++ })
	_, err := reg.RegisterDevice(lorawan.DeviceSession{DevAddr: devA})
	require.NoError(t, err)

	for i, id := range []byte{3, 1, 2, 1} {
		res, err := reg.OnUplink(uplink(t, upOpts{addr: devA, fCnt: 7, gateway: gw(id), rssi: -100 + float64(i)}))
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, device.Appended, res.Result)
		} else {
			assert.Equal(t, device.Merged, res.Result)
		}
	}
	assert.Equal(t, 1, hooks)

	rec, err := reg.LookupDevice(devA)
	require.NoError(t, err)
	rec.Lock()
	defer rec.Unlock()
	require.Equal(t, 1, rec.History().Len())
	assert.Equal(t, 3, rec.Latest().GatewayCount())
	// the later report from gateway 1 replaces the earlier one
	assert.Equal(t, -97.0, rec.Latest().Gateways[gw(1)].RSSI)
	assert.Equal(t, uint32(7), rec.FCntUp)
}

func TestRegistryConcurrentMerge(t *testing.T) {
	const (
		frames   = 4
		gateways = 16
	)
	reg := NewRegistry(RegistryConfig{HistoryRange: frames}, nil)
	_, err := reg.RegisterDevice(lorawan.DeviceSession{DevAddr: devA})
	require.NoError(t, err)

	ups := make([]Uplink, 0, frames*gateways)
	for f := uint32(1); f <= frames; f++ {
		for g := 1; g <= gateways; g++ {
			ups = append(ups, uplink(t, upOpts{addr: devA, fCnt: f, gateway: gw(byte(g)), rssi: -float64(g)}))
		}
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, up := range ups {
		wg.Add(1)
		go func(up Uplink) {
			defer wg.Done()
			<-start
			_, err := reg.OnUplink(up)
			assert.NoError(t, err)
		}(up)
	}
	close(start)
	wg.Wait()

	rec, err := reg.LookupDevice(devA)
	require.NoError(t, err)
	rec.Lock()
	defer rec.Unlock()

	h := rec.History()
	require.Equal(t, frames, h.Len())
	for i := 0; i < frames; i++ {
		obs := h.At(i)
		assert.Equal(t, uint32(i+1), obs.FCnt)
		assert.Equal(t, gateways, obs.GatewayCount())
	}
	assert.Equal(t, uint32(frames), rec.FCntUp)
}

func TestRegistryLateAndDiscarded(t *testing.T) {
	reg := NewRegistry(RegistryConfig{HistoryRange: 2}, nil)
	_, err := reg.RegisterDevice(lorawan.DeviceSession{DevAddr: devA})
	require.NoError(t, err)

	for _, fCnt := range []uint32{10, 12} {
		_, err := reg.OnUplink(uplink(t, upOpts{addr: devA, fCnt: fCnt, gateway: gw(1)}))
		require.NoError(t, err)
	}
	res, err := reg.OnUplink(uplink(t, upOpts{addr: devA, fCnt: 11, gateway: gw(1)}))
	require.NoError(t, err)
	assert.Equal(t, device.InsertedLate, res.Result)

	res, err = reg.OnUplink(uplink(t, upOpts{addr: devA, fCnt: 5, gateway: gw(1)}))
	require.NoError(t, err)
	assert.Equal(t, device.Discarded, res.Result)
}

func TestRegistryUnknownDevice(t *testing.T) {
	reg := NewRegistry(RegistryConfig{HistoryRange: 3}, nil)

	_, err := reg.OnUplink(uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1)}))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Zero(t, reg.DeviceCount())
}

func TestRegistryRejectsInvalidUplinks(t *testing.T) {
	reg := NewRegistry(RegistryConfig{HistoryRange: 3, AutoRegister: true}, nil)

	_, err := reg.OnUplink(Uplink{PHYPayload: []byte{0x40, 1}, GatewayID: gw(1)})
	assert.True(t, errors.Is(err, ErrInvalidUplink))

	down := uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1)})
	down.PHYPayload = phyBytes(t, devA, lorawan.UnconfirmedDataDown, 1)
	_, err = reg.OnUplink(down)
	assert.True(t, errors.Is(err, ErrInvalidUplink))

	mismatch := uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1)})
	mismatch.DevAddr = devB
	_, err = reg.OnUplink(mismatch)
	assert.True(t, errors.Is(err, ErrInvalidUplink))

	assert.Zero(t, reg.DeviceCount(), "nothing is created for a rejected frame")
}

func TestRegistryValidatesMIC(t *testing.T) {
	key := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	reg := NewRegistry(RegistryConfig{HistoryRange: 3}, nil)
	_, err := reg.RegisterDevice(lorawan.DeviceSession{DevAddr: devA, SNwkSIntKey: key})
	require.NoError(t, err)

	_, err = reg.OnUplink(uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1)}))
	assert.True(t, errors.Is(err, ErrInvalidUplink))
}

func TestRegisterDeviceTwice(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)

	err := s.RegisterDevice(context.Background(), &models.Device{Session: lorawan.DeviceSession{DevAddr: devA}})
	assert.True(t, errors.Is(err, ErrAlreadyRegistered))
}

func TestAutoRegister(t *testing.T) {
	opts := testOptions()
	opts.Registry.AutoRegister = true
	s, store, m := newTestServer(t, opts)

	res, err := s.HandleUplink(context.Background(), uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1)}))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, device.Appended, res.Result)

	rec, err := s.Registry().LookupDevice(devA)
	require.NoError(t, err)
	assert.Equal(t, 14.0, rec.Status().TxPowerDBm)
	assert.Equal(t, uint8(5), rec.Status().DataRate, "the uplink data rate wins over the default")

	d, err := store.GetDevice(context.Background(), devA)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d.Session.FCntUp)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Devices))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Uplinks.WithLabelValues("appended")))

	res, err = s.HandleUplink(context.Background(), uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(2)}))
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, 2, res.GatewayCount)
}

func TestHandleUplinkSchedulesWindows(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	sched := &fakeScheduler{}
	s.SetScheduler(sched)
	registerDevice(t, s, devA)

	_, err := s.HandleUplink(context.Background(), uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1)}))
	require.NoError(t, err)
	assert.Equal(t, [2]time.Time{t0.Add(time.Second), t0.Add(2 * time.Second)}, sched.scheduled[devA])

	// a duplicate report does not reschedule
	delete(sched.scheduled, devA)
	_, err = s.HandleUplink(context.Background(), uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(2), at: t0.Add(50 * time.Millisecond)}))
	require.NoError(t, err)
	assert.Empty(t, sched.scheduled)
}

func TestConfirmedUplinkAckedInRX1(t *testing.T) {
	s, store, m := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	link := attach(t, s, gw(1))
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1), rssi: -80, confirmed: true}))
	require.NoError(t, err)

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	sent := link.downlinks()
	require.Len(t, sent, 1)
	dl := sent[0]
	assert.Equal(t, 1, dl.Window)
	assert.Equal(t, uint32(868100000), dl.Frequency)
	assert.Equal(t, uint8(5), dl.DataRate)
	assert.Equal(t, t0.Add(time.Second), dl.Timestamp)
	assert.Equal(t, uint32(0), dl.FCnt)
	assert.Equal(t, 14.0, dl.TxPowerDBm)

	frame, err := lorawan.ParseDataFrame(dl.PHYPayload)
	require.NoError(t, err)
	assert.Equal(t, lorawan.UnconfirmedDataDown, frame.MHDR.MType)
	assert.True(t, frame.MACPayload.FHDR.FCtrl.ACK)
	assert.Equal(t, devA, frame.MACPayload.FHDR.DevAddr)

	// the reply is consumed: window 2 sends nothing
	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 2))
	assert.Len(t, link.downlinks(), 1)

	rec, err := s.Registry().LookupDevice(devA)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Status().NFCntDown)

	frames, total, err := store.ListDownlinkFrames(ctx, devA, 10, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.True(t, frames[0].Ack)
	d, err := store.GetDevice(ctx, devA)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), d.Session.NFCntDown)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Downlinks.WithLabelValues("1")))
}

func TestUnconfirmedUplinkNeedsNoReply(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	link := attach(t, s, gw(1))
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1)}))
	require.NoError(t, err)
	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 2))
	assert.Empty(t, link.downlinks())
}

func TestStrongestFreeGatewayIsChosen(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	weak := attach(t, s, gw(1))
	strong := attach(t, s, gw(2))
	ctx := context.Background()

	for _, u := range []upOpts{
		{addr: devA, fCnt: 1, gateway: gw(1), rssi: -110, confirmed: true},
		{addr: devA, fCnt: 1, gateway: gw(2), rssi: -90, confirmed: true},
		// strongest, but not attached
		{addr: devA, fCnt: 1, gateway: gw(9), rssi: -60, confirmed: true},
	} {
		_, err := s.HandleUplink(ctx, uplink(t, u))
		require.NoError(t, err)
	}

	rec, err := s.Registry().LookupGateway(gw(2))
	require.NoError(t, err)
	rec.Reserve(868100000, t0.Add(time.Minute))

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	assert.Empty(t, strong.downlinks())
	require.Len(t, weak.downlinks(), 1)
	assert.Equal(t, gw(1), weak.downlinks()[0].GatewayID)
}

func TestFallbackToRX2(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	link := attach(t, s, gw(1))
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1), confirmed: true}))
	require.NoError(t, err)

	rec, err := s.Registry().LookupGateway(gw(1))
	require.NoError(t, err)
	rec.Reserve(868100000, t0.Add(time.Minute))

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	assert.Empty(t, link.downlinks())

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 2))
	sent := link.downlinks()
	require.Len(t, sent, 1)
	assert.Equal(t, 2, sent[0].Window)
	assert.Equal(t, uint32(869525000), sent[0].Frequency)
	assert.Equal(t, uint8(0), sent[0].DataRate)
	assert.Equal(t, t0.Add(2*time.Second), sent[0].Timestamp)
	// g2 allows 27 dBm; the configured downlink power is lower
	assert.Equal(t, 14.0, sent[0].TxPowerDBm)
}

func TestFailedReplyRetractsAck(t *testing.T) {
	s, _, m := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	link := attach(t, s, gw(1))
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1), confirmed: true}))
	require.NoError(t, err)

	gwRec, err := s.Registry().LookupGateway(gw(1))
	require.NoError(t, err)
	gwRec.Reserve(868100000, t0.Add(time.Minute))
	gwRec.Reserve(869525000, t0.Add(time.Minute))

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	err = s.OnReceiveWindowOpen(ctx, devA, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFeasibleWindow))
	assert.Empty(t, link.downlinks())

	rec, err := s.Registry().LookupDevice(devA)
	require.NoError(t, err)
	rec.Lock()
	assert.False(t, rec.Reply.HasAck())
	assert.False(t, rec.Reply.NeedsReply())
	assert.Equal(t, uint32(0), rec.NFCntDown)
	rec.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesDropped))
}

func TestSendErrorCountsAsWindowFailure(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	link := attach(t, s, gw(1))
	link.err = errors.New("gateway offline")
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1), confirmed: true}))
	require.NoError(t, err)

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	err = s.OnReceiveWindowOpen(ctx, devA, 2)
	assert.True(t, errors.Is(err, ErrNoFeasibleWindow))
}

func TestFailedSendReleasesCapacity(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	registerDevice(t, s, devB)
	broken := attach(t, s, gw(1))
	broken.err = errors.New("gateway offline")
	healthy := attach(t, s, gw(2))
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1), confirmed: true}))
	require.NoError(t, err)
	_, err = s.HandleUplink(ctx, uplink(t, upOpts{addr: devB, fCnt: 1, gateway: gw(2), confirmed: true, at: t0.Add(100 * time.Millisecond)}))
	require.NoError(t, err)

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	assert.Empty(t, broken.downlinks())

	next, err := s.SubBands().NextAllowed(868100000)
	require.NoError(t, err)
	assert.True(t, next.IsZero(), "band cursor moved by a send that never happened")
	gwRec, err := s.Registry().LookupGateway(gw(1))
	require.NoError(t, err)
	assert.True(t, gwRec.IsFree(868100000, t0.Add(time.Second)))

	// another device on the same band is not held back
	require.NoError(t, s.OnReceiveWindowOpen(ctx, devB, 1))
	sent := healthy.downlinks()
	require.Len(t, sent, 1)
	assert.Equal(t, 1, sent[0].Window)
	assert.Equal(t, devB, sent[0].DevAddr)
}

func TestSendErrorTriesNextGateway(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	strong := attach(t, s, gw(1))
	strong.err = errors.New("gateway offline")
	weak := attach(t, s, gw(2))
	ctx := context.Background()

	for _, u := range []upOpts{
		{addr: devA, fCnt: 1, gateway: gw(1), rssi: -80, confirmed: true},
		{addr: devA, fCnt: 1, gateway: gw(2), rssi: -110, confirmed: true},
	} {
		_, err := s.HandleUplink(ctx, uplink(t, u))
		require.NoError(t, err)
	}

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	assert.Empty(t, strong.downlinks())
	sent := weak.downlinks()
	require.Len(t, sent, 1)
	assert.Equal(t, 1, sent[0].Window)
	assert.Equal(t, gw(2), sent[0].GatewayID)

	gwRec, err := s.Registry().LookupGateway(gw(1))
	require.NoError(t, err)
	assert.True(t, gwRec.IsFree(868100000, t0.Add(time.Second)))
}

func TestDutyCycleForcesRX2(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)
	registerDevice(t, s, devB)
	linkA := attach(t, s, gw(1))
	linkB := attach(t, s, gw(2))
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1), confirmed: true}))
	require.NoError(t, err)
	_, err = s.HandleUplink(ctx, uplink(t, upOpts{addr: devB, fCnt: 1, gateway: gw(2), confirmed: true, at: t0.Add(100 * time.Millisecond)}))
	require.NoError(t, err)

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	require.Len(t, linkA.downlinks(), 1)

	next, err := s.SubBands().NextAllowed(868100000)
	require.NoError(t, err)
	assert.True(t, next.After(t0.Add(1100*time.Millisecond)))

	// gateway 2 is free, the shared sub-band is not
	require.NoError(t, s.OnReceiveWindowOpen(ctx, devB, 1))
	assert.Empty(t, linkB.downlinks())

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devB, 2))
	sent := linkB.downlinks()
	require.Len(t, sent, 1)
	assert.Equal(t, 2, sent[0].Window)
}

func TestDeregisterDropsPendingReply(t *testing.T) {
	s, store, _ := newTestServer(t, testOptions())
	sched := &fakeScheduler{}
	s.SetScheduler(sched)
	registerDevice(t, s, devA)
	link := attach(t, s, gw(1))
	ctx := context.Background()

	_, err := s.HandleUplink(ctx, uplink(t, upOpts{addr: devA, fCnt: 1, gateway: gw(1), confirmed: true}))
	require.NoError(t, err)

	require.NoError(t, s.DeregisterDevice(ctx, devA))
	assert.Equal(t, []lorawan.DevAddr{devA}, sched.cancelled)

	err = s.OnReceiveWindowOpen(ctx, devA, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, link.downlinks())

	_, err = store.GetDevice(ctx, devA)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	assert.True(t, errors.Is(s.DeregisterDevice(ctx, devA), ErrNotFound))
}

func TestInvalidWindow(t *testing.T) {
	s, _, _ := newTestServer(t, testOptions())
	registerDevice(t, s, devA)

	err := s.OnReceiveWindowOpen(context.Background(), devA, 3)
	assert.True(t, errors.Is(err, ErrInvalidWindow))
}

func TestAttachAndDetachGateway(t *testing.T) {
	s, store, m := newTestServer(t, testOptions())
	ctx := context.Background()

	var made []lorawan.EUI64
	s.SetLinkFactory(func(id lorawan.EUI64) gateway.Link {
		made = append(made, id)
		return &recorder{}
	})

	_, err := s.AttachGateway(ctx, &models.Gateway{GatewayID: gw(1), Name: "roof"})
	require.NoError(t, err)
	_, err = s.AttachGateway(ctx, &models.Gateway{GatewayID: gw(1), Name: "roof"})
	require.NoError(t, err)
	assert.Equal(t, []lorawan.EUI64{gw(1), gw(1)}, made)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Gateways))

	g, err := store.GetGateway(ctx, gw(1))
	require.NoError(t, err)
	assert.Equal(t, "roof", g.Name)

	require.NoError(t, s.DetachGateway(ctx, gw(1)))
	assert.True(t, errors.Is(s.DetachGateway(ctx, gw(1)), ErrNotFound))
	_, err = store.GetGateway(ctx, gw(1))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestLoadFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateDevice(ctx, &models.Device{Name: "a", Session: lorawan.DeviceSession{DevAddr: devA, NFCntDown: 9}}))
	require.NoError(t, store.CreateGateway(ctx, &models.Gateway{GatewayID: gw(1)}))

	s, err := NewServer(testOptions(), store, nil, nil)
	require.NoError(t, err)
	s.SetLinkFactory(func(lorawan.EUI64) gateway.Link { return &recorder{} })
	require.NoError(t, s.Load(ctx))

	rec, err := s.Registry().LookupDevice(devA)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), rec.Status().NFCntDown)

	g, err := s.Registry().LookupGateway(gw(1))
	require.NoError(t, err)
	assert.NotNil(t, g.Link())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(`
network:
  band: EU868
  auto_register: true
adr:
  enabled: true
  history_range: 5
  gateway_combiner: avg
`))
	require.NoError(t, err)

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "EU868", opts.Dispatcher.Region.Name)
	assert.Equal(t, uint32(869525000), opts.Dispatcher.RX2Frequency)
	assert.Equal(t, 2*time.Second, opts.Dispatcher.RX2Delay)
	assert.True(t, opts.Registry.AutoRegister)
	assert.Equal(t, 5, opts.Registry.HistoryRange)
	require.NotNil(t, opts.ADR)
	assert.Equal(t, 5, opts.ADR.HistoryRange)
	assert.NotEmpty(t, opts.SubBands)

	s, err := NewServer(opts, nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, s.Chain(), 3)
}

func TestEncryptedLinkCheckWithMIC(t *testing.T) {
	key := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	s, _, _ := newTestServer(t, testOptions())
	require.NoError(t, s.RegisterDevice(context.Background(), &models.Device{
		Session: lorawan.DeviceSession{DevAddr: devA, SNwkSIntKey: key, DR: 5, TxPowerDBm: 14},
	}))
	link := attach(t, s, gw(1))
	ctx := context.Background()

	const fCnt = 4
	plain := lorawan.EncodeMACCommands([]lorawan.MACCommand{{CID: lorawan.LinkCheckReq}})
	enc, err := crypto.EncryptFRMPayload(key, true, devA, fCnt, plain)
	require.NoError(t, err)
	port := uint8(0)
	mac := lorawan.MACPayload{FHDR: lorawan.FHDR{DevAddr: devA, FCnt: fCnt}, FPort: &port, FRMPayload: enc}
	macBytes, err := mac.Marshal(true)
	require.NoError(t, err)
	phy := lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp}, MACPayload: macBytes}
	require.NoError(t, phy.SetUplinkDataMIC(fCnt, key))
	b, err := phy.MarshalBinary()
	require.NoError(t, err)

	up := uplink(t, upOpts{addr: devA, fCnt: fCnt, gateway: gw(1), rssi: -90})
	up.PHYPayload = b
	_, err = s.HandleUplink(ctx, up)
	require.NoError(t, err)

	require.NoError(t, s.OnReceiveWindowOpen(ctx, devA, 1))
	sent := link.downlinks()
	require.Len(t, sent, 1)

	frame, err := lorawan.ParseDataFrame(sent[0].PHYPayload)
	require.NoError(t, err)
	_, ok := frame.Command(lorawan.LinkCheckAns)
	assert.True(t, ok)
	assert.False(t, frame.MACPayload.FHDR.FCtrl.ACK)

	var down lorawan.PHYPayload
	require.NoError(t, down.UnmarshalBinary(sent[0].PHYPayload))
	want := down
	require.NoError(t, want.SetDownlinkDataMIC(0, key))
	assert.Equal(t, want.MIC, down.MIC)

	// a tampered frame is rejected
	b[len(b)-1] ^= 0xff
	up.PHYPayload = b
	_, err = s.HandleUplink(ctx, up)
	assert.True(t, errors.Is(err, ErrInvalidUplink))
}
