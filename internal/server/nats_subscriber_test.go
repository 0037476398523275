package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-netctl/internal/gateway"
	"github.com/lorawan-server/lorawan-netctl/internal/network"
	"github.com/lorawan-server/lorawan-netctl/internal/storage"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

var (
	gw1  = lorawan.EUI64{0xaa, 0x55, 0, 0, 0, 0, 0, 1}
	dev1 = lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda}
)

func runNATS(t *testing.T) *nats.Conn {
	t.Helper()

	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(10*time.Second))
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func confirmedUplink(t *testing.T, fCnt uint16) []byte {
	t.Helper()

	mac := lorawan.MACPayload{FHDR: lorawan.FHDR{DevAddr: dev1, FCnt: fCnt}}
	macBytes, err := mac.Marshal(true)
	require.NoError(t, err)
	phy := lorawan.PHYPayload{MHDR: lorawan.MHDR{MType: lorawan.ConfirmedDataUp}, MACPayload: macBytes}
	b, err := phy.MarshalBinary()
	require.NoError(t, err)
	return b
}

func startSubscriber(t *testing.T, nc *nats.Conn) (*network.Server, *storage.MemoryStore) {
	t.Helper()

	store := storage.NewMemoryStore()
	ns, err := network.NewServer(network.Options{
		Registry: network.RegistryConfig{HistoryRange: 5, AutoRegister: true, DefaultTxPower: 14},
		Dispatcher: network.DispatcherConfig{
			Region:       &lorawan.EU868Configuration,
			RX1Delay:     time.Second,
			RX2Delay:     2 * time.Second,
			RX2Frequency: 869525000,
			TxPowerDBm:   14,
		},
	}, store, nil, nil)
	require.NoError(t, err)
	ns.SetLinkFactory(func(id lorawan.EUI64) gateway.Link {
		return gateway.NewNATSLink(nc, id, &lorawan.EU868Configuration)
	})

	ctx, cancel := context.WithCancel(context.Background())
	sub := NewNATSSubscriber(nc, ns, true)
	done := make(chan error, 1)
	go func() { done <- sub.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-sub.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber not ready")
	}
	require.NoError(t, nc.Flush())
	return ns, store
}

func publishRx(t *testing.T, nc *nats.Conn, payload []byte) {
	t.Helper()

	msg := gateway.RxMessage{
		GatewayID: gw1.String(),
		RXPK: gateway.RXPK{
			Freq: 868.1,
			Modu: "LORA",
			DatR: "SF7BW125",
			CodR: "4/5",
			RSSI: -87,
			LSNR: 7.5,
			Size: len(payload),
			Data: base64.StdEncoding.EncodeToString(payload),
		},
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, nc.Publish(gateway.RxSubject(gw1), data))
	require.NoError(t, nc.Flush())
}

func TestUplinkAndExternalWindow(t *testing.T) {
	nc := runNATS(t)
	ns, store := startSubscriber(t, nc)

	tx, err := nc.SubscribeSync(gateway.TxSubject(gw1))
	require.NoError(t, err)

	publishRx(t, nc, confirmedUplink(t, 3))

	require.Eventually(t, func() bool {
		rec, err := ns.Registry().LookupDevice(dev1)
		return err == nil && rec.Status().FCntUp == 3
	}, 5*time.Second, 10*time.Millisecond)

	_, err = ns.Registry().LookupGateway(gw1)
	require.NoError(t, err, "first rx attaches the gateway")
	_, err = store.GetGateway(context.Background(), gw1)
	require.NoError(t, err)

	body, err := json.Marshal(WindowMessage{Window: 1})
	require.NoError(t, err)
	resp, err := nc.Request(WindowSubject(dev1), body, 5*time.Second)
	require.NoError(t, err)

	var reply WindowReply
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	assert.True(t, reply.OK, reply.Error)

	msg, err := tx.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var down gateway.TxMessage
	require.NoError(t, json.Unmarshal(msg.Data, &down))
	assert.Equal(t, 1, down.Window)
	assert.Equal(t, "SF7BW125", down.TXPK.DatR)
	assert.InDelta(t, 868.1, down.TXPK.Freq, 1e-9)

	phy, err := base64.StdEncoding.DecodeString(down.TXPK.Data)
	require.NoError(t, err)
	frame, err := lorawan.ParseDataFrame(phy)
	require.NoError(t, err)
	assert.True(t, frame.MACPayload.FHDR.FCtrl.ACK)
}

func TestWindowForUnknownDevice(t *testing.T) {
	nc := runNATS(t)
	startSubscriber(t, nc)

	body, err := json.Marshal(WindowMessage{Window: 2})
	require.NoError(t, err)
	resp, err := nc.Request(WindowSubject(dev1), body, 5*time.Second)
	require.NoError(t, err)

	var reply WindowReply
	require.NoError(t, json.Unmarshal(resp.Data, &reply))
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "not found")
}

func TestGatewayAttachDetach(t *testing.T) {
	nc := runNATS(t)
	ns, store := startSubscriber(t, nc)

	body, err := json.Marshal(AttachMessage{Name: "rooftop"})
	require.NoError(t, err)
	require.NoError(t, nc.Publish("gateway."+gw1.String()+".attach", body))

	require.Eventually(t, func() bool {
		g, err := store.GetGateway(context.Background(), gw1)
		return err == nil && g.Name == "rooftop"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, nc.Publish("gateway."+gw1.String()+".detach", nil))
	require.Eventually(t, func() bool {
		_, err := ns.Registry().LookupGateway(gw1)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRXPKConversion(t *testing.T) {
	p := gateway.RXPK{DatR: "SF12BW125", Freq: 869.525, Time: "2024-01-02T03:04:05.5Z"}
	dr, err := p.DataRateIndex(&lorawan.EU868Configuration)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), dr)
	assert.Equal(t, uint32(869525000), p.Frequency())
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 500000000, time.UTC), p.ReceivedAt(time.Time{}))

	_, err = gateway.RXPK{DatR: "SF6BW500"}.DataRateIndex(&lorawan.EU868Configuration)
	assert.Error(t, err)
	_, err = gateway.RXPK{DatR: "FSK"}.DataRateIndex(&lorawan.EU868Configuration)
	assert.Error(t, err)
}

func TestSpawnAfterStop(t *testing.T) {
	sub := &NATSSubscriber{}

	release := make(chan struct{})
	var ran atomic.Int32
	require.True(t, sub.spawn(func() {
		<-release
		ran.Add(1)
	}))

	stopped := make(chan struct{})
	go func() {
		sub.stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a handler was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped

	assert.False(t, sub.spawn(func() { ran.Add(1) }))
	assert.Equal(t, int32(1), ran.Load())
}

func TestShutdownUnderTraffic(t *testing.T) {
	nc := runNATS(t)

	store := storage.NewMemoryStore()
	ns, err := network.NewServer(network.Options{
		Registry: network.RegistryConfig{HistoryRange: 5, AutoRegister: true, DefaultTxPower: 14},
		Dispatcher: network.DispatcherConfig{
			Region:       &lorawan.EU868Configuration,
			RX1Delay:     time.Second,
			RX2Delay:     2 * time.Second,
			RX2Frequency: 869525000,
			TxPowerDBm:   14,
		},
	}, store, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sub := NewNATSSubscriber(nc, ns, true)
	done := make(chan error, 1)
	go func() { done <- sub.Start(ctx) }()
	<-sub.Ready()

	quit := make(chan struct{})
	publishing := make(chan struct{})
	go func() {
		defer close(publishing)
		for {
			select {
			case <-quit:
				return
			default:
			}
			_ = nc.Publish(WindowSubject(dev1), []byte(`{"window":1}`))
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	close(quit)
	<-publishing

	assert.False(t, sub.spawn(func() {}))
}
