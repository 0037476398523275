package integration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-netctl/internal/config"
	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/internal/storage"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

var addr = lorawan.DevAddr{0x26, 0x01, 0x02, 0x03}

type recordingSink struct {
	name   string
	mu     sync.Mutex
	events []*models.EventLog
	err    error
}

func (r *recordingSink) Name() string {
	if r.name != "" {
		return r.name
	}
	return "recording"
}

func (r *recordingSink) Publish(_ context.Context, e *models.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestForwarderDeliversToStoreAndSinks(t *testing.T) {
	store := storage.NewMemoryStore()
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("down")}
	f := NewForwarder(store, failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.Start(ctx)
		close(done)
	}()

	f.Publish(models.NewEvent(models.EventTypeUplink, models.EventLevelInfo, "up").ForDevice(addr))
	require.Eventually(t, func() bool { return ok.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, failing.count(), "a failing sink does not stop the others")

	cancel()
	<-done

	_, total, err := store.ListEventLogs(context.Background(), storage.EventLogFilters{}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestForwarderTest(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	failing := &recordingSink{name: "failing", err: errors.New("down")}
	f := NewForwarder(nil, ok, failing)
	event := models.NewEvent(models.EventTypeIntegrationTest, models.EventLevelInfo, "test")

	results := f.Test(context.Background(), "", event)
	require.Len(t, results, 2)
	assert.NoError(t, results["ok"])
	assert.EqualError(t, results["failing"], "down")

	results = f.Test(context.Background(), "ok", event)
	assert.Len(t, results, 1)
	assert.Equal(t, 2, ok.count())
	assert.Equal(t, 1, failing.count())

	results = f.Test(context.Background(), "kafka", event)
	assert.ErrorIs(t, results["kafka"], ErrUnknownSink)
}

func TestForwarderDropsWhenFull(t *testing.T) {
	f := NewForwarder(nil)
	for i := 0; i < defaultQueueSize+3; i++ {
		f.Publish(models.NewEvent(models.EventTypeUplink, models.EventLevelInfo, "up"))
	}
	assert.Equal(t, 3, f.Dropped())

	var nilForwarder *Forwarder
	assert.NotPanics(t, func() { nilForwarder.Publish(models.NewEvent(models.EventTypeADR, models.EventLevelInfo, "")) })
}

func TestNATSSink(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(10*time.Second))
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	sink := NewNATSSink(nc, "")
	event := models.NewEvent(models.EventTypeReplyDropped, models.EventLevelWarning, "no window").ForDevice(addr)
	assert.Equal(t, "ns.event.reply_dropped.26010203", sink.Subject(event))

	sub, err := nc.SubscribeSync("ns.event.>")
	require.NoError(t, err)
	require.NoError(t, sink.Publish(context.Background(), event))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var got models.EventLog
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, event.ID, got.ID)
	require.NotNil(t, got.DevAddr)
	assert.Equal(t, addr, *got.DevAddr)
}

func TestHTTPSink(t *testing.T) {
	var body []byte
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPSink(config.HTTPIntegration{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer x"}})
	event := models.NewEvent(models.EventTypeDownlink, models.EventLevelInfo, "sent").With("window", 2)
	require.NoError(t, sink.Publish(context.Background(), event))

	assert.Equal(t, "Bearer x", auth)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "DOWNLINK", got["type"])
}

func TestHTTPSinkReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewHTTPSink(config.HTTPIntegration{URL: srv.URL})
	err := sink.Publish(context.Background(), models.NewEvent(models.EventTypeADR, models.EventLevelInfo, ""))
	require.Error(t, err)
}

func TestMQTTTopic(t *testing.T) {
	sink := newMQTTSink(nil, "")
	event := models.NewEvent(models.EventTypeADR, models.EventLevelInfo, "").ForDevice(addr)
	assert.Equal(t, "lorawan/26010203/adr", sink.Topic(event))

	sink = newMQTTSink(nil, "ns/{type}")
	assert.Equal(t, "ns/gateway_up", sink.Topic(models.NewEvent(models.EventTypeGatewayUp, models.EventLevelInfo, "")))
}
