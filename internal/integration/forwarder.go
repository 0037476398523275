// Package integration forwards network events to storage and to external
// systems (NATS, HTTP webhooks, MQTT).
package integration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/internal/storage"
)

const defaultQueueSize = 1024

// ErrUnknownSink is reported by Test for a sink name that is not configured
var ErrUnknownSink = errors.New("unknown sink")

// Sink delivers events to one external system
type Sink interface {
	Name() string
	Publish(ctx context.Context, event *models.EventLog) error
}

// Forwarder fans events out to the store and every sink. Publish never
// blocks the caller; events are dropped when the queue is full.
type Forwarder struct {
	store storage.Store
	sinks []Sink
	queue chan *models.EventLog

	mu      sync.Mutex
	dropped int
}

// NewForwarder creates a forwarder. store may be nil.
func NewForwarder(store storage.Store, sinks ...Sink) *Forwarder {
	return &Forwarder{
		store: store,
		sinks: sinks,
		queue: make(chan *models.EventLog, defaultQueueSize),
	}
}

// AddSink registers a sink. Must be called before Start.
func (f *Forwarder) AddSink(s Sink) {
	f.sinks = append(f.sinks, s)
}

// Sinks returns the names of the configured sinks
func (f *Forwarder) Sinks() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}

// Publish enqueues an event
func (f *Forwarder) Publish(event *models.EventLog) {
	if f == nil || event == nil {
		return
	}
	select {
	case f.queue <- event:
	default:
		f.mu.Lock()
		f.dropped++
		n := f.dropped
		f.mu.Unlock()
		log.Warn().Str("type", string(event.Type)).Int("dropped", n).Msg("事件队列已满，丢弃事件")
	}
}

// Dropped returns the number of events dropped on a full queue
func (f *Forwarder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Start 启动转发循环，直到 ctx 结束；退出前处理完队列中的事件
func (f *Forwarder) Start(ctx context.Context) error {
	log.Info().Strs("sinks", f.Sinks()).Msg("Integration forwarder started")

	for {
		select {
		case event := <-f.queue:
			f.deliver(ctx, event)
		case <-ctx.Done():
			f.drain()
			return nil
		}
	}
}

func (f *Forwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-f.queue:
			f.deliver(ctx, event)
		default:
			return
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, event *models.EventLog) {
	if f.store != nil {
		if err := f.store.CreateEventLog(ctx, event); err != nil {
			log.Error().Err(err).Str("type", string(event.Type)).Msg("保存事件失败")
		}
	}
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			log.Error().
				Err(err).
				Str("sink", s.Name()).
				Str("type", string(event.Type)).
				Msg("Failed to forward event")
		}
	}
}

// Test delivers event synchronously to the named sink, or to every sink when
// name is empty, and returns the per-sink errors. Unknown names map to
// ErrUnknownSink.
func (f *Forwarder) Test(ctx context.Context, name string, event *models.EventLog) map[string]error {
	results := make(map[string]error)
	for _, s := range f.sinks {
		if name != "" && s.Name() != name {
			continue
		}
		results[s.Name()] = s.Publish(ctx, event)
	}
	if name != "" && len(results) == 0 {
		results[name] = ErrUnknownSink
	}
	return results
}
