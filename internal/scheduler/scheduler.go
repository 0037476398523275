// Package scheduler opens the two receive windows of an uplink at their
// deadlines using in-process timers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// WindowFunc is called when a receive window opens
type WindowFunc func(ctx context.Context, addr lorawan.DevAddr, window int) error

type pending struct {
	gen    uint64
	timers []*time.Timer
}

// Scheduler keeps at most one pair of window timers per device. Scheduling
// a new uplink replaces the device's previous timers.
type Scheduler struct {
	ctx context.Context
	fn  WindowFunc

	mu      sync.Mutex
	gen     uint64
	pending map[lorawan.DevAddr]*pending
	stopped bool
}

// New creates a scheduler whose callbacks run with ctx
func New(ctx context.Context, fn WindowFunc) *Scheduler {
	return &Scheduler{
		ctx:     ctx,
		fn:      fn,
		pending: make(map[lorawan.DevAddr]*pending),
	}
}

// Schedule arms the RX1 and RX2 timers of a device
func (s *Scheduler) Schedule(addr lorawan.DevAddr, rx1, rx2 time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if p, ok := s.pending[addr]; ok {
		stopAll(p.timers)
	}

	s.gen++
	p := &pending{gen: s.gen}
	p.timers = []*time.Timer{
		time.AfterFunc(time.Until(rx1), func() { s.fire(addr, p.gen, 1, false) }),
		time.AfterFunc(time.Until(rx2), func() { s.fire(addr, p.gen, 2, true) }),
	}
	s.pending[addr] = p
}

// Cancel drops the device's scheduled windows
func (s *Scheduler) Cancel(addr lorawan.DevAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[addr]; ok {
		stopAll(p.timers)
		delete(s.pending, addr)
	}
}

// Pending reports whether the device has scheduled windows
func (s *Scheduler) Pending(addr lorawan.DevAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[addr]
	return ok
}

// Stop cancels every timer; later Schedule calls are ignored
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for addr, p := range s.pending {
		stopAll(p.timers)
		delete(s.pending, addr)
	}
}

func (s *Scheduler) fire(addr lorawan.DevAddr, gen uint64, window int, last bool) {
	s.mu.Lock()
	p, ok := s.pending[addr]
	if !ok || p.gen != gen {
		s.mu.Unlock()
		return
	}
	if last {
		delete(s.pending, addr)
	}
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if err := s.fn(s.ctx, addr, window); err != nil {
		log.Warn().Err(err).Str("devAddr", addr.String()).Int("window", window).Msg("接收窗口处理失败")
	}
}

func stopAll(timers []*time.Timer) {
	for _, t := range timers {
		t.Stop()
	}
}
