// Package gateway keeps per-gateway transmit state and the link used to
// reach each gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

var (
	// ErrNotFound is returned when a gateway is not registered
	ErrNotFound = errors.New("gateway not found")
	// ErrBusy is returned when a gateway is already transmitting on a frequency
	ErrBusy = errors.New("gateway busy")
)

// Downlink is a frame handed to a gateway for transmission
type Downlink struct {
	ID         uuid.UUID       `json:"id"`
	GatewayID  lorawan.EUI64   `json:"gatewayID"`
	DevAddr    lorawan.DevAddr `json:"devAddr"`
	FCnt       uint32          `json:"fCnt"`
	PHYPayload []byte          `json:"phyPayload"`
	Frequency  uint32          `json:"frequency"`
	Window     int             `json:"window"`
	DataRate   uint8           `json:"dataRate"`
	TxPowerDBm float64         `json:"txPowerDBm"`
	Timestamp  time.Time       `json:"timestamp"` // start of the receive window
	Airtime    time.Duration   `json:"airtime"`
}

// Link sends downlinks to one gateway
type Link interface {
	Send(ctx context.Context, dl Downlink) error
}

// LinkFunc adapts a function to the Link interface
type LinkFunc func(ctx context.Context, dl Downlink) error

// Send calls f
func (f LinkFunc) Send(ctx context.Context, dl Downlink) error {
	return f(ctx, dl)
}

// Record is an attached gateway and its per-frequency transmit cursor
type Record struct {
	ID         lorawan.EUI64
	AttachedAt time.Time

	mu     sync.Mutex
	link   Link
	nextTx map[uint32]time.Time
}

// NewRecord creates a gateway record
func NewRecord(id lorawan.EUI64, link Link) *Record {
	return &Record{
		ID:         id,
		AttachedAt: time.Now(),
		link:       link,
		nextTx:     make(map[uint32]time.Time),
	}
}

// Link returns the gateway's transport handle
func (r *Record) Link() Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

// SetLink replaces the transport handle, e.g. after a gateway reconnects
func (r *Record) SetLink(link Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.link = link
}

// IsFree reports whether the gateway may start transmitting on freq at at
func (r *Record) IsFree(freq uint32, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !at.Before(r.nextTx[freq])
}

// NextFree returns the earliest time the gateway can transmit on freq
func (r *Record) NextFree(freq uint32) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextTx[freq]
}

// Reserve marks freq busy until until. The cursor never moves backwards.
func (r *Record) Reserve(freq uint32, until time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.nextTx[freq]) {
		r.nextTx[freq] = until
	}
	return r.nextTx[freq]
}

// Reservation is an accepted transmit claim on one frequency
type Reservation struct {
	Freq  uint32
	Prev  time.Time
	Until time.Time
}

// Claim reserves freq from start if the gateway is free then. admit runs
// under the gateway lock, typically to reserve the sub-band, and returns the
// end of the reservation; its error aborts the claim.
func (r *Record) Claim(freq uint32, start time.Time, admit func() (time.Time, error)) (Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Reservation{Freq: freq, Prev: r.nextTx[freq], Until: r.nextTx[freq]}
	if start.Before(r.nextTx[freq]) {
		return c, fmt.Errorf("%w: %s on %d Hz until %s", ErrBusy, r.ID, freq, r.nextTx[freq].Format(time.RFC3339Nano))
	}
	until, err := admit()
	if err != nil {
		return c, err
	}
	if until.After(r.nextTx[freq]) {
		r.nextTx[freq] = until
	}
	c.Until = r.nextTx[freq]
	return c, nil
}

// Release undoes a claim whose downlink was never sent, unless a later
// claim has moved the cursor since
func (r *Record) Release(c Reservation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.nextTx[c.Freq].Equal(c.Until) {
		return false
	}
	if c.Prev.IsZero() {
		delete(r.nextTx, c.Freq)
	} else {
		r.nextTx[c.Freq] = c.Prev
	}
	return true
}

// Registry maps gateway IDs to records
type Registry struct {
	mu       sync.RWMutex
	gateways map[lorawan.EUI64]*Record
}

// NewRegistry creates an empty gateway registry
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[lorawan.EUI64]*Record)}
}

// Register attaches a gateway. Re-registering keeps the transmit cursors
// and swaps the link.
func (r *Registry) Register(id lorawan.EUI64, link Link) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.gateways[id]; ok {
		rec.SetLink(link)
		return rec, false
	}
	rec := NewRecord(id, link)
	r.gateways[id] = rec
	return rec, true
}

// Deregister removes a gateway
func (r *Registry) Deregister(id lorawan.EUI64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.gateways[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.gateways, id)
	return nil
}

// Lookup returns the record for id
func (r *Registry) Lookup(id lorawan.EUI64) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// List returns all records ordered by ID
func (r *Registry) List() []*Record {
	r.mu.RLock()
	out := make([]*Record, 0, len(r.gateways))
	for _, rec := range r.gateways {
		out = append(out, rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Len returns the number of registered gateways
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.gateways)
}
