// Package subband tracks regulatory duty-cycle budgets per frequency band.
package subband

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNoSubBand is returned for a frequency outside every configured band
	ErrNoSubBand = errors.New("no sub-band for frequency")
	// ErrDutyCycle is returned when a band's duty-cycle budget is exhausted
	ErrDutyCycle = errors.New("duty cycle exhausted")
)

// Band is one regulatory frequency range [Low, High)
type Band struct {
	Name          string  `json:"name"`
	Low           uint32  `json:"low"`
	High          uint32  `json:"high"`
	DutyCycle     float64 `json:"dutyCycle"`
	MaxTxPowerDBm float64 `json:"maxTxPowerDBm"`
}

// Contains reports whether freq falls inside the band
func (b Band) Contains(freq uint32) bool {
	return freq >= b.Low && freq < b.High
}

// Status is a point-in-time view of a band and its cursor
type Status struct {
	Band
	NextAllowed time.Time `json:"nextAllowed"`
}

type entry struct {
	band Band

	mu          sync.Mutex
	nextAllowed time.Time
}

// Tracker holds one cursor per band. Reservations on the same band are
// serialized; different bands never contend.
type Tracker struct {
	entries []*entry // sorted by Low
}

// NewTracker validates the bands and builds a tracker
func NewTracker(bands []Band) (*Tracker, error) {
	entries := make([]*entry, 0, len(bands))
	for _, b := range bands {
		if b.Low >= b.High {
			return nil, fmt.Errorf("sub-band %s: low %d >= high %d", b.Name, b.Low, b.High)
		}
		if b.DutyCycle <= 0 || b.DutyCycle > 1 {
			return nil, fmt.Errorf("sub-band %s: duty cycle %g out of (0, 1]", b.Name, b.DutyCycle)
		}
		entries = append(entries, &entry{band: b})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].band.Low < entries[j].band.Low })
	for i := 1; i < len(entries); i++ {
		if entries[i].band.Low < entries[i-1].band.High {
			return nil, fmt.Errorf("sub-band %s overlaps %s", entries[i].band.Name, entries[i-1].band.Name)
		}
	}
	return &Tracker{entries: entries}, nil
}

func (t *Tracker) lookup(freq uint32) (*entry, error) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].band.High > freq })
	if i < len(t.entries) && t.entries[i].band.Contains(freq) {
		return t.entries[i], nil
	}
	return nil, fmt.Errorf("%w: %d Hz", ErrNoSubBand, freq)
}

// Band returns the band that contains freq
func (t *Tracker) Band(freq uint32) (Band, error) {
	e, err := t.lookup(freq)
	if err != nil {
		return Band{}, err
	}
	return e.band, nil
}

// CanTransmit reports whether a transmission may start on freq at at.
// Unknown frequencies are never transmittable.
func (t *Tracker) CanTransmit(freq uint32, at time.Time) bool {
	e, err := t.lookup(freq)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !at.Before(e.nextAllowed)
}

// NextAllowed returns the band's cursor for freq
func (t *Tracker) NextAllowed(freq uint32) (time.Time, error) {
	e, err := t.lookup(freq)
	if err != nil {
		return time.Time{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextAllowed, nil
}

// Reserve records a transmission of length d starting at start and returns
// the new cursor, start + d/dutyCycle. The cursor never moves backwards.
func (t *Tracker) Reserve(freq uint32, start time.Time, d time.Duration) (time.Time, error) {
	e, err := t.lookup(freq)
	if err != nil {
		return time.Time{}, err
	}
	next := start.Add(OffPeriod(d, e.band.DutyCycle))

	e.mu.Lock()
	defer e.mu.Unlock()
	if next.After(e.nextAllowed) {
		e.nextAllowed = next
	}
	return e.nextAllowed, nil
}

// Reservation is an accepted band reservation. Until is the cursor it set,
// Prev the cursor it replaced.
type Reservation struct {
	Freq  uint32
	Prev  time.Time
	Until time.Time
}

// TryReserve reserves the band only if a transmission may start at start.
// The check and the reservation are atomic.
func (t *Tracker) TryReserve(freq uint32, start time.Time, d time.Duration) (time.Time, error) {
	res, err := t.Acquire(freq, start, d)
	return res.Until, err
}

// Acquire is TryReserve returning a Reservation that Release can undo
func (t *Tracker) Acquire(freq uint32, start time.Time, d time.Duration) (Reservation, error) {
	e, err := t.lookup(freq)
	if err != nil {
		return Reservation{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if start.Before(e.nextAllowed) {
		return Reservation{Freq: freq, Prev: e.nextAllowed, Until: e.nextAllowed},
			fmt.Errorf("%w: band %s free at %s", ErrDutyCycle, e.band.Name, e.nextAllowed.Format(time.RFC3339Nano))
	}
	res := Reservation{Freq: freq, Prev: e.nextAllowed, Until: start.Add(OffPeriod(d, e.band.DutyCycle))}
	e.nextAllowed = res.Until
	return res, nil
}

// Release gives back a reservation whose transmission never happened. The
// cursor is restored only while it is still the one res set; a later
// reservation stacked on top stays in force.
func (t *Tracker) Release(res Reservation) bool {
	e, err := t.lookup(res.Freq)
	if err != nil {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.nextAllowed.Equal(res.Until) {
		return false
	}
	e.nextAllowed = res.Prev
	return true
}

// Snapshot returns the state of every band ordered by frequency
func (t *Tracker) Snapshot() []Status {
	out := make([]Status, 0, len(t.entries))
	for _, e := range t.entries {
		e.mu.Lock()
		out = append(out, Status{Band: e.band, NextAllowed: e.nextAllowed})
		e.mu.Unlock()
	}
	return out
}

// OffPeriod is the time a transmission of length d occupies a band with the
// given duty cycle, counted from the start of the transmission.
func OffPeriod(d time.Duration, dutyCycle float64) time.Duration {
	return time.Duration(float64(d) / dutyCycle)
}
