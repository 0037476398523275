package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// maxMemoryLog bounds the downlink and event logs kept by MemoryStore
const maxMemoryLog = 10000

// MemoryStore is an in-process Store used when no database is configured
// and in tests. Transactions are not isolated; Commit and Rollback are no-ops.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[lorawan.DevAddr]*models.Device
	gateways  map[lorawan.EUI64]*models.Gateway
	downlinks []*models.DownlinkFrame
	events    []*models.EventLog
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[lorawan.DevAddr]*models.Device),
		gateways: make(map[lorawan.EUI64]*models.Gateway),
	}
}

// BeginTx returns the store itself
func (s *MemoryStore) BeginTx(context.Context) (Store, error) { return s, nil }

// Commit is a no-op
func (s *MemoryStore) Commit() error { return nil }

// Rollback is a no-op
func (s *MemoryStore) Rollback() error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// CreateDevice creates a new device
func (s *MemoryStore) CreateDevice(_ context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := device.Session.DevAddr
	if _, ok := s.devices[addr]; ok {
		return fmt.Errorf("%w: device %s", ErrDuplicateKey, addr)
	}
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	now := time.Now()
	device.CreatedAt, device.UpdatedAt = now, now
	device.Session.CreatedAt, device.Session.UpdatedAt = now, now

	cp := *device
	s.devices[addr] = &cp
	return nil
}

// GetDevice gets a device by network address
func (s *MemoryStore) GetDevice(_ context.Context, devAddr lorawan.DevAddr) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

// ListDevices lists devices ordered by address
func (s *MemoryStore) ListDevices(_ context.Context, limit, offset int) ([]*models.Device, int64, error) {
	s.mu.RLock()
	all := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		cp := *d
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].Session.DevAddr.String() < all[j].Session.DevAddr.String()
	})
	return page(all, limit, offset), int64(len(all)), nil
}

// DeleteDevice deletes a device
func (s *MemoryStore) DeleteDevice(_ context.Context, devAddr lorawan.DevAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[devAddr]; !ok {
		return ErrNotFound
	}
	delete(s.devices, devAddr)
	return nil
}

// SaveDeviceSession updates the session state of a registered device
func (s *MemoryStore) SaveDeviceSession(_ context.Context, session lorawan.DeviceSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[session.DevAddr]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	session.CreatedAt = d.Session.CreatedAt
	session.UpdatedAt = now
	d.Session = session
	d.UpdatedAt = now
	return nil
}

// CreateGateway creates a new gateway
func (s *MemoryStore) CreateGateway(_ context.Context, gateway *models.Gateway) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gateways[gateway.GatewayID]; ok {
		return fmt.Errorf("%w: gateway %s", ErrDuplicateKey, gateway.GatewayID)
	}
	if gateway.ID == uuid.Nil {
		gateway.ID = uuid.New()
	}
	now := time.Now()
	gateway.CreatedAt, gateway.UpdatedAt = now, now

	cp := *gateway
	s.gateways[gateway.GatewayID] = &cp
	return nil
}

// GetGateway gets a gateway by ID
func (s *MemoryStore) GetGateway(_ context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// ListGateways lists gateways ordered by ID
func (s *MemoryStore) ListGateways(_ context.Context, limit, offset int) ([]*models.Gateway, int64, error) {
	s.mu.RLock()
	all := make([]*models.Gateway, 0, len(s.gateways))
	for _, g := range s.gateways {
		cp := *g
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].GatewayID.String() < all[j].GatewayID.String()
	})
	return page(all, limit, offset), int64(len(all)), nil
}

// UpdateGatewayLastSeen records gateway activity
func (s *MemoryStore) UpdateGatewayLastSeen(_ context.Context, gatewayID lorawan.EUI64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return ErrNotFound
	}
	g.LastSeenAt = &at
	g.UpdatedAt = time.Now()
	return nil
}

// DeleteGateway deletes a gateway
func (s *MemoryStore) DeleteGateway(_ context.Context, gatewayID lorawan.EUI64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.gateways[gatewayID]; !ok {
		return ErrNotFound
	}
	delete(s.gateways, gatewayID)
	return nil
}

// CreateDownlinkFrame logs a dispatched downlink
func (s *MemoryStore) CreateDownlinkFrame(_ context.Context, frame *models.DownlinkFrame) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.CreatedAt.IsZero() {
		frame.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *frame
	s.downlinks = append(s.downlinks, &cp)
	if len(s.downlinks) > maxMemoryLog {
		s.downlinks = s.downlinks[len(s.downlinks)-maxMemoryLog:]
	}
	return nil
}

// ListDownlinkFrames lists the downlinks of a device, newest first
func (s *MemoryStore) ListDownlinkFrames(_ context.Context, devAddr lorawan.DevAddr, limit, offset int) ([]*models.DownlinkFrame, int64, error) {
	s.mu.RLock()
	var out []*models.DownlinkFrame
	for i := len(s.downlinks) - 1; i >= 0; i-- {
		if s.downlinks[i].DevAddr == devAddr {
			cp := *s.downlinks[i]
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()
	return page(out, limit, offset), int64(len(out)), nil
}

// CreateEventLog creates an event log entry
func (s *MemoryStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	s.events = append(s.events, &cp)
	if len(s.events) > maxMemoryLog {
		s.events = s.events[len(s.events)-maxMemoryLog:]
	}
	return nil
}

// ListEventLogs lists event logs with filters, newest first
func (s *MemoryStore) ListEventLogs(_ context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	s.mu.RLock()
	var out []*models.EventLog
	for i := len(s.events) - 1; i >= 0; i-- {
		if filters.Match(s.events[i]) {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()
	return page(out, limit, offset), int64(len(out)), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
