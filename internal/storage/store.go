package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// Store defines the storage interface
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, devAddr lorawan.DevAddr) (*models.Device, error)
	ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error)
	DeleteDevice(ctx context.Context, devAddr lorawan.DevAddr) error

	// Device session methods
	SaveDeviceSession(ctx context.Context, session lorawan.DeviceSession) error

	// Gateway methods
	CreateGateway(ctx context.Context, gateway *models.Gateway) error
	GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error)
	ListGateways(ctx context.Context, limit, offset int) ([]*models.Gateway, int64, error)
	UpdateGatewayLastSeen(ctx context.Context, gatewayID lorawan.EUI64, at time.Time) error
	DeleteGateway(ctx context.Context, gatewayID lorawan.EUI64) error

	// Frame methods
	CreateDownlinkFrame(ctx context.Context, frame *models.DownlinkFrame) error
	ListDownlinkFrames(ctx context.Context, devAddr lorawan.DevAddr, limit, offset int) ([]*models.DownlinkFrame, int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	DevAddr   *lorawan.DevAddr
	GatewayID *lorawan.EUI64
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}

// Match reports whether e passes the filters
func (f EventLogFilters) Match(e *models.EventLog) bool {
	if f.DevAddr != nil && (e.DevAddr == nil || *e.DevAddr != *f.DevAddr) {
		return false
	}
	if f.GatewayID != nil && (e.GatewayID == nil || *e.GatewayID != *f.GatewayID) {
		return false
	}
	if f.Type != nil && e.Type != *f.Type {
		return false
	}
	if f.Level != nil && e.Level != *f.Level {
		return false
	}
	if f.StartTime != nil && e.CreatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.CreatedAt.After(*f.EndTime) {
		return false
	}
	return true
}
