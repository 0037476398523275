package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

var _ Store = (*MemoryStore)(nil)
var _ Store = (*PostgresStore)(nil)

func testDevice(addr byte) *models.Device {
	return &models.Device{
		Name: "dev",
		Session: lorawan.DeviceSession{
			DevAddr:    lorawan.DevAddr{0x26, 0x01, 0x00, addr},
			DevEUI:     lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, addr},
			DR:         2,
			TxPowerDBm: 14,
		},
	}
}

func TestMemoryStoreDevices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	d := testDevice(1)
	require.NoError(t, s.CreateDevice(ctx, d))
	assert.True(t, errors.Is(s.CreateDevice(ctx, testDevice(1)), ErrDuplicateKey))
	require.NoError(t, s.CreateDevice(ctx, testDevice(2)))

	got, err := s.GetDevice(ctx, d.Session.DevAddr)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, uint8(2), got.Session.DR)

	sess := got.Session
	sess.DR = 5
	sess.NFCntDown = 9
	require.NoError(t, s.SaveDeviceSession(ctx, sess))

	got, err = s.GetDevice(ctx, d.Session.DevAddr)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), got.Session.DR)
	assert.Equal(t, uint32(9), got.Session.NFCntDown)

	list, total, err := s.ListDevices(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, list, 1)
	assert.Equal(t, d.Session.DevAddr, list[0].Session.DevAddr)

	require.NoError(t, s.DeleteDevice(ctx, d.Session.DevAddr))
	_, err = s.GetDevice(ctx, d.Session.DevAddr)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.SaveDeviceSession(ctx, sess), ErrNotFound))
}

func TestMemoryStoreGateways(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	id := lorawan.EUI64{0, 0, 0, 0, 0, 0, 0, 1}

	require.NoError(t, s.CreateGateway(ctx, &models.Gateway{GatewayID: id, Name: "roof"}))
	assert.True(t, errors.Is(s.CreateGateway(ctx, &models.Gateway{GatewayID: id}), ErrDuplicateKey))

	seen := time.Unix(1700000000, 0)
	require.NoError(t, s.UpdateGatewayLastSeen(ctx, id, seen))

	g, err := s.GetGateway(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, g.LastSeenAt)
	assert.True(t, seen.Equal(*g.LastSeenAt))

	require.NoError(t, s.DeleteGateway(ctx, id))
	assert.True(t, errors.Is(s.DeleteGateway(ctx, id), ErrNotFound))
}

func TestMemoryStoreDownlinksNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	addr := lorawan.DevAddr{1, 2, 3, 4}

	for i := uint32(0); i < 3; i++ {
		require.NoError(t, s.CreateDownlinkFrame(ctx, &models.DownlinkFrame{DevAddr: addr, FCnt: i}))
	}
	require.NoError(t, s.CreateDownlinkFrame(ctx, &models.DownlinkFrame{DevAddr: lorawan.DevAddr{9}}))

	frames, total, err := s.ListDownlinkFrames(ctx, addr, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(2), frames[0].FCnt)
	assert.Equal(t, uint32(1), frames[1].FCnt)
}

func TestMemoryStoreEventFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	addr := lorawan.DevAddr{1, 2, 3, 4}

	require.NoError(t, s.CreateEventLog(ctx, models.NewEvent(models.EventTypeUplink, models.EventLevelInfo, "up").ForDevice(addr)))
	require.NoError(t, s.CreateEventLog(ctx, models.NewEvent(models.EventTypeReplyDropped, models.EventLevelWarning, "dropped").ForDevice(addr)))
	require.NoError(t, s.CreateEventLog(ctx, models.NewEvent(models.EventTypeGatewayUp, models.EventLevelInfo, "gw")))

	typ := models.EventTypeReplyDropped
	events, total, err := s.ListEventLogs(ctx, EventLogFilters{Type: &typ}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "dropped", events[0].Description)

	events, total, err = s.ListEventLogs(ctx, EventLogFilters{DevAddr: &addr}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, models.EventTypeReplyDropped, events[0].Type)
}

func TestPage(t *testing.T) {
	in := []int{1, 2, 3, 4}
	assert.Equal(t, []int{2, 3}, page(in, 2, 1))
	assert.Equal(t, []int{3, 4}, page(in, 0, 2))
	assert.Nil(t, page(in, 2, 4))
}
