package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// ========== Downlink Frame Methods ==========

// CreateDownlinkFrame logs a dispatched downlink
func (s *PostgresStore) CreateDownlinkFrame(ctx context.Context, frame *models.DownlinkFrame) error {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.CreatedAt.IsZero() {
		frame.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO downlink_frames (
			id, dev_addr, gateway_id, f_cnt, phy_payload, ack, rx_window,
			frequency, dr, tx_power, airtime_us, transmit_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.getDB().ExecContext(ctx, query,
		frame.ID, frame.DevAddr[:], frame.GatewayID[:], int64(frame.FCnt), frame.PHYPayload,
		frame.Ack, frame.Window, int64(frame.Frequency), int(frame.DataRate), frame.TxPowerDBm,
		frame.Airtime.Microseconds(), frame.TransmitAt, frame.CreatedAt,
	)
	return pgError(err)
}

// ListDownlinkFrames lists the downlinks of a device, newest first
func (s *PostgresStore) ListDownlinkFrames(ctx context.Context, devAddr lorawan.DevAddr, limit, offset int) ([]*models.DownlinkFrame, int64, error) {
	var total int64
	err := s.getDB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM downlink_frames WHERE dev_addr = $1`, devAddr[:],
	).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, dev_addr, gateway_id, f_cnt, phy_payload, ack, rx_window,
		       frequency, dr, tx_power, airtime_us, transmit_at, created_at
		FROM downlink_frames
		WHERE dev_addr = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, devAddr[:], limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var frames []*models.DownlinkFrame
	for rows.Next() {
		frame := &models.DownlinkFrame{}
		var addr, gw []byte
		var fCnt, freq, airtime int64
		var dr int

		if err := rows.Scan(
			&frame.ID, &addr, &gw, &fCnt, &frame.PHYPayload, &frame.Ack, &frame.Window,
			&freq, &dr, &frame.TxPowerDBm, &airtime, &frame.TransmitAt, &frame.CreatedAt,
		); err != nil {
			return nil, 0, err
		}

		copy(frame.DevAddr[:], addr)
		copy(frame.GatewayID[:], gw)
		frame.FCnt = uint32(fCnt)
		frame.Frequency = uint32(freq)
		frame.DataRate = uint8(dr)
		frame.Airtime = time.Duration(airtime) * time.Microsecond
		frames = append(frames, frame)
	}
	return frames, total, rows.Err()
}
