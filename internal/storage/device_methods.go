package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// ========== Device Methods ==========

const deviceColumns = `dev_addr, dev_eui, id, name, description, s_nwk_s_int_key,
	f_cnt_up, n_f_cnt_down, rx1_dr_offset, dr, tx_power, adr, created_at, updated_at`

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now
	device.Session.CreatedAt = now
	device.Session.UpdatedAt = now

	ds := device.Session
	query := `INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.getDB().ExecContext(ctx, query,
		ds.DevAddr[:], ds.DevEUI[:], device.ID, device.Name, device.Description,
		ds.SNwkSIntKey[:], int64(ds.FCntUp), int64(ds.NFCntDown), int(ds.RX1DROffset),
		int(ds.DR), ds.TxPowerDBm, ds.ADR, device.CreatedAt, device.UpdatedAt,
	)
	return pgError(err)
}

// GetDevice gets a device by network address
func (s *PostgresStore) GetDevice(ctx context.Context, devAddr lorawan.DevAddr) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE dev_addr = $1`
	row := s.getDB().QueryRowContext(ctx, query, devAddr[:])

	device, err := scanDevice(row.Scan)
	if err != nil {
		return nil, pgError(err)
	}
	return device, nil
}

// ListDevices lists devices ordered by address
func (s *PostgresStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var total int64
	if err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY dev_addr LIMIT $1 OFFSET $2`
	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}
	return devices, total, rows.Err()
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, devAddr lorawan.DevAddr) error {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM devices WHERE dev_addr = $1`, devAddr[:])
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveDeviceSession updates the session state of a registered device
func (s *PostgresStore) SaveDeviceSession(ctx context.Context, session lorawan.DeviceSession) error {
	query := `
		UPDATE devices SET
			f_cnt_up = $2,
			n_f_cnt_down = $3,
			rx1_dr_offset = $4,
			dr = $5,
			tx_power = $6,
			adr = $7,
			updated_at = $8
		WHERE dev_addr = $1`

	res, err := s.getDB().ExecContext(ctx, query,
		session.DevAddr[:], int64(session.FCntUp), int64(session.NFCntDown),
		int(session.RX1DROffset), int(session.DR), session.TxPowerDBm, session.ADR, time.Now(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanDevice(scan func(dest ...interface{}) error) (*models.Device, error) {
	device := &models.Device{}
	var devAddr, devEUI, key []byte
	var fCntUp, nFCntDown int64
	var rx1DROffset, dr int

	err := scan(
		&devAddr, &devEUI, &device.ID, &device.Name, &device.Description, &key,
		&fCntUp, &nFCntDown, &rx1DROffset, &dr, &device.Session.TxPowerDBm,
		&device.Session.ADR, &device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ds := &device.Session
	copy(ds.DevAddr[:], devAddr)
	copy(ds.DevEUI[:], devEUI)
	copy(ds.SNwkSIntKey[:], key)
	ds.FCntUp = uint32(fCntUp)
	ds.NFCntDown = uint32(nFCntDown)
	ds.RX1DROffset = uint8(rx1DROffset)
	ds.DR = uint8(dr)
	ds.CreatedAt = device.CreatedAt
	ds.UpdatedAt = device.UpdatedAt
	return device, nil
}
