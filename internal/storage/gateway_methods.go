package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// ========== Gateway Methods ==========

const gatewayColumns = `gateway_id, id, name, description, latitude, longitude, altitude,
	last_seen_at, metadata, created_at, updated_at`

// CreateGateway creates a new gateway
func (s *PostgresStore) CreateGateway(ctx context.Context, gateway *models.Gateway) error {
	if gateway.ID == uuid.Nil {
		gateway.ID = uuid.New()
	}

	now := time.Now()
	gateway.CreatedAt = now
	gateway.UpdatedAt = now

	var lat, lon, alt sql.NullFloat64
	if gateway.Location != nil {
		lat = sql.NullFloat64{Float64: gateway.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: gateway.Location.Longitude, Valid: true}
		alt = sql.NullFloat64{Float64: gateway.Location.Altitude, Valid: true}
	}

	query := `INSERT INTO gateways (` + gatewayColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.getDB().ExecContext(ctx, query,
		gateway.GatewayID[:], gateway.ID, gateway.Name, gateway.Description,
		lat, lon, alt, gateway.LastSeenAt, gateway.Metadata,
		gateway.CreatedAt, gateway.UpdatedAt,
	)
	return pgError(err)
}

// GetGateway gets a gateway by ID
func (s *PostgresStore) GetGateway(ctx context.Context, gatewayID lorawan.EUI64) (*models.Gateway, error) {
	query := `SELECT ` + gatewayColumns + ` FROM gateways WHERE gateway_id = $1`
	gateway, err := scanGateway(s.getDB().QueryRowContext(ctx, query, gatewayID[:]).Scan)
	if err != nil {
		return nil, pgError(err)
	}
	return gateway, nil
}

// ListGateways lists gateways ordered by ID
func (s *PostgresStore) ListGateways(ctx context.Context, limit, offset int) ([]*models.Gateway, int64, error) {
	var total int64
	if err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM gateways`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + gatewayColumns + ` FROM gateways ORDER BY gateway_id LIMIT $1 OFFSET $2`
	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var gateways []*models.Gateway
	for rows.Next() {
		gateway, err := scanGateway(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		gateways = append(gateways, gateway)
	}
	return gateways, total, rows.Err()
}

// UpdateGatewayLastSeen records gateway activity
func (s *PostgresStore) UpdateGatewayLastSeen(ctx context.Context, gatewayID lorawan.EUI64, at time.Time) error {
	res, err := s.getDB().ExecContext(ctx,
		`UPDATE gateways SET last_seen_at = $2, updated_at = $3 WHERE gateway_id = $1`,
		gatewayID[:], at, time.Now(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteGateway deletes a gateway
func (s *PostgresStore) DeleteGateway(ctx context.Context, gatewayID lorawan.EUI64) error {
	res, err := s.getDB().ExecContext(ctx, `DELETE FROM gateways WHERE gateway_id = $1`, gatewayID[:])
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanGateway(scan func(dest ...interface{}) error) (*models.Gateway, error) {
	gateway := &models.Gateway{}
	var id []byte
	var lat, lon, alt sql.NullFloat64
	var lastSeen sql.NullTime

	err := scan(
		&id, &gateway.ID, &gateway.Name, &gateway.Description,
		&lat, &lon, &alt, &lastSeen, &gateway.Metadata,
		&gateway.CreatedAt, &gateway.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	copy(gateway.GatewayID[:], id)
	if lat.Valid && lon.Valid {
		gateway.Location = &models.Location{Latitude: lat.Float64, Longitude: lon.Float64, Altitude: alt.Float64}
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		gateway.LastSeenAt = &t
	}
	return gateway, nil
}
