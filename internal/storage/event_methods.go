package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-netctl/internal/models"
	"github.com/lorawan-server/lorawan-netctl/pkg/lorawan"
)

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO event_logs (
			id, created_at, dev_addr, gateway_id, type, level, description, details
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var devAddr, gatewayID []byte
	if event.DevAddr != nil {
		devAddr = (*event.DevAddr)[:]
	}
	if event.GatewayID != nil {
		gatewayID = (*event.GatewayID)[:]
	}

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, devAddr, gatewayID,
		string(event.Type), string(event.Level), event.Description, event.Details,
	)
	return pgError(err)
}

// ListEventLogs lists event logs with filters
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	// Build query with filters
	query := "SELECT COUNT(*) FROM event_logs WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	if filters.DevAddr != nil {
		argCount++
		query += fmt.Sprintf(" AND dev_addr = $%d", argCount)
		args = append(args, (*filters.DevAddr)[:])
	}

	if filters.GatewayID != nil {
		argCount++
		query += fmt.Sprintf(" AND gateway_id = $%d", argCount)
		args = append(args, (*filters.GatewayID)[:])
	}

	if filters.Type != nil {
		argCount++
		query += fmt.Sprintf(" AND type = $%d", argCount)
		args = append(args, string(*filters.Type))
	}

	if filters.Level != nil {
		argCount++
		query += fmt.Sprintf(" AND level = $%d", argCount)
		args = append(args, string(*filters.Level))
	}

	if filters.StartTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at >= $%d", argCount)
		args = append(args, *filters.StartTime)
	}

	if filters.EndTime != nil {
		argCount++
		query += fmt.Sprintf(" AND created_at <= $%d", argCount)
		args = append(args, *filters.EndTime)
	}

	// Get count
	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	// Get rows
	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, dev_addr, gateway_id, type, level, description, details", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limit)

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		var devAddr, gatewayID []byte
		var typ, level string

		err := rows.Scan(
			&event.ID, &event.CreatedAt, &devAddr, &gatewayID,
			&typ, &level, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		event.Type = models.EventType(typ)
		event.Level = models.EventLevel(level)

		if devAddr != nil {
			event.DevAddr = &lorawan.DevAddr{}
			copy((*event.DevAddr)[:], devAddr)
		}
		if gatewayID != nil {
			event.GatewayID = &lorawan.EUI64{}
			copy((*event.GatewayID)[:], gatewayID)
		}

		events = append(events, event)
	}

	return events, count, rows.Err()
}
