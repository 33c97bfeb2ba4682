package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-rtls/internal/models"
)

// InsertRawSignal 追加一条原始信号
// 网关或信标在解析后被删除时返回 ErrForeignKeyViolation
func (s *PostgresStore) InsertRawSignal(ctx context.Context, sig *models.RawSignal) error {
	query := `
		INSERT INTO rssi_signals (gateway_id, beacon_id, rssi, tx_power, timestamp, raw_data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		sig.GatewayID,
		sig.BeaconID,
		sig.RSSI,
		sig.TxPower,
		sig.Timestamp,
		sig.RawPayload,
	).Scan(&sig.ID)
	if err != nil {
		if errors.Is(translateError(err), ErrForeignKeyViolation) {
			return ErrForeignKeyViolation
		}
		return fmt.Errorf("failed to insert raw signal: %w", err)
	}
	return nil
}

// ListRawSignalsSince 时间窗口内的原始信号，按时间倒序（最新在前）
func (s *PostgresStore) ListRawSignalsSince(ctx context.Context, since time.Time) ([]models.RawSignal, error) {
	query := `
		SELECT id, gateway_id, beacon_id, rssi, COALESCE(tx_power, -59), timestamp
		FROM rssi_signals
		WHERE timestamp >= $1
		ORDER BY timestamp DESC, id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw signals: %w", err)
	}
	defer rows.Close()

	var signals []models.RawSignal
	for rows.Next() {
		var sig models.RawSignal
		if err := rows.Scan(&sig.ID, &sig.GatewayID, &sig.BeaconID, &sig.RSSI, &sig.TxPower, &sig.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan raw signal: %w", err)
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate raw signals: %w", err)
	}
	return signals, nil
}

const positionColumns = `
	id,
	beacon_id,
	floor_id,
	x_position,
	y_position,
	COALESCE(accuracy, 0),
	COALESCE(velocity_x, 0),
	COALESCE(velocity_y, 0),
	COALESCE(speed, 0),
	COALESCE(heading, 0),
	timestamp,
	COALESCE(floor_confidence, 0),
	COALESCE(calculation_method, '')
`

func scanPosition(row scanner) (*models.PositionEstimate, error) {
	p := &models.PositionEstimate{}
	err := row.Scan(
		&p.ID,
		&p.BeaconID,
		&p.FloorID,
		&p.X,
		&p.Y,
		&p.Accuracy,
		&p.VelocityX,
		&p.VelocityY,
		&p.Speed,
		&p.Heading,
		&p.Timestamp,
		&p.FloorConfidence,
		&p.Method,
	)
	return p, err
}

// GetLatestPosition 信标最近一次定位结果，没有时返回 ErrNotFound
func (s *PostgresStore) GetLatestPosition(ctx context.Context, beaconID int64) (*models.PositionEstimate, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE beacon_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`
	p, err := scanPosition(s.db.QueryRowContext(ctx, query, beaconID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query latest position: %w", err)
	}
	return p, nil
}

// ListRecentPositions 信标最近 limit 条定位结果，按时间正序（最新在最后）
func (s *PostgresStore) ListRecentPositions(ctx context.Context, beaconID int64, limit int) ([]models.PositionEstimate, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions
		WHERE beacon_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, beaconID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent positions: %w", err)
	}
	defer rows.Close()

	var positions []models.PositionEstimate
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate positions: %w", err)
	}

	for i, j := 0, len(positions)-1; i < j; i, j = i+1, j-1 {
		positions[i], positions[j] = positions[j], positions[i]
	}
	return positions, nil
}

// InsertPosition 追加一条定位结果，写回 ID
func (s *PostgresStore) InsertPosition(ctx context.Context, p *models.PositionEstimate) error {
	query := `
		INSERT INTO positions (
			beacon_id, floor_id, x_position, y_position, accuracy,
			velocity_x, velocity_y, speed, heading, timestamp,
			floor_confidence, calculation_method
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		p.BeaconID,
		p.FloorID,
		p.X,
		p.Y,
		p.Accuracy,
		p.VelocityX,
		p.VelocityY,
		p.Speed,
		p.Heading,
		p.Timestamp,
		p.FloorConfidence,
		p.Method,
	).Scan(&p.ID)
	if err != nil {
		if errors.Is(translateError(err), ErrForeignKeyViolation) {
			return ErrForeignKeyViolation
		}
		return fmt.Errorf("failed to insert position: %w", err)
	}
	return nil
}
