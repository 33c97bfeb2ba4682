package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wisefido-rtls/internal/models"
)

// ListActiveZones 楼层上启用的区域
func (s *PostgresStore) ListActiveZones(ctx context.Context, floorID int64) ([]models.Zone, error) {
	query := `
		SELECT id, floor_id, name, x_min, y_min, x_max, y_max, polygon,
		       alert_on_enter, alert_on_exit, is_active
		FROM zones
		WHERE floor_id = $1 AND is_active = TRUE
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, floorID)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []models.Zone
	for rows.Next() {
		var z models.Zone
		var polygon []byte
		if err := rows.Scan(
			&z.ID,
			&z.FloorID,
			&z.Name,
			&z.XMin,
			&z.YMin,
			&z.XMax,
			&z.YMax,
			&polygon,
			&z.AlertOnEnter,
			&z.AlertOnExit,
			&z.IsActive,
		); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		if len(polygon) > 0 {
			if err := json.Unmarshal(polygon, &z.Polygon); err != nil {
				// 多边形损坏时退回矩形判断
				s.logger.Warn("Invalid zone polygon, using bounding box",
					zap.Int64("zone_id", z.ID),
					zap.Error(err),
				)
				z.Polygon = nil
			}
		}
		zones = append(zones, z)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate zones: %w", err)
	}
	return zones, nil
}

// HasRecentZoneAlert since 之后是否已有同区域、同信标、同类型的告警
func (s *PostgresStore) HasRecentZoneAlert(ctx context.Context, zoneID, beaconID int64, alertType string, since time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM zone_alerts
			WHERE zone_id = $1 AND beacon_id = $2 AND alert_type = $3 AND timestamp >= $4
		)
	`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, zoneID, beaconID, alertType, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query zone alerts: %w", err)
	}
	return exists, nil
}

// InsertZoneAlert 追加一条区域告警，写回 ID
func (s *PostgresStore) InsertZoneAlert(ctx context.Context, a *models.ZoneAlert) error {
	query := `
		INSERT INTO zone_alerts (zone_id, beacon_id, alert_type, timestamp, x_position, y_position)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query, a.ZoneID, a.BeaconID, a.AlertType, a.Timestamp, a.X, a.Y).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert zone alert: %w", translateError(err))
	}
	return nil
}
