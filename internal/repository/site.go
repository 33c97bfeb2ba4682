package repository

import (
	"context"
	"database/sql"
	"fmt"

	"wisefido-rtls/internal/models"
)

const gatewayColumns = `
	id,
	building_id,
	floor_id,
	mac_address,
	name,
	x_position,
	y_position,
	is_active,
	COALESCE(signal_strength_calibration, -59),
	COALESCE(path_loss_exponent, 2.0)
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGateway(row scanner) (*models.Gateway, error) {
	g := &models.Gateway{}
	var calibration float64
	if err := row.Scan(
		&g.ID,
		&g.BuildingID,
		&g.FloorID,
		&g.MAC,
		&g.Name,
		&g.X,
		&g.Y,
		&g.IsActive,
		&calibration,
		&g.PathLossExponent,
	); err != nil {
		return nil, err
	}
	g.TxPowerCalibration = int(calibration)
	return g, nil
}

// GetActiveGatewayByMAC 按 MAC 查找启用的网关，mac 需已规范化
func (s *PostgresStore) GetActiveGatewayByMAC(ctx context.Context, mac string) (*models.Gateway, error) {
	query := `SELECT ` + gatewayColumns + `
		FROM gateways
		WHERE UPPER(REPLACE(mac_address, '-', ':')) = $1
		  AND is_active = TRUE
		LIMIT 1
	`
	g, err := scanGateway(s.db.QueryRowContext(ctx, query, mac))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query gateway: %w", err)
	}
	return g, nil
}

// ListActiveGateways 所有启用的网关
func (s *PostgresStore) ListActiveGateways(ctx context.Context) ([]models.Gateway, error) {
	query := `SELECT ` + gatewayColumns + `
		FROM gateways
		WHERE is_active = TRUE
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query gateways: %w", err)
	}
	defer rows.Close()

	var gateways []models.Gateway
	for rows.Next() {
		g, err := scanGateway(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gateway: %w", err)
		}
		gateways = append(gateways, *g)
	}
	return gateways, rows.Err()
}

// GetBeaconByMAC 按规范化 MAC 查找信标（包括停用的），不存在返回 ErrNotFound
func (s *PostgresStore) GetBeaconByMAC(ctx context.Context, mac string) (*models.Beacon, error) {
	query := `
		SELECT id, mac_address, name, COALESCE(resource_type, ''), is_active
		FROM beacons
		WHERE UPPER(REPLACE(mac_address, '-', ':')) = $1
		LIMIT 1
	`
	b := &models.Beacon{}
	err := s.db.QueryRowContext(ctx, query, mac).Scan(&b.ID, &b.MAC, &b.Name, &b.ResourceType, &b.IsActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query beacon: %w", err)
	}
	return b, nil
}

// CreateBeacon 自动发现时创建信标
// MAC 已存在（并发创建）时返回已有记录
func (s *PostgresStore) CreateBeacon(ctx context.Context, beacon models.Beacon) (*models.Beacon, error) {
	query := `
		INSERT INTO beacons (mac_address, name, resource_type, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (mac_address) DO UPDATE SET mac_address = EXCLUDED.mac_address
		RETURNING id, mac_address, name, COALESCE(resource_type, ''), is_active
	`
	b := &models.Beacon{}
	err := s.db.QueryRowContext(ctx, query, beacon.MAC, beacon.Name, beacon.ResourceType, beacon.IsActive).
		Scan(&b.ID, &b.MAC, &b.Name, &b.ResourceType, &b.IsActive)
	if err != nil {
		return nil, fmt.Errorf("failed to create beacon: %w", err)
	}
	return b, nil
}

// GetBeacon 按 ID 查找信标
func (s *PostgresStore) GetBeacon(ctx context.Context, id int64) (*models.Beacon, error) {
	query := `
		SELECT id, mac_address, name, COALESCE(resource_type, ''), is_active
		FROM beacons
		WHERE id = $1
	`
	b := &models.Beacon{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.MAC, &b.Name, &b.ResourceType, &b.IsActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query beacon %d: %w", id, err)
	}
	return b, nil
}

// GetFloor 楼层及所属建筑名称
func (s *PostgresStore) GetFloor(ctx context.Context, id int64) (*models.Floor, error) {
	query := `
		SELECT f.id, COALESCE(f.name, ''), f.floor_number, f.building_id, COALESCE(b.name, '')
		FROM floors f
		LEFT JOIN buildings b ON b.id = f.building_id
		WHERE f.id = $1
	`
	f := &models.Floor{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.Name, &f.FloorNumber, &f.BuildingID, &f.BuildingName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query floor %d: %w", id, err)
	}
	return f, nil
}
