package models

import "strconv"

// Gateway BLE 网关（对应 gateways 表）
// 坐标为所在楼层平面图上的米制坐标
type Gateway struct {
	ID                 int64   `json:"id" db:"id"`
	BuildingID         int64   `json:"building_id" db:"building_id"`
	FloorID            int64   `json:"floor_id" db:"floor_id"`
	MAC                string  `json:"mac_address" db:"mac_address"` // 大写，冒号分隔
	Name               string  `json:"name" db:"name"`
	X                  float64 `json:"x_position" db:"x_position"`
	Y                  float64 `json:"y_position" db:"y_position"`
	IsActive           bool    `json:"is_active" db:"is_active"`
	TxPowerCalibration int     `json:"signal_strength_calibration" db:"signal_strength_calibration"` // 1米参考信号强度（dBm）
	PathLossExponent   float64 `json:"path_loss_exponent" db:"path_loss_exponent"`
}

// Beacon BLE 信标（对应 beacons 表）
type Beacon struct {
	ID           int64  `json:"id" db:"id"`
	MAC          string `json:"mac_address" db:"mac_address"`
	Name         string `json:"name" db:"name"`
	ResourceType string `json:"resource_type" db:"resource_type"`
	IsActive     bool   `json:"is_active" db:"is_active"`
}

// Floor 楼层（含所属建筑名称，用于对外发布）
type Floor struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	FloorNumber  int    `json:"floor_number" db:"floor_number"`
	BuildingID   int64  `json:"building_id" db:"building_id"`
	BuildingName string `json:"building_name" db:"building_name"`
}

// DisplayName 楼层显示名称，未命名时使用楼层号
func (f *Floor) DisplayName() string {
	if f.Name != "" {
		return f.Name
	}
	return "Floor " + strconv.Itoa(f.FloorNumber)
}
