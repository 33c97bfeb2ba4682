package models

import "time"

// 区域告警类型
const (
	AlertTypeEnter = "enter"
	AlertTypeExit  = "exit"
)

// Point 平面坐标（米）
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Zone 电子围栏区域（对应 zones 表）
// 默认矩形；Polygon 非空时按多边形判断
type Zone struct {
	ID           int64   `json:"id" db:"id"`
	FloorID      int64   `json:"floor_id" db:"floor_id"`
	Name         string  `json:"name" db:"name"`
	XMin         float64 `json:"x_min" db:"x_min"`
	YMin         float64 `json:"y_min" db:"y_min"`
	XMax         float64 `json:"x_max" db:"x_max"`
	YMax         float64 `json:"y_max" db:"y_max"`
	Polygon      []Point `json:"polygon,omitempty" db:"polygon"` // JSONB
	AlertOnEnter bool    `json:"alert_on_enter" db:"alert_on_enter"`
	AlertOnExit  bool    `json:"alert_on_exit" db:"alert_on_exit"`
	IsActive     bool    `json:"is_active" db:"is_active"`
}

// ZoneAlert 区域进出告警（对应 zone_alerts 表）
type ZoneAlert struct {
	ID        int64     `json:"id" db:"id"`
	ZoneID    int64     `json:"zone_id" db:"zone_id"`
	BeaconID  int64     `json:"beacon_id" db:"beacon_id"`
	AlertType string    `json:"alert_type" db:"alert_type"`
	X         float64   `json:"x_position" db:"x_position"`
	Y         float64   `json:"y_position" db:"y_position"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
