package publisher

import (
	"math"
	"strconv"
	"strings"
	"time"

	"wisefido-rtls/internal/models"
)

// 消息类型
const (
	TypePosition  = "position"
	TypeZoneAlert = "zone_alert"
)

// DefaultResourceType 信标未设置资源类型时使用
const DefaultResourceType = "Device"

// BeaconInfo 消息中的信标信息
type BeaconInfo struct {
	MAC          string `json:"mac"`
	Name         string `json:"name"`
	ResourceType string `json:"resource_type"`
}

// Location 位置（米，保留两位小数）
type Location struct {
	FloorID      int64   `json:"floor_id"`
	FloorName    string  `json:"floor_name"`
	BuildingName string  `json:"building_name"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Accuracy     float64 `json:"accuracy"`
}

// Movement 运动信息
type Movement struct {
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	VelocityX float64 `json:"velocity_x"`
	VelocityY float64 `json:"velocity_y"`
}

// PositionMessage 位置更新消息
type PositionMessage struct {
	Type      string     `json:"type"`
	Beacon    BeaconInfo `json:"beacon"`
	Location  Location   `json:"location"`
	Movement  Movement   `json:"movement"`
	Timestamp string     `json:"timestamp"`
}

// ZoneInfo 告警中的区域信息
type ZoneInfo struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	FloorName string `json:"floor_name"`
}

// XY 告警位置
type XY struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AlertMessage 区域进出告警消息
type AlertMessage struct {
	Type      string     `json:"type"`
	AlertType string     `json:"alert_type"`
	Beacon    BeaconInfo `json:"beacon"`
	Zone      ZoneInfo   `json:"zone"`
	Position  XY         `json:"position"`
	Timestamp string     `json:"timestamp"`
}

func beaconInfo(b models.Beacon) BeaconInfo {
	rt := b.ResourceType
	if rt == "" {
		rt = DefaultResourceType
	}
	return BeaconInfo{MAC: b.MAC, Name: b.Name, ResourceType: rt}
}

// NewPositionMessage 构造位置消息
func NewPositionMessage(beacon models.Beacon, floor models.Floor, pos models.PositionEstimate) PositionMessage {
	return PositionMessage{
		Type:   TypePosition,
		Beacon: beaconInfo(beacon),
		Location: Location{
			FloorID:      pos.FloorID,
			FloorName:    floor.DisplayName(),
			BuildingName: floor.BuildingName,
			X:            round(pos.X, 2),
			Y:            round(pos.Y, 2),
			Accuracy:     round(pos.Accuracy, 2),
		},
		Movement: Movement{
			Speed:     round(pos.Speed, 3),
			Heading:   round(pos.Heading, 1),
			VelocityX: round(pos.VelocityX, 3),
			VelocityY: round(pos.VelocityY, 3),
		},
		Timestamp: formatTime(pos.Timestamp),
	}
}

// NewAlertMessage 构造区域告警消息
func NewAlertMessage(beacon models.Beacon, zone models.Zone, floor models.Floor, alert models.ZoneAlert) AlertMessage {
	return AlertMessage{
		Type:      TypeZoneAlert,
		AlertType: alert.AlertType,
		Beacon:    beaconInfo(beacon),
		Zone: ZoneInfo{
			ID:        zone.ID,
			Name:      zone.Name,
			FloorName: floor.DisplayName(),
		},
		Position:  XY{X: round(alert.X, 2), Y: round(alert.Y, 2)},
		Timestamp: formatTime(alert.Timestamp),
	}
}

// PositionTopic <positions>/<MAC 去掉冒号>
func PositionTopic(base, mac string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.ReplaceAll(mac, ":", "")
}

// AlertTopic <alerts>/<enter|exit>/<zone_id>
func AlertTopic(base, alertType string, zoneID int64) string {
	return strings.TrimSuffix(base, "/") + "/" + alertType + "/" + strconv.FormatInt(zoneID, 10)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
