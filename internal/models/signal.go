package models

import "time"

// RawSignal 网关上报的原始 RSSI 信号（对应 rssi_signals 表，只追加）
type RawSignal struct {
	ID         int64     `json:"id" db:"id"`
	GatewayID  int64     `json:"gateway_id" db:"gateway_id"`
	BeaconID   int64     `json:"beacon_id" db:"beacon_id"`
	RSSI       int       `json:"rssi" db:"rssi"`
	TxPower    int       `json:"tx_power" db:"tx_power"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	RawPayload string    `json:"raw_data" db:"raw_data"`
}

// 定位计算方法
const (
	MethodNone           = "none"
	MethodSingleGateway  = "single_gateway"
	MethodTwoGateway     = "two_gateway"
	MethodLeastSquares   = "weighted_least_squares"
	MethodWeightedCenter = "weighted_centroid"
)

// PositionEstimate 一次定位结果（对应 positions 表）
// 每个计算周期每个信标最多一条，只会被下一条取代，不会被修改
type PositionEstimate struct {
	ID              int64     `json:"id" db:"id"`
	BeaconID        int64     `json:"beacon_id" db:"beacon_id"`
	FloorID         int64     `json:"floor_id" db:"floor_id"`
	X               float64   `json:"x" db:"x_position"`
	Y               float64   `json:"y" db:"y_position"`
	Accuracy        float64   `json:"accuracy" db:"accuracy"`
	VelocityX       float64   `json:"velocity_x" db:"velocity_x"`
	VelocityY       float64   `json:"velocity_y" db:"velocity_y"`
	Speed           float64   `json:"speed" db:"speed"`
	Heading         float64   `json:"heading" db:"heading"`
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	FloorConfidence float64   `json:"floor_confidence" db:"floor_confidence"`
	Method          string    `json:"method" db:"calculation_method"`
}
