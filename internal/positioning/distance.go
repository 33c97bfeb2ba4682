package positioning

import "math"

// 距离模型常量
const (
	DefaultTxPower          = -59 // 1米处参考 RSSI（dBm）
	DefaultPathLossExponent = 2.0
	MinDistance             = 0.3  // 米
	MaxDistance             = 50.0 // 米
	MaxBelievableDistance   = 30.0 // 超过该距离的读数在求解前丢弃
)

// RSSIToDistance 对数距离路径损耗模型：RSSI -> 距离（米）
// d = 10^((txPower - rssi) / (10 * n))，结果限制在 [0.3, 50]
// rssi >= txPower 时认为信标就在网关旁边
func RSSIToDistance(rssi float64, txPower float64, pathLossExponent float64) float64 {
	if rssi >= txPower {
		return MinDistance
	}
	if pathLossExponent <= 0 {
		pathLossExponent = DefaultPathLossExponent
	}

	distance := math.Pow(10, (txPower-rssi)/(10*pathLossExponent))
	return clamp(distance, MinDistance, MaxDistance)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
