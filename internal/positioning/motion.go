package positioning

import (
	"math"

	"wisefido-rtls/internal/models"
)

// MaxSmoothingHistory 指数平滑使用的历史位置数量上限
const MaxSmoothingHistory = 5

// Motion 速度与航向
type Motion struct {
	VelocityX float64
	VelocityY float64
	Speed     float64
	Heading   float64 // 度，[0, 360)
}

// CalculateVelocity 由相邻两个位置和时间差计算速度矢量、速率和航向
// dt <= 0 时返回全零
func CalculateVelocity(current, previous models.Point, dt float64) Motion {
	if dt <= 0 {
		return Motion{}
	}

	dx := current.X - previous.X
	dy := current.Y - previous.Y
	vx := dx / dt
	vy := dy / dt

	heading := math.Atan2(dy, dx) * 180 / math.Pi
	if heading < 0 {
		heading += 360
	}
	if heading >= 360 {
		heading -= 360
	}

	return Motion{
		VelocityX: vx,
		VelocityY: vy,
		Speed:     math.Hypot(vx, vy),
		Heading:   heading,
	}
}

// SmoothPosition 指数平滑：从最近的历史位置往前逐个混合 alpha·当前 + (1-alpha)·历史
// history 按时间正序（最新在最后），只使用最后 5 个
// 当前位置与最近历史位置的距离超过 jumpThreshold 时不做平滑，便于快速响应信标移动
func SmoothPosition(current models.Point, history []models.Point, alpha, jumpThreshold float64) models.Point {
	if len(history) == 0 {
		return current
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}

	latest := history[len(history)-1]
	if jumpThreshold > 0 && Distance(current, latest) > jumpThreshold {
		return current
	}

	if len(history) > MaxSmoothingHistory {
		history = history[len(history)-MaxSmoothingHistory:]
	}

	smoothed := current
	for i := len(history) - 1; i >= 0; i-- {
		smoothed.X = alpha*smoothed.X + (1-alpha)*history[i].X
		smoothed.Y = alpha*smoothed.Y + (1-alpha)*history[i].Y
	}
	return smoothed
}

// Distance 两点欧氏距离
func Distance(a, b models.Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
