package positioning

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"wisefido-rtls/internal/models"
)

const (
	// NoFixAccuracy 没有任何网关读数时的最大不确定度
	NoFixAccuracy = 100.0

	singularDeterminant = 1e-10
	minFixAccuracy      = 0.5
	maxFixAccuracy      = 50.0
	minTwoGatewayAcc    = 1.0
)

// GatewayReading 一个网关对某信标的一次观测（每个计算周期临时构造，不落库）
type GatewayReading struct {
	GatewayID        int64
	X                float64
	Y                float64
	RSSI             float64
	TxPower          float64
	PathLossExponent float64
}

// Distance 该读数对应的估计距离（米）
func (r GatewayReading) Distance() float64 {
	return RSSIToDistance(r.RSSI, r.TxPower, r.PathLossExponent)
}

// Fix 一次定位求解结果
type Fix struct {
	X        float64
	Y        float64
	Accuracy float64
	Method   string
	Gateways int
}

// Weights 每个读数的归一化权重
// RSSI 指数权重 exp((rssi+100)/20) 与距离反比权重 1/d^1.5 的乘积，总和为 1
func Weights(readings []GatewayReading) []float64 {
	weights := make([]float64, len(readings))
	if len(readings) == 0 {
		return weights
	}

	var total float64
	for i, r := range readings {
		d := r.Distance()
		w := math.Exp((r.RSSI+100)/20) * (1 / math.Pow(d, 1.5))
		weights[i] = w
		total += w
	}

	if total <= 0 || math.IsInf(total, 0) || math.IsNaN(total) {
		for i := range weights {
			weights[i] = 1 / float64(len(weights))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

// FilterOutlierReadings 丢弃估计距离超过 maxDistance 的读数
// 全部被丢弃时返回原始读数，保证不会因过滤变成零网关
func FilterOutlierReadings(readings []GatewayReading, maxDistance float64) []GatewayReading {
	if maxDistance <= 0 {
		maxDistance = MaxBelievableDistance
	}

	filtered := make([]GatewayReading, 0, len(readings))
	for _, r := range readings {
		if r.Distance() <= maxDistance {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return readings
	}
	return filtered
}

// Trilaterate 根据网关数量选择求解方式
//   - 0 个：(0,0)，精度 100
//   - 1 个：网关坐标，精度为估计距离
//   - 2 个：两圆相交（连线方向）
//   - 3 个及以上：加权最小二乘，矩阵奇异时退化为加权质心
func Trilaterate(readings []GatewayReading) Fix {
	switch len(readings) {
	case 0:
		return Fix{X: 0, Y: 0, Accuracy: NoFixAccuracy, Method: models.MethodNone}
	case 1:
		r := readings[0]
		return Fix{X: r.X, Y: r.Y, Accuracy: r.Distance(), Method: models.MethodSingleGateway, Gateways: 1}
	case 2:
		return solveTwoGateways(readings[0], readings[1])
	default:
		return solveLeastSquares(readings)
	}
}

// solveTwoGateways 两圆相交：交点存在时取两交点中点（即在连线上的垂足）
func solveTwoGateways(a, b GatewayReading) Fix {
	r1, r2 := a.Distance(), b.Distance()
	dx, dy := b.X-a.X, b.Y-a.Y
	spacing := math.Hypot(dx, dy)
	meanDist := (r1 + r2) / 2

	fix := Fix{Method: models.MethodTwoGateway, Gateways: 2}

	if spacing < 1e-9 {
		fix.X, fix.Y = a.X, a.Y
		fix.Accuracy = math.Max(minTwoGatewayAcc, meanDist)
		return fix
	}

	var along float64
	if r1+r2 <= spacing {
		// 两圆相离：按半径比例落在连线上
		along = spacing * r1 / (r1 + r2)
	} else {
		along = (r1*r1 - r2*r2 + spacing*spacing) / (2 * spacing)
		along = clamp(along, 0, spacing)
	}

	fix.X = a.X + along*dx/spacing
	fix.Y = a.Y + along*dy/spacing

	penalty := 1.0
	if spacing < meanDist {
		penalty = 1.5
	}
	fix.Accuracy = math.Max(minTwoGatewayAcc, 0.15*meanDist*penalty)
	return fix
}

// solveLeastSquares 线性化多边定位 + 加权正规方程
// 以权重最大的网关为参考，其余每个网关与之作差得到一行方程
func solveLeastSquares(readings []GatewayReading) Fix {
	n := len(readings)
	weights := Weights(readings)
	distances := make([]float64, n)
	for i, r := range readings {
		distances[i] = r.Distance()
	}

	ref := 0
	for i := range weights {
		if weights[i] > weights[ref] {
			ref = i
		}
	}
	pr := readings[ref]
	dr := distances[ref]

	rows := n - 1
	A := mat.NewDense(rows, 2, nil)
	b := mat.NewVecDense(rows, nil)
	w := make([]float64, rows)

	row := 0
	for i, r := range readings {
		if i == ref {
			continue
		}
		A.Set(row, 0, 2*(r.X-pr.X))
		A.Set(row, 1, 2*(r.Y-pr.Y))
		b.SetVec(row, dr*dr-distances[i]*distances[i]+r.X*r.X-pr.X*pr.X+r.Y*r.Y-pr.Y*pr.Y)
		w[row] = weights[i]
		row++
	}
	W := mat.NewDiagDense(rows, w)

	var AtW mat.Dense
	AtW.Mul(A.T(), W)
	var AtWA mat.Dense
	AtWA.Mul(&AtW, A)
	var AtWb mat.VecDense
	AtWb.MulVec(&AtW, b)

	fix := Fix{Gateways: n}
	solved := false
	if math.Abs(mat.Det(&AtWA)) >= singularDeterminant {
		var sol mat.VecDense
		if err := sol.SolveVec(&AtWA, &AtWb); err == nil {
			fix.X, fix.Y = sol.AtVec(0), sol.AtVec(1)
			fix.Method = models.MethodLeastSquares
			solved = !math.IsNaN(fix.X) && !math.IsNaN(fix.Y)
		}
	}
	if !solved {
		fix.X, fix.Y = weightedCentroid(readings, weights)
		fix.Method = models.MethodWeightedCenter
	}

	var sq float64
	for i, r := range readings {
		fitted := math.Hypot(r.X-fix.X, r.Y-fix.Y)
		diff := distances[i] - fitted
		sq += diff * diff
	}
	rmse := math.Sqrt(sq / float64(n))
	fix.Accuracy = clamp(rmse*(1+0.1*GDOP(readings)), minFixAccuracy, maxFixAccuracy)
	return fix
}

func weightedCentroid(readings []GatewayReading, weights []float64) (float64, float64) {
	var x, y float64
	for i, r := range readings {
		x += r.X * weights[i]
		y += r.Y * weights[i]
	}
	return x, y
}

// GDOP 几何精度因子近似：平均估计距离与网关空间分布半径之比，范围 [1, 10]
// 网关越集中，值越大
func GDOP(readings []GatewayReading) float64 {
	if len(readings) == 0 {
		return 10
	}

	var cx, cy, meanDist float64
	for _, r := range readings {
		cx += r.X
		cy += r.Y
		meanDist += r.Distance()
	}
	n := float64(len(readings))
	cx /= n
	cy /= n
	meanDist /= n

	var spread float64
	for _, r := range readings {
		spread += (r.X-cx)*(r.X-cx) + (r.Y-cy)*(r.Y-cy)
	}
	spread = math.Sqrt(spread / n)

	return clamp(meanDist/math.Max(spread, 0.1), 1, 10)
}
