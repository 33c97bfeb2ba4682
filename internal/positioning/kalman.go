package positioning

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	kalmanMaxDt     = 10.0 // 秒
	kalmanMinDt     = 0.01
	kalmanDefaultDt = 0.1
	// 过程噪声强度（加速度谱密度，m²/s³）
	kalmanProcessNoise = 0.5
	minFilteredAcc     = MinDistance
)

// KalmanState 单个信标的滤波状态快照
type KalmanState struct {
	X           float64
	Y           float64
	VX          float64
	VY          float64
	Covariance  [4][4]float64
	LastUpdate  time.Time
	Initialized bool
}

// KalmanFilter 匀速模型 4 状态 (x, y, vx, vy) 卡尔曼滤波器
type KalmanFilter struct {
	x          *mat.VecDense
	p          *mat.Dense
	lastUpdate time.Time
	init       bool
}

// NewKalmanFilter 创建未初始化的滤波器
func NewKalmanFilter() *KalmanFilter {
	return &KalmanFilter{
		x: mat.NewVecDense(4, nil),
		p: mat.NewDense(4, 4, nil),
	}
}

// Update 输入一次测量，返回滤波后的位置和精度
// 第一次调用直接以测量值初始化并原样返回
// 输出精度不会低于 0.3，也不会比原始测量精度更差
func (k *KalmanFilter) Update(x, y, accuracy float64, at time.Time) (float64, float64, float64) {
	if accuracy <= 0 {
		accuracy = minFilteredAcc
	}
	r := accuracy * accuracy

	if !k.init {
		k.x = mat.NewVecDense(4, []float64{x, y, 0, 0})
		k.p = mat.NewDense(4, 4, nil)
		for i := 0; i < 4; i++ {
			k.p.Set(i, i, r)
		}
		k.lastUpdate = at
		k.init = true
		return x, y, accuracy
	}

	dt := at.Sub(k.lastUpdate).Seconds()
	if dt > kalmanMaxDt {
		dt = kalmanMaxDt
	}
	if dt < kalmanMinDt {
		dt = kalmanDefaultDt
	}
	k.predict(dt)
	k.correct(x, y, r)
	k.lastUpdate = at

	filteredAcc := math.Sqrt((k.p.At(0, 0) + k.p.At(1, 1)) / 2)
	filteredAcc = math.Max(filteredAcc, minFilteredAcc)
	filteredAcc = math.Min(filteredAcc, accuracy)

	return k.x.AtVec(0), k.x.AtVec(1), filteredAcc
}

func (k *KalmanFilter) predict(dt float64) {
	F := mat.NewDense(4, 4, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})

	q := kalmanProcessNoise
	dt2 := dt * dt
	dt3 := dt2 * dt
	Q := mat.NewDense(4, 4, []float64{
		dt3 / 3 * q, 0, dt2 / 2 * q, 0,
		0, dt3 / 3 * q, 0, dt2 / 2 * q,
		dt2 / 2 * q, 0, dt * q, 0,
		0, dt2 / 2 * q, 0, dt * q,
	})

	var x mat.VecDense
	x.MulVec(F, k.x)
	k.x = &x

	var fp, fpf mat.Dense
	fp.Mul(F, k.p)
	fpf.Mul(&fp, F.T())
	fpf.Add(&fpf, Q)
	k.p = &fpf
}

func (k *KalmanFilter) correct(zx, zy, r float64) {
	H := mat.NewDense(2, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
	})
	R := mat.NewDense(2, 2, []float64{r, 0, 0, r})
	z := mat.NewVecDense(2, []float64{zx, zy})

	// 新息 y = z - Hx
	var hx, innov mat.VecDense
	hx.MulVec(H, k.x)
	innov.SubVec(z, &hx)

	// S = H P Hᵀ + R
	var hp, s mat.Dense
	hp.Mul(H, k.p)
	s.Mul(&hp, H.T())
	s.Add(&s, R)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return
	}

	// K = P Hᵀ S⁻¹
	var pht, gain mat.Dense
	pht.Mul(k.p, H.T())
	gain.Mul(&pht, &sInv)

	var dx mat.VecDense
	dx.MulVec(&gain, &innov)
	var x mat.VecDense
	x.AddVec(k.x, &dx)
	k.x = &x

	// P = (I - K H) P
	var kh mat.Dense
	kh.Mul(&gain, H)
	ikh := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)
	var p mat.Dense
	p.Mul(ikh, k.p)
	k.p = &p
}

// State 当前状态快照
func (k *KalmanFilter) State() KalmanState {
	st := KalmanState{
		LastUpdate:  k.lastUpdate,
		Initialized: k.init,
	}
	if !k.init {
		return st
	}
	st.X, st.Y = k.x.AtVec(0), k.x.AtVec(1)
	st.VX, st.VY = k.x.AtVec(2), k.x.AtVec(3)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			st.Covariance[i][j] = k.p.At(i, j)
		}
	}
	return st
}

// KalmanStore 按信标 ID 保存滤波器，跨计算周期保持
type KalmanStore struct {
	mu      sync.Mutex
	filters map[int64]*KalmanFilter
}

// NewKalmanStore 创建滤波器存储
func NewKalmanStore() *KalmanStore {
	return &KalmanStore{filters: make(map[int64]*KalmanFilter)}
}

// Filter 对指定信标做一次滤波
func (s *KalmanStore) Filter(beaconID int64, x, y, accuracy float64, at time.Time) (float64, float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.filters[beaconID]
	if !ok {
		f = NewKalmanFilter()
		s.filters[beaconID] = f
	}
	return f.Update(x, y, accuracy, at)
}

// State 返回指定信标的状态
func (s *KalmanStore) State(beaconID int64) (KalmanState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.filters[beaconID]
	if !ok {
		return KalmanState{}, false
	}
	return f.State(), true
}

// Reset 丢弃指定信标的状态，下一次测量重新初始化
func (s *KalmanStore) Reset(beaconID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.filters, beaconID)
}

// ResetAll 清空全部状态
func (s *KalmanStore) ResetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = make(map[int64]*KalmanFilter)
}

// Evict 清理超过 idleTTL 未更新的信标，返回清理数量
func (s *KalmanStore) Evict(now time.Time, idleTTL time.Duration) int {
	if idleTTL <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, f := range s.filters {
		if now.Sub(f.lastUpdate) > idleTTL {
			delete(s.filters, id)
			evicted++
		}
	}
	return evicted
}

// Len 当前保存的信标数量
func (s *KalmanStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.filters)
}
