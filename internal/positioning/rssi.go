package positioning

import "sort"

// RepresentativeRSSI 计算单个网关在窗口内的代表 RSSI
// 样本数 >= 3 时先按 IQR 围栏 [Q1-1.5IQR, Q3+1.5IQR] 去掉离群值，再取中位数
func RepresentativeRSSI(samples []float64) (float64, bool) {
	kept := RejectRSSIOutliers(samples)
	if len(kept) == 0 {
		return 0, false
	}
	sorted := sortedCopy(kept)
	return percentile(sorted, 0.5), true
}

// RejectRSSIOutliers 按 IQR 围栏过滤样本，保留原始顺序
// 样本不足 3 个时原样返回
func RejectRSSIOutliers(samples []float64) []float64 {
	if len(samples) < 3 {
		return samples
	}

	sorted := sortedCopy(samples)
	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)
	iqr := q3 - q1
	lo, hi := q1-1.5*iqr, q3+1.5*iqr

	kept := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s >= lo && s <= hi {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return samples
	}
	return kept
}

// SmoothedRSSI 按下标加权平均（权重 1/(i+1)），samples 需按时间倒序（最新在前）
func SmoothedRSSI(samples []float64) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}

	var sum, total float64
	for i, s := range samples {
		w := 1.0 / float64(i+1)
		sum += s * w
		total += w
	}
	return sum / total, true
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

// percentile 线性插值分位数，sorted 必须已升序
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	pos := p * float64(n-1)
	lo := int(pos)
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
