package positioning

import (
	"math"
	"sort"
)

// FloorSample 某楼层一个网关的代表 RSSI
type FloorSample struct {
	FloorID   int64
	GatewayID int64
	RSSI      float64
}

// FloorDecision 楼层判定结果
type FloorDecision struct {
	FloorID    int64
	Score      float64
	Gateways   int
	Confidence float64 // [0, 1]
	Found      bool
}

type floorScore struct {
	floorID  int64
	score    float64
	gateways int
}

// DetermineFloor 根据各楼层网关的信号强度选择信标所在楼层
// 楼层得分 = Σ max(0, 100+rssi) / 该楼层网关数
// 置信度 = 0.7 × 得分领先度（多楼层时映射到 [0.5, 1.0]）+ 0.3 × 网关数奖励
// 只有实际收到读数的楼层才参与候选
func DetermineFloor(samples []FloorSample) FloorDecision {
	if len(samples) == 0 {
		return FloorDecision{}
	}

	type acc struct {
		sum      float64
		gateways map[int64]struct{}
	}
	floors := make(map[int64]*acc)
	for _, s := range samples {
		a, ok := floors[s.FloorID]
		if !ok {
			a = &acc{gateways: make(map[int64]struct{})}
			floors[s.FloorID] = a
		}
		a.sum += math.Max(0, 100+s.RSSI)
		a.gateways[s.GatewayID] = struct{}{}
	}

	scores := make([]floorScore, 0, len(floors))
	for id, a := range floors {
		n := len(a.gateways)
		scores = append(scores, floorScore{floorID: id, score: a.sum / float64(n), gateways: n})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		if scores[i].gateways != scores[j].gateways {
			return scores[i].gateways > scores[j].gateways
		}
		return scores[i].floorID < scores[j].floorID
	})

	best := scores[0]
	margin := 1.0
	if len(scores) > 1 {
		second := scores[1]
		lead := 0.0
		if best.score > 0 {
			lead = (best.score - second.score) / best.score
		}
		margin = 0.5 + 0.5*math.Min(1, math.Max(0, lead))
	}
	gatewayBonus := math.Min(1, float64(best.gateways)/3)

	return FloorDecision{
		FloorID:    best.floorID,
		Score:      best.score,
		Gateways:   best.gateways,
		Confidence: clamp(0.7*margin+0.3*gatewayBonus, 0, 1),
		Found:      true,
	}
}
