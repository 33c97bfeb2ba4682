package processor

import (
	"time"

	"wisefido-rtls/internal/models"
	"wisefido-rtls/internal/positioning"
)

// track 单个信标的近期位置（时间正序，最多 MaxSmoothingHistory 条）
type track struct {
	history  []models.PositionEstimate
	lastSeen time.Time
}

// trackStore 按信标保存近期位置，由 computeMu 保护
type trackStore struct {
	tracks map[int64]*track
}

func newTrackStore() *trackStore {
	return &trackStore{tracks: make(map[int64]*track)}
}

func (s *trackStore) get(beaconID int64) (*track, bool) {
	t, ok := s.tracks[beaconID]
	return t, ok
}

func (s *trackStore) seed(beaconID int64, history []models.PositionEstimate, at time.Time) *track {
	if len(history) > positioning.MaxSmoothingHistory {
		history = history[len(history)-positioning.MaxSmoothingHistory:]
	}
	t := &track{history: append([]models.PositionEstimate(nil), history...), lastSeen: at}
	s.tracks[beaconID] = t
	return t
}

// last 最近一次持久化的位置
func (t *track) last() *models.PositionEstimate {
	if len(t.history) == 0 {
		return nil
	}
	p := t.history[len(t.history)-1]
	return &p
}

func (t *track) push(p models.PositionEstimate) {
	t.history = append(t.history, p)
	if len(t.history) > positioning.MaxSmoothingHistory {
		t.history = t.history[len(t.history)-positioning.MaxSmoothingHistory:]
	}
	t.lastSeen = p.Timestamp
}

// points 同一楼层的历史坐标，用于平滑
func (t *track) points(floorID int64) []models.Point {
	pts := make([]models.Point, 0, len(t.history))
	for _, p := range t.history {
		if p.FloorID == floorID {
			pts = append(pts, models.Point{X: p.X, Y: p.Y})
		}
	}
	return pts
}

// evict 清理超过 ttl 未更新的信标，返回清理数量
func (s *trackStore) evict(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	n := 0
	for id, t := range s.tracks {
		if now.Sub(t.lastSeen) > ttl {
			delete(s.tracks, id)
			n++
		}
	}
	return n
}

func (s *trackStore) len() int {
	return len(s.tracks)
}
