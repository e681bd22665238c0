package benchproxy

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type RaceLeg struct {
	Backend    string        `json:"backend"`
	Role       BackendRole   `json:"role"`
	Duration   time.Duration `json:"duration"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

type RaceSummary struct {
	ID             string        `json:"id"`
	Method         string        `json:"method"`
	Time           time.Time     `json:"time"`
	SecondaryDelay time.Duration `json:"secondary_delay"`
	ServedBy       string        `json:"served_by,omitempty"`
	Winner         string        `json:"winner,omitempty"`
	Legs           []RaceLeg     `json:"legs"`
}

func newRaceSummary(id string, info *RequestInfo, delay time.Duration, servedBy string, outcomes []RequestOutcome) RaceSummary {
	rs := RaceSummary{
		ID:             id,
		Method:         info.Label(),
		Time:           time.Now(),
		SecondaryDelay: delay,
		ServedBy:       servedBy,
		Legs:           make([]RaceLeg, 0, len(outcomes)),
	}
	if winner, ok := fastestOutcome(outcomes); ok {
		rs.Winner = winner.Backend
	}
	for _, o := range outcomes {
		leg := RaceLeg{
			Backend:    o.Backend,
			Role:       o.Role,
			Duration:   o.Duration,
			StatusCode: o.StatusCode,
		}
		if o.Err != nil {
			leg.Error = o.Err.Error()
		}
		rs.Legs = append(rs.Legs, leg)
	}
	return rs
}

// RaceLog keeps the most recent race summaries.
type RaceLog struct {
	cache *lru.Cache
	seq   atomic.Uint64
}

func NewRaceLog(size int) (*RaceLog, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &RaceLog{cache: cache}, nil
}

func (l *RaceLog) Add(rs RaceSummary) {
	// request ids may repeat; the sequence keeps entries distinct
	key := fmt.Sprintf("%d-%s", l.seq.Add(1), rs.ID)
	l.cache.Add(key, rs)
}

// Recent returns the stored summaries, newest first.
func (l *RaceLog) Recent() []RaceSummary {
	keys := l.cache.Keys()
	out := make([]RaceSummary, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		v, ok := l.cache.Peek(keys[i])
		if !ok {
			continue
		}
		out = append(out, v.(RaceSummary))
	}
	return out
}

func (l *RaceLog) Len() int {
	return l.cache.Len()
}
