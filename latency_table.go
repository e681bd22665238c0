package benchproxy

import (
	"sync"
	"sync/atomic"
	"time"
)

// LatencyTable holds the lowest observed latency per method, per backend
// and overall. Entries only ever move down. Each entry is its own atomic,
// so merges on different keys never contend and merges on the same key
// never lose an update.
type LatencyTable struct {
	floor    atomic.Int64
	methods  sync.Map // string -> *atomic.Int64
	backends sync.Map // string -> *atomic.Int64
}

func NewLatencyTable(floor time.Duration) *LatencyTable {
	t := &LatencyTable{}
	t.floor.Store(int64(floor))
	return t
}

// Floor is the global minimum, reported for methods with no observation yet.
func (t *LatencyTable) Floor() time.Duration {
	return time.Duration(t.floor.Load())
}

func (t *LatencyTable) MergeFloor(d time.Duration) time.Duration {
	return casMin(&t.floor, d)
}

func (t *LatencyTable) MergeMethod(method string, d time.Duration) time.Duration {
	return minMerge(&t.methods, method, d)
}

func (t *LatencyTable) MergeBackend(backend string, d time.Duration) time.Duration {
	return minMerge(&t.backends, backend, d)
}

func (t *LatencyTable) Method(method string) (time.Duration, bool) {
	return load(&t.methods, method)
}

func (t *LatencyTable) Backend(backend string) (time.Duration, bool) {
	return load(&t.backends, backend)
}

// MethodOrFloor falls back to the floor for unseen methods.
func (t *LatencyTable) MethodOrFloor(method string) time.Duration {
	if d, ok := t.Method(method); ok {
		return d
	}
	return t.Floor()
}

func (t *LatencyTable) Methods() map[string]time.Duration {
	return snapshot(&t.methods)
}

func (t *LatencyTable) Backends() map[string]time.Duration {
	return snapshot(&t.backends)
}

// minMerge lowers the entry for key to d when d is smaller and returns
// the resulting minimum.
func minMerge(m *sync.Map, key string, d time.Duration) time.Duration {
	fresh := new(atomic.Int64)
	fresh.Store(int64(d))
	v, loaded := m.LoadOrStore(key, fresh)
	if !loaded {
		return d
	}
	return casMin(v.(*atomic.Int64), d)
}

func casMin(entry *atomic.Int64, d time.Duration) time.Duration {
	for {
		cur := entry.Load()
		if int64(d) >= cur {
			return time.Duration(cur)
		}
		if entry.CompareAndSwap(cur, int64(d)) {
			return d
		}
	}
}

func load(m *sync.Map, key string) (time.Duration, bool) {
	v, ok := m.Load(key)
	if !ok {
		return 0, false
	}
	return time.Duration(v.(*atomic.Int64).Load()), true
}

func snapshot(m *sync.Map) map[string]time.Duration {
	out := make(map[string]time.Duration)
	m.Range(func(k, v any) bool {
		out[k.(string)] = time.Duration(v.(*atomic.Int64).Load())
		return true
	})
	return out
}
