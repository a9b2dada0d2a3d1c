package scheduler

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// Guard admits at most one holder per key. A refused acquire means the job
// is already running and the caller should skip it.
type Guard interface {
	TryAcquire(key string) bool
	Release(key string)
	Snapshot() []InFlightJob
}

type InFlightJob struct {
	Key       string    `json:"key"`
	StartedAt time.Time `json:"started_at"`
}

// InFlight is a mutex-guarded key set.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func NewInFlight() *InFlight {
	return &InFlight{keys: map[string]time.Time{}, now: time.Now}
}

func (f *InFlight) TryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.keys[key]; busy {
		return false
	}
	f.keys[key] = f.now()
	return true
}

func (f *InFlight) Release(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}

func (f *InFlight) Snapshot() []InFlightJob {
	f.mu.Lock()
	out := make([]InFlightJob, 0, len(f.keys))
	for k, at := range f.keys {
		out = append(out, InFlightJob{Key: k, StartedAt: at})
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// JobKey identifies a (source, job type) pair in the guard.
func JobKey(jobType string, sourceID int64) string {
	return jobType + ":" + strconv.FormatInt(sourceID, 10)
}
