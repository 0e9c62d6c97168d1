package plan

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Adaptive remote-poll intervals, widening as activity quiets down.
const (
	pollIntervalBurst    = 500 * time.Millisecond
	pollIntervalActive   = 1 * time.Second
	pollIntervalModerate = 2500 * time.Millisecond
	pollIntervalIdle     = 5 * time.Second
	pollIntervalDeepIdle = 30 * time.Second

	activityBurstThreshold    = 10
	activityActiveThreshold   = 3
	activityModerateThreshold = 1
	activityWindow            = 10 * time.Second
	deepIdleTimeout           = 5 * time.Minute
)

// activityLevel classifies how much recent change activity a Planner has
// observed, driving how often it polls the remote for changes.
type activityLevel int

const (
	activityDeepIdle activityLevel = iota
	activityIdle
	activityModerate
	activityActive
	activityBurst
)

// adaptiveScheduler widens or narrows the remote poll interval based on a
// sliding window of recent activity, grounded on this codebase's
// activity-level scheduler for client sync polling. The window itself is a
// TTL cache rather than a manually-pruned slice: each recorded event is a
// throwaway entry that expirable.LRU evicts on its own once activityWindow
// elapses, so Len() is always "events observed in the trailing window"
// without an explicit cutoff scan.
type adaptiveScheduler struct {
	mu           sync.Mutex
	lastActivity time.Time
	events       *expirable.LRU[int64, struct{}]
	seq          int64
	level        activityLevel
	now          func() time.Time
}

func newAdaptiveScheduler() *adaptiveScheduler {
	return &adaptiveScheduler{
		lastActivity: time.Now(),
		events:       expirable.NewLRU[int64, struct{}](256, nil, activityWindow),
		level:        activityIdle,
		now:          time.Now,
	}
}

// recordActivity registers n change events just observed (e.g. from a fold
// of ChangeTracker snapshots).
func (a *adaptiveScheduler) recordActivity(n int) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.lastActivity = now
	for i := 0; i < n; i++ {
		a.seq++
		a.events.Add(a.seq, struct{}{})
	}
	a.updateLevelLocked(now)
}

func (a *adaptiveScheduler) updateLevelLocked(now time.Time) {
	count := a.events.Len()
	since := now.Sub(a.lastActivity)

	switch {
	case count >= activityBurstThreshold:
		a.level = activityBurst
	case count >= activityActiveThreshold:
		a.level = activityActive
	case count >= activityModerateThreshold:
		a.level = activityModerate
	case since < deepIdleTimeout:
		a.level = activityIdle
	default:
		a.level = activityDeepIdle
	}
}

// interval returns the poll interval for the current activity level.
func (a *adaptiveScheduler) interval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateLevelLocked(a.now())

	switch a.level {
	case activityBurst:
		return pollIntervalBurst
	case activityActive:
		return pollIntervalActive
	case activityModerate:
		return pollIntervalModerate
	case activityDeepIdle:
		return pollIntervalDeepIdle
	default:
		return pollIntervalIdle
	}
}
