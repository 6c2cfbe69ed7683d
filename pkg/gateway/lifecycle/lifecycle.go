package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle holds the process drain state shared by the readiness probe and
// the relay handlers. Once draining, new websocket relays are refused.
type Lifecycle struct {
	draining atomic.Bool
	since    atomic.Int64
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if draining {
		if l.draining.CompareAndSwap(false, true) {
			l.since.Store(time.Now().UnixNano())
		}
		return
	}
	l.draining.Store(false)
	l.since.Store(0)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// DrainingSince reports when draining began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil || !l.draining.Load() {
		return time.Time{}, false
	}
	ns := l.since.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
