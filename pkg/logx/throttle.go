package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle gates repetitive log lines (per key) so a failure that repeats
// every tick does not flood the sinks.
type Throttle struct {
	mu    sync.Mutex
	every time.Duration
	lim   map[string]*rate.Limiter
}

func NewThrottle(every time.Duration) *Throttle {
	if every <= 0 {
		every = 5 * time.Second
	}
	return &Throttle{every: every, lim: map[string]*rate.Limiter{}}
}

// Allow reports whether a line keyed by key may be emitted now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.lim[key]
	if l == nil {
		l = rate.NewLimiter(rate.Every(t.every), 1)
		t.lim[key] = l
	}
	return l.Allow()
}
