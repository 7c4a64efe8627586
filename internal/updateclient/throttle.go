package updateclient

import (
	"context"
	"sync"
	"time"

	"github.com/bluebandedbee/updateclient/internal/observability"
)

// Throttle tracks a server-imposed retry-after window (§4.1). While active,
// UpdateClient refuses new batches with CompletionRetryLater instead of
// contacting the update check endpoint at all.
type Throttle struct {
	mu    sync.Mutex
	until time.Time
}

// Active reports whether the throttle window is still in effect.
func (t *Throttle) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Now().Before(t.until)
}

// RemainingSeconds returns how many seconds remain in the throttle window,
// rounded up; 0 if inactive.
func (t *Throttle) RemainingSeconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := time.Until(t.until)
	if d <= 0 {
		return 0
	}
	return int(d.Seconds()) + 1
}

// SetRetryAfter latches a new throttle window, seconds from now. A value
// <= 0 clears the throttle.
func (t *Throttle) SetRetryAfter(seconds int) {
	t.mu.Lock()
	wasActive := time.Now().Before(t.until)
	if seconds <= 0 {
		t.until = time.Time{}
	} else {
		next := time.Now().Add(time.Duration(seconds) * time.Second)
		if next.After(t.until) {
			t.until = next
		}
	}
	nowActive := time.Now().Before(t.until)
	t.mu.Unlock()

	if nowActive && !wasActive {
		observability.SetThrottleActive(context.Background(), 1)
	} else if wasActive && !nowActive {
		observability.SetThrottleActive(context.Background(), -1)
	}
}
