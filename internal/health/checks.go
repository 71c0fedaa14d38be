package health

import (
	"context"
	"sync"
	"time"

	"github.com/voronkovm/authpipe/internal/store"
)

// StoreCheck pings a backing store. A failed ping marks the check
// unhealthy with the ping error as message.
func StoreCheck(st store.Store) CheckFunc {
	return func(ctx context.Context) Check {
		if err := st.Ping(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// ReloadStatus tracks the outcome of the most recent configuration
// reload. A failed reload degrades the service rather than making it
// unhealthy: requests keep being decided on the last good
// configuration.
type ReloadStatus struct {
	mu         sync.RWMutex
	failed     bool
	message    string
	lastReload time.Time
}

// NewReloadStatus creates a reload status tracker. It reports healthy
// until a reload outcome is recorded.
func NewReloadStatus() *ReloadStatus {
	return &ReloadStatus{}
}

// RecordSuccess marks the most recent reload as applied.
func (r *ReloadStatus) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = false
	r.message = ""
	r.lastReload = time.Now()
}

// RecordFailure marks the most recent reload as rejected.
func (r *ReloadStatus) RecordFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	if err != nil {
		r.message = err.Error()
	} else {
		r.message = "configuration reload failed"
	}
	r.lastReload = time.Now()
}

// Check reports the configuration state for the health checker.
func (r *ReloadStatus) Check(ctx context.Context) Check {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.failed {
		return Check{
			Status:  StatusDegraded,
			Message: "serving last good configuration: " + r.message,
		}
	}
	return Check{Status: StatusHealthy}
}
