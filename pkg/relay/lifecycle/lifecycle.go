// Package lifecycle tracks process-level state shared across handlers.
package lifecycle

import "sync/atomic"

// Lifecycle is a tiny process lifecycle state holder. The readiness endpoint
// and the WebSocket accept path consult it during graceful shutdown.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
