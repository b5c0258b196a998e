package live

import (
	"context"
	"sync"
)

type lease struct {
	id     string
	cancel context.CancelFunc
}

// Leases keeps at most one live connection per key. A newer connection
// replaces the older one, which the caller then cancels.
type Leases struct {
	mu    sync.Mutex
	byKey map[string]lease
}

func NewLeases() *Leases {
	return &Leases{byKey: make(map[string]lease)}
}

// Replace installs the connection and returns the cancel func of the one
// it displaced, if any.
func (l *Leases) Replace(key, connID string, cancel context.CancelFunc) context.CancelFunc {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev context.CancelFunc
	if current, ok := l.byKey[key]; ok {
		prev = current.cancel
	}
	l.byKey[key] = lease{id: connID, cancel: cancel}
	return prev
}

// Release drops the lease only if connID still holds it.
func (l *Leases) Release(key, connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.byKey[key]
	if !ok || current.id != connID {
		return
	}
	delete(l.byKey, key)
}

func (l *Leases) Cancel(key string) {
	l.mu.Lock()
	current, ok := l.byKey[key]
	if ok {
		delete(l.byKey, key)
	}
	l.mu.Unlock()

	if ok && current.cancel != nil {
		current.cancel()
	}
}

func (l *Leases) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}
