package orchestrator

import (
	"errors"
	"sync"
)

// ErrRunInProgress is returned when a backup or restore is started while another one
// holds the run lock.
var ErrRunInProgress = errors.New("run already active: another backup or restore is in progress")

// Lock admits one backup or restore at a time. The zero value is unlocked.
type Lock struct {
	mu    sync.Mutex
	held  bool
	owner string
}

// processLock is shared by every orchestrator that does not bring its own lock.
var processLock = &Lock{}

// TryAcquire takes the lock for owner without blocking.
func (l *Lock) TryAcquire(owner string) (*Guard, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false
	}
	l.held = true
	l.owner = owner
	return &Guard{lock: l}, true
}

// Owner returns the holder of the lock, or "".
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Held reports whether the lock is taken.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Guard is a held lock. Release may be called any number of times.
type Guard struct {
	lock *Lock
	once sync.Once
}

// Release gives the lock back.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.lock.mu.Lock()
		g.lock.held = false
		g.lock.owner = ""
		g.lock.mu.Unlock()
	})
}
