package relay

import "sync"

// sessionLocks serializes store writes and fan-out per session id so a
// snapshot and the broadcasts around it cannot interleave.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*refLock)}
}

// Lock blocks until sessionID is free and returns its unlock function.
func (l *sessionLocks) Lock(sessionID string) func() {
	l.mu.Lock()
	rl, ok := l.locks[sessionID]
	if !ok {
		rl = &refLock{}
		l.locks[sessionID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
