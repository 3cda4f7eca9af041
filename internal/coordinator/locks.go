package coordinator

import "sync"

// raceLocks hands out one mutex per race key. Entries are dropped once no
// goroutine holds or waits for them.
type raceLocks struct {
	mu    sync.Mutex
	locks map[string]*raceLock
}

type raceLock struct {
	sync.Mutex
	refs int
}

func newRaceLocks() *raceLocks {
	return &raceLocks{locks: make(map[string]*raceLock)}
}

func (l *raceLocks) lock(raceID string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[raceID]
	if !ok {
		rl = &raceLock{}
		l.locks[raceID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, raceID)
		}
		l.mu.Unlock()
	}
}

func (l *raceLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
