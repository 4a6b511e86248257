package timeline

import "sync"

// panelLocks hands out one writer lock per panel id. Entries are reference
// counted so idle panels do not accumulate.
type panelLocks struct {
	mu    sync.Mutex
	locks map[string]*panelLock
}

type panelLock struct {
	mu   sync.Mutex
	refs int
}

func newPanelLocks() *panelLocks {
	return &panelLocks{locks: make(map[string]*panelLock)}
}

// Lock acquires the writer lock for panelID and returns its release func.
func (l *panelLocks) Lock(panelID string) func() {
	l.mu.Lock()
	pl, ok := l.locks[panelID]
	if !ok {
		pl = &panelLock{}
		l.locks[panelID] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.locks, panelID)
		}
		l.mu.Unlock()
	}
}
