package checkpoint

import (
	"strconv"
	"sync"

	"github.com/0xmhha/ledger-crawler/pkg/types"
)

// entityLocks hands out one mutex per (chain, entity)
type entityLocks struct {
	mu   sync.Mutex
	held map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{held: make(map[string]*entityLock)}
}

func lockKey(chainID int64, entity string) string {
	return strconv.FormatInt(chainID, 10) + ":" + types.NormalizeAddress(entity)
}

func (l *entityLocks) lock(chainID int64, entity string) func() {
	key := lockKey(chainID, entity)

	l.mu.Lock()
	el, ok := l.held[key]
	if !ok {
		el = &entityLock{}
		l.held[key] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			el.mu.Unlock()
			l.mu.Lock()
			el.refs--
			if el.refs == 0 {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}
}

// Lock takes the write lock of an entity and returns its release.
// Every read-decide-write sequence on one entity's rows and checkpoint runs
// under it: Persist takes it itself, callers composing Write and Update
// take it around the whole sequence.
func (m *Manager) Lock(chainID int64, entity string) (unlock func()) {
	return m.locks.lock(chainID, entity)
}
