package services

import "sync"

// UserLocks serializes work per user id. Entries are reference counted and
// dropped when the last holder or waiter releases them.
type UserLocks struct {
	mu sync.Mutex
	m  map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewUserLocks returns an empty lock table.
func NewUserLocks() *UserLocks {
	return &UserLocks{m: make(map[int64]*userLock)}
}

// Lock blocks until the caller holds id's lock and returns its release func.
func (l *UserLocks) Lock(id int64) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.m[id]
	if !ok {
		ul = &userLock{}
		l.m[id] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			ul.mu.Unlock()
			l.mu.Lock()
			ul.refs--
			if ul.refs == 0 {
				delete(l.m, id)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of ids currently locked or awaited.
func (l *UserLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
