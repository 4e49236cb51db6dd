package archive

import "sync"

// Locker tracks archives with an in-flight reader. Restores hold a lock for
// their whole run; the retention sweep skips locked archives instead of
// deleting data out from under them.
type Locker struct {
	mu   sync.Mutex
	held map[string]int
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]int)}
}

// Acquire marks the named archive as in use and returns a release func.
// Multiple readers may hold the same archive; it stays locked until every
// release has run. Release is idempotent.
func (l *Locker) Acquire(name string) func() {
	l.mu.Lock()
	l.held[name]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.held[name]--
			if l.held[name] <= 0 {
				delete(l.held, name)
			}
		})
	}
}

// Locked reports whether any reader currently holds the named archive.
func (l *Locker) Locked(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[name] > 0
}
