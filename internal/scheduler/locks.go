package scheduler

import (
	"sort"
	"sync"
)

// FileLocks provides per-file mutual exclusion for concurrently executing
// tasks. Each path gets its own mutex, created on first use and dropped once
// nobody holds or waits for it.
type FileLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[string]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileLocks creates an empty lock table.
func NewFileLocks() *FileLocks {
	return &FileLocks{locks: make(map[string]*fileLock)}
}

// Lock acquires the mutex for path.
func (l *FileLocks) Lock(path string) {
	l.mu.Lock()
	fl, ok := l.locks[path]
	if !ok {
		fl = &fileLock{}
		l.locks[path] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()
}

// Unlock releases the mutex for path.
func (l *FileLocks) Unlock(path string) {
	l.mu.Lock()
	fl, ok := l.locks[path]
	if !ok {
		l.mu.Unlock()
		return
	}
	fl.refs--
	if fl.refs <= 0 {
		delete(l.locks, path)
	}
	l.mu.Unlock()

	fl.mu.Unlock()
}

// LockAll acquires every path in lexicographic order, which rules out
// lock-order deadlocks between tasks sharing files. The returned function
// releases them in reverse order.
func (l *FileLocks) LockAll(paths []string) (unlock func()) {
	sorted := dedupe(paths)
	if len(sorted) == 0 {
		return func() {}
	}
	sort.Strings(sorted)

	for _, p := range sorted {
		l.Lock(p)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			l.Unlock(sorted[i])
		}
	}
}

// Len returns the number of paths currently held or awaited.
func (l *FileLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
