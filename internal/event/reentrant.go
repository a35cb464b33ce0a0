package event

import (
	"runtime"
	"strconv"
	"sync"
)

// reentrantMutex is a mutex that the goroutine currently holding it may
// lock again without deadlocking. Needed for per-event
// status: a callback invoked while the status lock is held may itself set
// the status (e.g. a dependent event forwarding a failure), and that must
// not deadlock against the outer call. A plain sync.Mutex cannot express
// this; we track the owning goroutine explicitly instead.
type reentrantMutex struct {
	mu      sync.Mutex
	owner   int64
	count   int
	ownerMu sync.Mutex
}

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// "goroutine 123 [running]: ..."
	fields := buf[:n]
	i, j := 0, 0
	for i < len(fields) && fields[i] != ' ' {
		i++
	}
	i++
	j = i
	for j < len(fields) && fields[j] != ' ' {
		j++
	}
	id, _ := strconv.ParseInt(string(fields[i:j]), 10, 64)
	return id
}

func (m *reentrantMutex) Lock() {
	gid := goroutineID()

	m.ownerMu.Lock()
	if m.owner == gid && m.count > 0 {
		m.count++
		m.ownerMu.Unlock()
		return
	}
	m.ownerMu.Unlock()

	m.mu.Lock()

	m.ownerMu.Lock()
	m.owner = gid
	m.count = 1
	m.ownerMu.Unlock()
}

func (m *reentrantMutex) Unlock() {
	m.ownerMu.Lock()
	m.count--
	done := m.count == 0
	if done {
		m.owner = 0
	}
	m.ownerMu.Unlock()

	if done {
		m.mu.Unlock()
	}
}
