//go:build guarddebug

package guard

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// Whether reentrant acquisition is detected. Set by the guarddebug build tag.
const Debug = true

// A mutex that remembers which goroutine holds it, so that a goroutine locking it twice panics
// rather than hanging forever.
type mutex struct {
	mu    sync.Mutex
	owner atomic.Int64
}

func (m *mutex) Lock() {
	gid := goroutineID()
	// Only the holder ever stores its own id, so a match means this goroutine holds the lock.
	if gid != 0 && m.owner.Load() == gid {
		panic(fmt.Sprintf("guard: reentrant acquisition by goroutine %d", gid))
	}
	m.mu.Lock()
	m.owner.Store(gid)
}

func (m *mutex) Unlock() {
	m.owner.Store(0)
	m.mu.Unlock()
}

// Returns the id of the calling goroutine, or 0 if it cannot be determined.
func goroutineID() int64 {
	// The first line of the trace reads "goroutine 123 [running]:".
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

func parseGoroutineID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}

	var gid int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}
