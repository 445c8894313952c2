//go:build !guarddebug

package guard

import "sync"

// Whether reentrant acquisition is detected. Set by the guarddebug build tag.
const Debug = false

// sync.Mutex spins briefly before parking and does not queue waiters fairly, which is the same
// trade-off the cell wants.
type mutex struct {
	sync.Mutex
}
