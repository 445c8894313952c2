// Package guard provides a mutex-protected value cell.
//
// A Cell owns exactly one value and serializes every access to it. The lock is not reentrant:
// touching a cell from inside an operation running on that same cell deadlocks. Builds with the
// guarddebug tag detect this and panic instead.
//
// Waiters are not served in any particular order, and acquisition cannot time out or be
// cancelled. Operations passed to With, WithErr and Do must be short and must not block.
package guard

// A synchronized cell containing a value of type V.
//
// The zero Cell holds the zero value of V and is ready to use. A Cell must not be copied after
// first use.
type Cell[V any] struct {
	mu    mutex
	value V
}

// Constructs a new cell with the given initial value.
func New[V any](value V) *Cell[V] {
	return &Cell[V]{value: value}
}

// Returns the value contained within the cell.
//
// The result is a shallow copy that was current at some instant during the call. It may be stale
// by the time the caller looks at it.
func (c *Cell[V]) Get() V {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.value
}

// Stores a new value in the cell, replacing the old value.
func (c *Cell[V]) Put(value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = value
}

// Runs op with exclusive access to the value.
func (c *Cell[V]) Do(op func(*V)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	op(&c.value)
}

// Runs op with exclusive access to the value held by c and returns its result.
//
// The lock is released however op exits, including by panic. op must not retain the pointer it is
// given, and must not access c.
func With[V, R any](c *Cell[V], op func(*V) R) R {
	c.mu.Lock()
	defer c.mu.Unlock()

	return op(&c.value)
}

// As With, for operations that can fail. The error is returned unchanged, after the lock has been
// released.
func WithErr[V, R any](c *Cell[V], op func(*V) (R, error)) (R, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return op(&c.value)
}
