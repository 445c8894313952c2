// Package clock provides a secure clock using NTS.
package clock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newgrp/pushrelay/guard"
)

// How old NTS measurements are allowed to be.
const ntsStaleThreshold = 6 * time.Hour

var ErrStale = errors.New("NTS time is too stale")

// A source of the current time.
type Clock interface {
	Now() (time.Time, error)
}

// NTS-backed secure clock.
type SecureClock struct {
	cell   *guard.Cell[clockReading]
	status *guard.Cell[Status]
}

// Constructs a new secure clock using the given NTS servers.
//
// The clock keeps polling in the background until ctx is done. After that, Now keeps working from
// the last reading until it goes stale.
func NewSecureClock(ctx context.Context, ntsAddrs []string) (*SecureClock, error) {
	poller, err := newPoller(ntsAddrs)
	if err != nil {
		return nil, err
	}
	go poller.PollLoop(ctx)

	return &SecureClock{cell: poller.Cell(), status: poller.status}, nil
}

// Returns a secure estimate of the current time.
//
// Now computes the current time as the last time obtained from the NTS server,
// plus the difference in monotonic clock readings between when Now is called
// and when the NTS response was obtained. When uncertainty arises, Now prefers
// to err on the side of underestimating the current time.
func (c *SecureClock) Now() (time.Time, error) {
	last := c.cell.Get()

	// time.Since uses the system monotic clock, rather than the realtime clock,
	// so we are not significantly exposed to NTP attacks on the system clock.
	delta := time.Since(last.system)
	if delta >= ntsStaleThreshold {
		return time.Time{}, fmt.Errorf("%w: last reading is %s old", ErrStale, delta.Truncate(time.Second))
	}
	return last.nts.Add(delta), nil
}

// Reports the health of the background poller.
func (c *SecureClock) Status() Status {
	s := c.status.Get()
	s.ReadingAge = time.Since(c.cell.Get().system)
	return s
}

// The local system clock. Used when no NTS server is configured.
type System struct{}

func (System) Now() (time.Time, error) {
	return time.Now(), nil
}
