package push

import (
	"context"
	"log"
	"slices"

	"github.com/newgrp/pushrelay/guard"
)

// Default number of messages an outbox holds before dropping the oldest.
const DefaultOutboxCapacity = 256

// Outbox counters.
type OutboxStats struct {
	Queued  int `json:"queued"`
	Dropped int `json:"dropped"`
	Drained int `json:"drained"`
}

type outboxState struct {
	queue []WebMessage
	// Closed and replaced whenever a message is queued.
	wake    chan struct{}
	dropped int
	drained int
}

// A bounded in-memory queue of messages for a web view that polls for them.
type Outbox struct {
	capacity int
	state    *guard.Cell[outboxState]
}

var _ Sink = (*Outbox)(nil)

// Constructs an outbox holding at most capacity messages.
func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Outbox{
		capacity: capacity,
		state:    guard.New(outboxState{wake: make(chan struct{})}),
	}
}

// Queues msg. If the outbox is full, the oldest message is dropped.
func (o *Outbox) Send(ctx context.Context, msg WebMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dropped := guard.With(o.state, func(s *outboxState) bool {
		full := len(s.queue) >= o.capacity
		if full {
			s.queue = slices.Delete(s.queue, 0, 1)
			s.dropped++
		}
		s.queue = append(s.queue, msg)
		close(s.wake)
		s.wake = make(chan struct{})
		return full
	})
	if dropped {
		log.Printf("ERROR: Outbox is full (%d messages), dropped the oldest message", o.capacity)
	}
	return nil
}

// Removes and returns up to limit queued messages, oldest first. A limit of zero or less drains
// everything.
func (o *Outbox) Drain(limit int) []WebMessage {
	return guard.With(o.state, func(s *outboxState) []WebMessage {
		n := len(s.queue)
		if limit > 0 && limit < n {
			n = limit
		}
		out := slices.Clone(s.queue[:n])
		s.queue = slices.Delete(s.queue, 0, n)
		s.drained += n
		return out
	})
}

// Blocks until at least one message is queued or ctx is done.
func (o *Outbox) Wait(ctx context.Context) error {
	for {
		// A nil channel means messages are already waiting.
		wake := guard.With(o.state, func(s *outboxState) <-chan struct{} {
			if len(s.queue) > 0 {
				return nil
			}
			return s.wake
		})
		if wake == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Returns a snapshot of the outbox counters.
func (o *Outbox) Stats() OutboxStats {
	return guard.With(o.state, func(s *outboxState) OutboxStats {
		return OutboxStats{Queued: len(s.queue), Dropped: s.dropped, Drained: s.drained}
	})
}
