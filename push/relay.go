package push

import (
	"context"
	"fmt"
	"log"
	"maps"

	"github.com/google/uuid"

	"github.com/newgrp/pushrelay/clock"
	"github.com/newgrp/pushrelay/guard"
)

// Relay options.
type Options struct {
	// Number of recent deliveries remembered for duplicate suppression. Defaults to
	// DefaultDedupWindow.
	DedupWindow int
}

// Delivery counters.
type Stats struct {
	Delivered  map[Channel]int `json:"delivered"`
	Duplicates int             `json:"duplicates"`
	SinkErrors int             `json:"sinkErrors"`
}

// Relays notifications and token changes to a web view sink.
//
// Every method may be called concurrently. Each event is forwarded at most once; no order is
// guaranteed between events arriving through different channels.
type Relay struct {
	id     uuid.UUID
	clock  clock.Clock
	sink   Sink
	tokens *TokenRegistry

	seen  *guard.Cell[dedupWindow]
	stats *guard.Cell[Stats]
	// Last registration token sent to the sink. Held while a token change is stored and forwarded,
	// so token messages reach the sink in the order the registry saw them.
	forwardedToken *guard.Cell[string]
}

// Constructs a relay that timestamps events with clk and forwards them to sink.
func NewRelay(clk clock.Clock, sink Sink, opts Options) *Relay {
	return &Relay{
		id:     uuid.New(),
		clock:  clk,
		sink:   sink,
		tokens: NewTokenRegistry(clk),
		seen:   guard.New(newDedupWindow(opts.DedupWindow)),
		stats:  guard.New(Stats{Delivered: make(map[Channel]int)}),

		forwardedToken: guard.New(""),
	}
}

// Random ID of this relay instance.
func (r *Relay) ID() uuid.UUID {
	return r.id
}

// Accepts a notification delivered through channel ch.
//
// Returns ErrDuplicate, along with the rejected notification, if an event with the same message ID
// and kind was already delivered. Payloads without a message ID are always forwarded. A sink
// failure is returned wrapped and is not retried; the event still counts as delivered for duplicate
// suppression.
func (r *Relay) Deliver(ctx context.Context, ch Channel, payload map[string]any) (Notification, error) {
	if _, err := ParseChannel(string(ch)); err != nil {
		return Notification{}, err
	}
	if payload == nil {
		payload = map[string]any{}
	}

	now, err := r.clock.Now()
	if err != nil {
		return Notification{}, fmt.Errorf("failed to determine receipt time: %w", err)
	}

	digest, err := payloadDigest(payload)
	if err != nil {
		return Notification{}, err
	}

	n := Notification{
		ID:         uuid.New(),
		MessageID:  messageID(payload),
		Channel:    ch,
		Click:      ch == ChannelTap,
		Payload:    payload,
		Digest:     digest,
		ReceivedAt: now,
	}
	if n.MessageID != "" {
		log.Printf("Message ID (%s): %s", ch, n.MessageID)
	} else {
		log.Printf("Notification without message ID (%s): %s", ch, n.Digest)
	}

	if key := dedupKey(&n); key != "" {
		if fresh := guard.With(r.seen, func(w *dedupWindow) bool { return w.add(key) }); !fresh {
			r.stats.Do(func(s *Stats) { s.Duplicates++ })
			return n, fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
	}

	msg := WebMessage{ID: uuid.New(), Type: n.messageType(), Data: n, QueuedAt: now}
	if err := r.sink.Send(ctx, msg); err != nil {
		r.stats.Do(func(s *Stats) { s.SinkErrors++ })
		return n, fmt.Errorf("failed to forward notification %s: %w", n.ID, err)
	}

	r.stats.Do(func(s *Stats) { s.Delivered[ch]++ })
	return n, nil
}

// Stores the APNs device token.
func (r *Relay) SetDeviceToken(token []byte) error {
	return r.tokens.SetDeviceToken(token)
}

// Stores the Firebase registration token and forwards it to the web view if it changed.
//
// Concurrent changes are forwarded one at a time, so the last token message the web view sees is
// the token the registry ends up with.
func (r *Relay) SetRegistrationToken(ctx context.Context, token string) (bool, error) {
	return guard.WithErr(r.forwardedToken, func(forwarded *string) (bool, error) {
		changed, err := r.tokens.SetRegistrationToken(token)
		if err != nil || !changed {
			return changed, err
		}
		log.Printf("Firebase registration token changed")

		now, err := r.clock.Now()
		if err != nil {
			return true, fmt.Errorf("failed to timestamp token message: %w", err)
		}
		msg := WebMessage{
			ID:       uuid.New(),
			Type:     MessageToken,
			Data:     map[string]string{"token": token},
			QueuedAt: now,
		}
		if err := r.sink.Send(ctx, msg); err != nil {
			r.stats.Do(func(s *Stats) { s.SinkErrors++ })
			return true, fmt.Errorf("failed to forward registration token: %w", err)
		}
		*forwarded = token
		return true, nil
	})
}

// Returns the registration token most recently forwarded to the web view.
func (r *Relay) ForwardedToken() string {
	return r.forwardedToken.Get()
}

// Remembers that registering for remote notifications failed.
func (r *Relay) RecordRegistrationFailure(cause error) {
	r.tokens.RecordRegistrationFailure(cause)
}

// Returns a snapshot of the current tokens.
func (r *Relay) Tokens() Tokens {
	return r.tokens.Tokens()
}

// Returns a snapshot of the delivery counters.
func (r *Relay) Stats() Stats {
	return guard.With(r.stats, func(s *Stats) Stats {
		out := *s
		out.Delivered = maps.Clone(s.Delivered)
		return out
	})
}
