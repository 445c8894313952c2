// Package push relays platform push notifications to a web view.
//
// Deliveries arrive concurrently from several platform callbacks. The relay keeps the latest
// tokens, filters out events it has already forwarded, and hands everything else to a Sink.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload key under which Firebase puts its message ID.
const MessageIDKey = "gcm.message_id"

var (
	ErrDuplicate      = errors.New("notification was already delivered")
	ErrUnknownChannel = errors.New("unknown delivery channel")
)

// The platform callback a notification arrived through.
type Channel string

const (
	// Remote notification delivered without a fetch completion handler.
	ChannelBackground Channel = "background"
	// Remote notification delivered with a fetch completion handler.
	ChannelFetch Channel = "fetch"
	// Notification about to be presented while the app is in the foreground.
	ChannelForeground Channel = "foreground"
	// The user tapped a notification.
	ChannelTap Channel = "tap"
)

var channels = []Channel{ChannelBackground, ChannelFetch, ChannelForeground, ChannelTap}

// Parses a channel name.
func ParseChannel(s string) (Channel, error) {
	for _, c := range channels {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownChannel, s)
}

// Kinds of message sent to the web view.
const (
	MessagePush      = "push"
	MessagePushClick = "push_click"
	MessageToken     = "token"
)

// A notification accepted by the relay.
//
// The payload is shared with the web view message built from it and must not be modified after
// delivery.
type Notification struct {
	ID        uuid.UUID      `json:"id"`
	MessageID string         `json:"messageID,omitempty"`
	Channel   Channel        `json:"channel"`
	Click     bool           `json:"click"`
	Payload   map[string]any `json:"payload"`
	// BLAKE2b-256 of the payload, for correlating log lines with what the web view received.
	Digest     string    `json:"digest"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Returns the web view message type for the notification.
func (n *Notification) messageType() string {
	if n.Click {
		return MessagePushClick
	}
	return MessagePush
}

// A message waiting to be picked up by the web view.
type WebMessage struct {
	ID       uuid.UUID `json:"id"`
	Type     string    `json:"type"`
	Data     any       `json:"data"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Receives messages bound for the web view.
type Sink interface {
	Send(ctx context.Context, msg WebMessage) error
}
