package push

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Default number of delivery keys remembered for duplicate suppression.
const DefaultDedupWindow = 1024

// A bounded set of recently seen keys. The oldest key is forgotten first.
type dedupWindow struct {
	keys map[string]struct{}
	ring []string
	next int
}

func newDedupWindow(size int) dedupWindow {
	if size <= 0 {
		size = DefaultDedupWindow
	}
	return dedupWindow{
		keys: make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

// Adds key to the window. Returns false if it was already present.
func (w *dedupWindow) add(key string) bool {
	if _, ok := w.keys[key]; ok {
		return false
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.keys, old)
	}
	w.ring[w.next] = key
	w.next = (w.next + 1) % len(w.ring)
	w.keys[key] = struct{}{}
	return true
}

// Returns the message ID carried in a payload, or "" if there is none.
func messageID(payload map[string]any) string {
	v, ok := payload[MessageIDKey]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Returns the key identifying a delivery event, or "" if the event cannot be recognized again.
//
// Presenting a notification and tapping it are separate events, so the kind is part of the key.
// Only the message ID identifies an event: two pushes with the same body are still two pushes.
func dedupKey(n *Notification) string {
	if n.MessageID == "" {
		return ""
	}
	kind := "push"
	if n.Click {
		kind = "click"
	}
	return fmt.Sprintf("%s:id:%s", kind, n.MessageID)
}

// Returns the hex BLAKE2b-256 digest of a payload's JSON encoding. The encoding is stable because
// encoding/json sorts map keys.
func payloadDigest(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
