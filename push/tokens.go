package push

import (
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/newgrp/pushrelay/clock"
	"github.com/newgrp/pushrelay/guard"
)

// The most recent registration state reported by the platform.
type Tokens struct {
	// APNs device token, hex encoded.
	DeviceToken        string    `json:"deviceToken,omitempty"`
	DeviceTokenUpdated time.Time `json:"deviceTokenUpdated"`

	// Firebase registration token.
	RegistrationToken        string    `json:"registrationToken,omitempty"`
	RegistrationTokenUpdated time.Time `json:"registrationTokenUpdated"`

	// Message of the last failed registration, cleared by the next device token.
	LastFailure string `json:"lastFailure,omitempty"`
}

// Keeps the latest tokens. Safe for concurrent use.
type TokenRegistry struct {
	clock clock.Clock
	cell  *guard.Cell[Tokens]
}

func NewTokenRegistry(clk clock.Clock) *TokenRegistry {
	return &TokenRegistry{clock: clk, cell: guard.New(Tokens{})}
}

// Stores the APNs device token.
func (r *TokenRegistry) SetDeviceToken(token []byte) error {
	if len(token) == 0 {
		return fmt.Errorf("device token is empty")
	}
	now, err := r.clock.Now()
	if err != nil {
		return fmt.Errorf("failed to timestamp device token: %w", err)
	}

	encoded := hex.EncodeToString(token)
	r.cell.Do(func(t *Tokens) {
		t.DeviceToken = encoded
		t.DeviceTokenUpdated = now
		t.LastFailure = ""
	})
	return nil
}

// Stores the Firebase registration token. Reports whether it differs from the previous one.
func (r *TokenRegistry) SetRegistrationToken(token string) (bool, error) {
	now, err := r.clock.Now()
	if err != nil {
		return false, fmt.Errorf("failed to timestamp registration token: %w", err)
	}

	return guard.With(r.cell, func(t *Tokens) bool {
		if t.RegistrationToken == token && !t.RegistrationTokenUpdated.IsZero() {
			return false
		}
		t.RegistrationToken = token
		t.RegistrationTokenUpdated = now
		return true
	}), nil
}

// Remembers that registering for remote notifications failed.
func (r *TokenRegistry) RecordRegistrationFailure(cause error) {
	log.Printf("ERROR: Failed to register for remote notifications: %v", cause)
	msg := cause.Error()
	r.cell.Do(func(t *Tokens) { t.LastFailure = msg })
}

// Returns a snapshot of the current tokens.
func (r *TokenRegistry) Tokens() Tokens {
	return r.cell.Get()
}
