package push_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newgrp/pushrelay/push"
)

func TestSetDeviceTokenStoresHex(t *testing.T) {
	r, _ := newRelay(t)

	r.RecordRegistrationFailure(errors.New("no entitlement"))
	assert.Equal(t, "no entitlement", r.Tokens().LastFailure)

	require.NoError(t, r.SetDeviceToken([]byte{0xde, 0xad, 0xbe, 0xef}))
	tokens := r.Tokens()
	assert.Equal(t, "deadbeef", tokens.DeviceToken)
	assert.Equal(t, testTime, tokens.DeviceTokenUpdated)
	assert.Empty(t, tokens.LastFailure)

	assert.Error(t, r.SetDeviceToken(nil))
}

func TestSetRegistrationTokenForwardsChanges(t *testing.T) {
	r, out := newRelay(t)
	ctx := context.Background()

	changed, err := r.SetRegistrationToken(ctx, "fcm-1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.SetRegistrationToken(ctx, "fcm-1")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = r.SetRegistrationToken(ctx, "fcm-2")
	require.NoError(t, err)
	assert.True(t, changed)

	msgs := out.Drain(0)
	require.Len(t, msgs, 2)
	for i, want := range []string{"fcm-1", "fcm-2"} {
		assert.Equal(t, push.MessageToken, msgs[i].Type)
		assert.Equal(t, map[string]string{"token": want}, msgs[i].Data)
	}
	assert.Equal(t, "fcm-2", r.Tokens().RegistrationToken)
}

func TestConcurrentRegistrationTokenChangesForwardInOrder(t *testing.T) {
	const writers = 50
	out := push.NewOutbox(writers)
	r := push.NewRelay(fixedClock{}, out, push.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.SetRegistrationToken(ctx, fmt.Sprintf("fcm-%d", i)); err != nil {
				t.Errorf("Failed to set registration token: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs := out.Drain(0)
	require.Len(t, msgs, writers)
	final := r.Tokens().RegistrationToken
	assert.Equal(t, map[string]string{"token": final}, msgs[len(msgs)-1].Data)
	assert.Equal(t, final, r.ForwardedToken())
}

func TestEmptyRegistrationTokenIsForwardedOnce(t *testing.T) {
	r, out := newRelay(t)
	ctx := context.Background()

	changed, err := r.SetRegistrationToken(ctx, "")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.SetRegistrationToken(ctx, "")
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Len(t, out.Drain(0), 1)
}

func TestTokenRegistryClockFailure(t *testing.T) {
	reg := push.NewTokenRegistry(fixedClock{err: errors.New("stale")})

	assert.Error(t, reg.SetDeviceToken([]byte{1}))
	_, err := reg.SetRegistrationToken("x")
	assert.Error(t, err)
	assert.Equal(t, push.Tokens{}, reg.Tokens())
}
