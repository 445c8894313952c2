package push_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newgrp/pushrelay/push"
)

func message(i int) push.WebMessage {
	return push.WebMessage{ID: uuid.New(), Type: push.MessagePush, Data: i, QueuedAt: testTime}
}

func TestOutboxDrainsInOrder(t *testing.T) {
	o := push.NewOutbox(10)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, o.Send(ctx, message(i)))
	}

	first := o.Drain(2)
	require.Len(t, first, 2)
	assert.Equal(t, 0, first[0].Data)
	assert.Equal(t, 1, first[1].Data)

	rest := o.Drain(0)
	require.Len(t, rest, 3)
	assert.Equal(t, 2, rest[0].Data)

	assert.Empty(t, o.Drain(0))
	assert.Equal(t, push.OutboxStats{Queued: 0, Dropped: 0, Drained: 5}, o.Stats())
}

func TestOutboxDropsOldestWhenFull(t *testing.T) {
	o := push.NewOutbox(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, o.Send(ctx, message(i)))
	}

	msgs := o.Drain(0)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, i+2, m.Data)
	}
	assert.Equal(t, 2, o.Stats().Dropped)
}

func TestOutboxSendHonorsCancelledContext(t *testing.T) {
	o := push.NewOutbox(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, o.Send(ctx, message(0)), context.Canceled)
	assert.Zero(t, o.Stats().Queued)
}

func TestOutboxWaitReturnsWhenQueued(t *testing.T) {
	o := push.NewOutbox(3)
	require.NoError(t, o.Send(context.Background(), message(0)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, o.Wait(ctx))
}

func TestOutboxWaitWakesOnSend(t *testing.T) {
	o := push.NewOutbox(3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.Wait(ctx) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, o.Send(context.Background(), message(7)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait did not return after a message was queued")
	}
	assert.Len(t, o.Drain(0), 1)
}

func TestOutboxWaitTimesOut(t *testing.T) {
	o := push.NewOutbox(3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Wait(ctx), context.DeadlineExceeded)
}

func TestOutboxConcurrentSendAndDrain(t *testing.T) {
	const total = 1000
	o := push.NewOutbox(total)
	ctx := context.Background()

	go func() {
		for i := 0; i < total; i++ {
			o.Send(ctx, message(i))
		}
	}()

	var got []push.WebMessage
	deadline := time.After(5 * time.Second)
	for len(got) < total {
		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := o.Wait(waitCtx)
		cancel()
		require.NoError(t, err)
		got = append(got, o.Drain(0)...)

		select {
		case <-deadline:
			t.Fatalf("Only drained %d of %d messages", len(got), total)
		default:
		}
	}

	for i, m := range got {
		require.Equal(t, i, m.Data)
	}
}
