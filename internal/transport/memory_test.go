package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_DrainDispatchesInOrderAndReplies(t *testing.T) {
	bus := NewMemory()
	d := &echoDispatcher{}
	ctx := context.Background()

	require.NoError(t, bus.Submit(ctx, testEnvelope("first", "reply-1")))
	require.NoError(t, bus.Submit(ctx, testEnvelope("second", "")))
	assert.Equal(t, 2, bus.Pending())

	n, err := bus.Drain(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, bus.Pending())

	seen := d.Seen()
	require.Len(t, seen, 2)
	assert.Equal(t, "first", seen[0].Action)
	assert.Equal(t, "second", seen[1].Action)

	replies := bus.Replies("reply-1")
	require.Len(t, replies, 1)
	assert.Equal(t, "corr-first", replies[0].CorrelationID)
	assert.Equal(t, "first", replies[0].Fields()["action"])
}

func TestMemory_DispatchErrorIsLoggedNotReplied(t *testing.T) {
	bus := NewMemory()
	d := &echoDispatcher{err: errors.New("decode failed")}
	ctx := context.Background()

	require.NoError(t, bus.Submit(ctx, testEnvelope("broken", "reply-1")))
	_, err := bus.Drain(ctx, d)
	require.NoError(t, err)
	assert.Empty(t, bus.Replies("reply-1"))
}

func TestMemory_ConsumeUntilClosed(t *testing.T) {
	bus := NewMemory()
	d := &echoDispatcher{}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- bus.Consume(ctx, d) }()

	require.NoError(t, bus.Submit(ctx, testEnvelope("one", "r")))
	require.Eventually(t, func() bool { return len(d.Seen()) == 1 }, time.Second, time.Millisecond)

	bus.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after Close")
	}

	assert.ErrorIs(t, bus.Submit(ctx, testEnvelope("late", "")), ErrClosed)
}

func TestMemory_ConsumeStopsOnCancel(t *testing.T) {
	bus := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- bus.Consume(ctx, &echoDispatcher{}) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestMemory_EventsAndIdentity(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	require.NoError(t, bus.PublishEvent(ctx, "evenement.Landing.applicationMaj", map[string]any{"application_id": "app-1"}))
	require.NoError(t, bus.EmitLocalIdentity(ctx))

	events := bus.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "evenement.Landing.applicationMaj", events[0].Topic)
	assert.JSONEq(t, `{"application_id":"app-1"}`, string(events[0].Payload))
	assert.Equal(t, IdentityTopic, events[1].Topic)
	assert.Contains(t, string(events[1].Payload), "instance_id")
}

func TestMemory_PublishRejectsUnencodable(t *testing.T) {
	bus := NewMemory()
	err := bus.PublishEvent(context.Background(), "t", make(chan int))
	assert.Error(t, err)
	assert.Empty(t, bus.Events())
}

func TestMemory_HousekeepingFlags(t *testing.T) {
	bus := NewMemory()
	ctx := context.Background()

	assert.False(t, bus.IsBulkRebuildActive(ctx))
	bus.SetBulkRebuild(true)
	assert.True(t, bus.IsBulkRebuildActive(ctx))

	require.NoError(t, bus.RefreshTrustMaterial(ctx))
	require.NoError(t, bus.RefreshTrustMaterial(ctx))
	assert.Equal(t, int64(2), bus.Refreshes())

	assert.Error(t, bus.ResubmitPendingTransactions(ctx, []string{"Landing"}), "no resubmitter configured")
}

func TestMemory_ResubmitQueuesTransactions(t *testing.T) {
	s, clock := setupStore(t)
	recordPending(t, s, "tx-1", "sauvegarderApplication", "u1")
	clock.Advance(time.Hour)

	bus := NewMemory(WithResubmitter(NewResubmitter(s, time.Minute, WithResubmitClock(clock.Now))))
	ctx := context.Background()

	require.NoError(t, bus.ResubmitPendingTransactions(ctx, []string{"Landing"}))
	assert.Equal(t, 1, bus.Pending())

	d := &echoDispatcher{}
	_, err := bus.Drain(ctx, d)
	require.NoError(t, err)
	require.Len(t, d.Seen(), 1)
	assert.Equal(t, "tx-1", d.Seen()[0].ID)
}
