package bus

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unigate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var received int32
	eb.On(domain.EventMessageReceived, func(e domain.Event) {
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(domain.Event{Kind: domain.EventMessageReceived})
	eb.Emit(domain.Event{Kind: domain.EventSessionReady})

	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	eb.On(Wildcard, func(e domain.Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(domain.Event{Kind: domain.EventSessionReady})
	eb.Emit(domain.Event{Kind: domain.EventSessionLost})

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	id := eb.On(domain.EventSessionReady, func(e domain.Event) {
		atomic.AddInt32(&count, 1)
	})
	other := eb.On(domain.EventSessionReady, func(e domain.Event) {})
	assert.NotEqual(t, id, other)

	eb.Emit(domain.Event{Kind: domain.EventSessionReady})
	eb.Off(domain.EventSessionReady, id)
	eb.Emit(domain.Event{Kind: domain.EventSessionReady})

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestEventBus_PanicIsolated(t *testing.T) {
	eb := NewEventBus(testLogger())

	var after int32
	eb.On(Wildcard, func(e domain.Event) { panic("boom") })
	eb.On(Wildcard, func(e domain.Event) { atomic.AddInt32(&after, 1) })

	require.NotPanics(t, func() { eb.Emit(domain.Event{Kind: domain.EventSessionLost}) })
	assert.Equal(t, int32(1), atomic.LoadInt32(&after))
}

func TestInMemoryBus_PreservesOrder(t *testing.T) {
	b := New(16, testLogger())
	for i := 0; i < 10; i++ {
		b.Publish(domain.Event{Kind: domain.EventMessageReceived, Platform: domain.PhotoDM, Reason: string(rune('a' + i))})
	}
	b.Close()

	var got string
	for e := range b.Subscribe() {
		got += e.Reason
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, "abcdefghij", got)
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close()
	require.NotPanics(t, func() { b.Publish(domain.Event{Kind: domain.EventSessionReady}) })
}

func TestInMemoryBus_FullQueueDropsAfterTimeout(t *testing.T) {
	b := New(1, testLogger())
	b.publishTimeout = 20 * time.Millisecond

	b.Publish(domain.Event{Kind: domain.EventSessionReady, Reason: "first"})
	start := time.Now()
	b.Publish(domain.Event{Kind: domain.EventSessionReady, Reason: "second"})
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.Equal(t, 1, b.Len())
	e := <-b.Subscribe()
	assert.Equal(t, "first", e.Reason)
}
