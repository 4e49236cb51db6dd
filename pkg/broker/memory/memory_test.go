package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fwbackups/fwbackupd/pkg/broker"
)

func TestBusDeliversInOrder(t *testing.T) {
	b, err := NewBus(WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer b.Disconnect()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	require.NoError(t, b.Subscribe([]string{broker.TopicEvents}, func(e broker.Event) error {
		mu.Lock()
		got = append(got, string(e.Payload))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	}))

	for _, msg := range []string{"started", "progress", "finished"} {
		require.NoError(t, b.Publish(broker.TopicEvents, msg))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"started", "progress", "finished"}, got)
}

func TestBusTopicIsolation(t *testing.T) {
	b, err := NewBus(WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer b.Disconnect()

	delivered := make(chan string, 8)
	require.NoError(t, b.Subscribe([]string{"a"}, func(e broker.Event) error {
		delivered <- e.Topic
		return nil
	}))

	require.NoError(t, b.Publish("b", "ignored"))
	require.NoError(t, b.Publish("a", "seen"))

	select {
	case topic := <-delivered:
		assert.Equal(t, "a", topic)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	select {
	case topic := <-delivered:
		t.Fatalf("unexpected delivery on topic %q", topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusSlowListenerNeverBlocksPublisher(t *testing.T) {
	b, err := NewBus(WithLogger(zap.NewNop()), WithBufferSize(2))
	require.NoError(t, err)
	defer b.Disconnect()

	block := make(chan struct{})
	require.NoError(t, b.Subscribe([]string{broker.TopicEvents}, func(e broker.Event) error {
		<-block
		return nil
	}))

	// Far more events than the queue holds; Publish must return promptly
	// every time, dropping the oldest as needed.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			_ = b.Publish(broker.TopicEvents, "event")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow listener")
	}
	close(block)
}

func TestBusSubscribeValidation(t *testing.T) {
	b, err := NewBus(WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer b.Disconnect()

	assert.Error(t, b.Subscribe(nil, func(broker.Event) error { return nil }))
}

func TestBusDisconnect(t *testing.T) {
	b, err := NewBus(WithLogger(zap.NewNop()))
	require.NoError(t, err)

	require.NoError(t, b.Disconnect())
	assert.Error(t, b.Publish(broker.TopicEvents, "late"))
	assert.Error(t, b.Subscribe([]string{broker.TopicEvents}, func(broker.Event) error { return nil }))

	// Idempotent.
	require.NoError(t, b.Disconnect())
}

func TestWithBufferSizeValidation(t *testing.T) {
	_, err := NewBus(WithBufferSize(0))
	assert.Error(t, err)
}
