package progress_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-studio-backend/internal/progress"
)

func TestMemoryBusDeliversInOrder(t *testing.T) {
	bus := progress.NewMemoryBus()
	defer bus.Close()

	events, unsubscribe := bus.Subscribe("user-1")
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), "user-1",
			progress.DownloadProgress("task-1", i*20, fmt.Sprintf("%d files", i))))
	}

	for i := 0; i < 5; i++ {
		event := <-events
		assert.Equal(t, progress.EventDownloadProgress, event.Type)
		require.NotNil(t, event.Progress)
		assert.Equal(t, i*20, *event.Progress)
	}
}

func TestMemoryBusIsolatesUsers(t *testing.T) {
	bus := progress.NewMemoryBus()
	defer bus.Close()

	chA, cancelA := bus.Subscribe("user-a")
	defer cancelA()
	chB, cancelB := bus.Subscribe("user-b")
	defer cancelB()

	require.NoError(t, bus.Publish(context.Background(), "user-a", progress.DownloadStarted("task-1", "target-1")))

	event := <-chA
	assert.Equal(t, "task-1", event.TaskID)
	select {
	case e := <-chB:
		t.Fatalf("user-b received foreign event %+v", e)
	default:
	}
}

func TestMemoryBusDropsWhenSubscriberFull(t *testing.T) {
	bus := progress.NewMemoryBus()
	defer bus.Close()

	events, unsubscribe := bus.Subscribe("user-1")
	defer unsubscribe()

	// Publish more than the subscriber buffer without draining; the
	// overflow is dropped, publishers never block.
	for i := 0; i < 200; i++ {
		require.NoError(t, bus.Publish(context.Background(), "user-1", progress.DownloadError("task-1", "boom")))
	}

	received := 0
	for {
		select {
		case <-events:
			received++
			continue
		default:
		}
		break
	}
	assert.Greater(t, received, 0)
	assert.Less(t, received, 200)
}

func TestMemoryBusPublishWithoutSubscribers(t *testing.T) {
	bus := progress.NewMemoryBus()
	defer bus.Close()
	assert.NoError(t, bus.Publish(context.Background(), "nobody", progress.PreviewFinal("task-1", "http://example/preview.png")))
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := progress.NewMemoryBus()
	defer bus.Close()

	events, unsubscribe := bus.Subscribe("user-1")
	unsubscribe()
	unsubscribe() // idempotent

	_, ok := <-events
	assert.False(t, ok)
}

func TestEventJSONShape(t *testing.T) {
	event := progress.DownloadComplete("task-1", []progress.FileRecord{
		{Path: "target/a.fits", Size: 42, Success: true},
		{Path: "target/b.fits", Success: false},
	})
	assert.Equal(t, progress.EventDownloadComplete, event.Type)
	assert.Len(t, event.Files, 2)
	assert.Nil(t, event.Progress)
}
