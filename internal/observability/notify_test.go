package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func notice(id string) FailureNotice {
	return FailureNotice{EntryID: id, GroupKey: "g", Kind: "create", Message: "boom",
		OccurredAt: time.UnixMilli(1_700_000_000_000)}
}

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewInMemoryNotificationBus(4)
	defer bus.Close()
	ctx := context.Background()

	first, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	second, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, notice("e1")))

	for _, ch := range []<-chan FailureNotice{first, second} {
		select {
		case got := <-ch:
			require.Equal(t, "e1", got.EntryID)
		case <-time.After(time.Second):
			t.Fatal("notice not delivered")
		}
	}
}

func TestBusSkipsFullSubscribers(t *testing.T) {
	bus := NewInMemoryNotificationBus(1)
	defer bus.Close()
	ctx := context.Background()

	_, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	// The second publish overflows the buffer and is dropped, not blocked on.
	require.NoError(t, bus.Publish(ctx, notice("e1")))
	require.NoError(t, bus.Publish(ctx, notice("e2")))
}

func TestBusRejectsPublishAfterClose(t *testing.T) {
	bus := NewInMemoryNotificationBus(1)
	bus.Close()
	require.Error(t, bus.Publish(context.Background(), notice("e1")))
}

func TestSubscriberChannelClosesWithContext(t *testing.T) {
	bus := NewInMemoryNotificationBus(1)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestDeadLetterLogDropsOldestAtCapacity(t *testing.T) {
	dlq := NewDeadLetterLog(2)
	dlq.Offer(notice("e1"))
	dlq.Offer(notice("e2"))
	dlq.Offer(notice("e3"))

	require.Equal(t, 2, dlq.Len())
	drained := dlq.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, "e2", drained[0].EntryID)
	require.Equal(t, "e3", drained[1].EntryID)
	require.Zero(t, dlq.Len())
}

func TestRuntimeMetricsAccumulates(t *testing.T) {
	metrics := NewRuntimeMetrics()
	metrics.IncCounter("drained", 2, nil)
	metrics.IncCounter("drained", 3, nil)
	metrics.SetGauge("depth", 7, nil)
	metrics.SetGauge("depth", 4, nil)

	require.Equal(t, float64(5), metrics.Counter("drained"))
	require.Equal(t, float64(4), metrics.Gauge("depth"))
}
