package bus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/skipwatch/skipwatch/internal/metrics"
)

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	a := b.Subscribe(4)
	c := b.Subscribe(4)

	b.Publish(Event{Type: EventTrackChanged, Payload: "t1"})

	for _, sub := range []*Subscriber{a, c} {
		select {
		case ev := <-sub.C():
			require.Equal(t, EventTrackChanged, ev.Type)
			require.Equal(t, "t1", ev.Payload)
		default:
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	sub := b.Subscribe(1)
	t.Cleanup(sub.Close)

	initial := getCounterValue(t, metrics.BusDroppedTotal.WithLabelValues(EventPlaybackUpdate, "subscriber_full"))

	b.Publish(Event{Type: EventPlaybackUpdate, Payload: 1})
	b.Publish(Event{Type: EventPlaybackUpdate, Payload: 2}) // buffer full, dropped

	final := getCounterValue(t, metrics.BusDroppedTotal.WithLabelValues(EventPlaybackUpdate, "subscriber_full"))
	require.Greater(t, final, initial, "expected drop counter to increase")

	ev := <-sub.C()
	require.Equal(t, 1, ev.Payload)
	select {
	case extra := <-sub.C():
		t.Fatalf("expected dropped event, received %v", extra)
	default:
	}
}

func TestSubscriberCloseUnregisters(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	sub := b.Subscribe(1)
	sub.Close()
	sub.Close() // idempotent

	_, open := <-sub.C()
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: EventTrackSkipped, Payload: nil})
}

func TestBusCloseTerminatesSubscribers(t *testing.T) {
	b := New()
	sub := b.Subscribe(1)

	b.Close()
	_, open := <-sub.C()
	require.False(t, open)

	// Subscribe after close yields a closed subscriber.
	late := b.Subscribe(1)
	_, open = <-late.C()
	require.False(t, open)

	b.Publish(Event{Type: EventPlaybackUpdate, Payload: nil}) // ignored
}
