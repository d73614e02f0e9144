package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishOrdersHandlersByPriorityThenInsertion(t *testing.T) {
	b := New(Config{})
	var order []string
	var mu sync.Mutex

	record := func(name string) Handler {
		return func(ctx context.Context, evt *Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	b.Subscribe(TypeStepStarted, record("low"), 0, nil)
	b.Subscribe(TypeStepStarted, record("high"), 10, nil)
	b.Subscribe(TypeStepStarted, record("mid"), 5, nil)

	b.Publish(context.Background(), NewEvent(TypeStepStarted, "test", nil))

	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestStopPropagationHaltsRemainingHandlers(t *testing.T) {
	b := New(Config{})
	var calledSecond bool

	b.Subscribe(TypeStepStarted, func(ctx context.Context, evt *Event) error {
		evt.StopPropagation()
		return nil
	}, 10, nil)
	b.Subscribe(TypeStepStarted, func(ctx context.Context, evt *Event) error {
		calledSecond = true
		return nil
	}, 0, nil)

	b.Publish(context.Background(), NewEvent(TypeStepStarted, "test", nil))

	assert.False(t, calledSecond)
}

func TestHandlerErrorDoesNotAbortDispatch(t *testing.T) {
	b := New(Config{})
	var secondRan bool

	b.Subscribe(TypeStepFailed, func(ctx context.Context, evt *Event) error {
		return assert.AnError
	}, 10, nil)
	b.Subscribe(TypeStepFailed, func(ctx context.Context, evt *Event) error {
		secondRan = true
		return nil
	}, 0, nil)

	evt := NewEvent(TypeStepFailed, "test", nil)
	b.Publish(context.Background(), evt)

	assert.True(t, secondRan)
	require.Len(t, evt.Deliveries(), 2)
	assert.Error(t, evt.Deliveries()[0].Err)
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	b := New(Config{})
	evt := NewEvent(TypeStepFailed, "test", nil)

	b.Subscribe(TypeStepFailed, func(ctx context.Context, evt *Event) error {
		panic("boom")
	}, 0, nil)

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), evt)
	})
	require.Len(t, evt.Deliveries(), 1)
	assert.Error(t, evt.Deliveries()[0].Err)
}

func TestAsyncPublishDispatchesConcurrently(t *testing.T) {
	b := New(Config{})
	var wg sync.WaitGroup
	wg.Add(2)

	b.Subscribe(TypeStepStarted, func(ctx context.Context, evt *Event) error {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		return nil
	}, 0, nil)
	b.Subscribe(TypeStepStarted, func(ctx context.Context, evt *Event) error {
		defer wg.Done()
		return nil
	}, 0, nil)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	b.Publish(context.Background(), NewEvent(TypeStepStarted, "test", nil).WithAsync())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handlers did not complete")
	}
}

func TestFilterExcludesNonMatchingEvents(t *testing.T) {
	b := New(Config{})
	var called bool

	onlyCritical := func(evt *Event) bool {
		return evt.Data["level"] == "critical"
	}
	b.Subscribe(TypeResourceAlert, func(ctx context.Context, evt *Event) error {
		called = true
		return nil
	}, 0, onlyCritical)

	b.Publish(context.Background(), NewEvent(TypeResourceAlert, "test", map[string]any{"level": "warn"}))
	assert.False(t, called)

	b.Publish(context.Background(), NewEvent(TypeResourceAlert, "test", map[string]any{"level": "critical"}))
	assert.True(t, called)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(Config{})
	var count int

	sub := b.Subscribe(TypeStepStarted, func(ctx context.Context, evt *Event) error {
		count++
		return nil
	}, 0, nil)

	b.Publish(context.Background(), NewEvent(TypeStepStarted, "test", nil))
	b.Unsubscribe(sub)
	b.Publish(context.Background(), NewEvent(TypeStepStarted, "test", nil))

	assert.Equal(t, 1, count)
}

func TestHistoryRetainsEventsPerTypeWithinWindow(t *testing.T) {
	b := New(Config{HistorySize: 5})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		evt := NewEvent(TypeStepSucceeded, "test", nil)
		evt.Timestamp = base.Add(time.Duration(i) * time.Minute)
		b.Publish(context.Background(), evt)
	}

	all := b.History(TypeStepSucceeded, time.Time{}, time.Time{})
	require.Len(t, all, 3)

	windowed := b.History(TypeStepSucceeded, base.Add(90*time.Second), time.Time{})
	require.Len(t, windowed, 1)
}

func TestHistoryCapsAtConfiguredSize(t *testing.T) {
	b := New(Config{HistorySize: 2})
	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), NewEvent(TypeStepSucceeded, "test", nil))
	}
	assert.Len(t, b.History(TypeStepSucceeded, time.Time{}, time.Time{}), 2)
}

func TestPublishBatchPreservesPerTypeOrder(t *testing.T) {
	b := New(Config{})
	var order []int
	var mu sync.Mutex

	b.Subscribe(TypeStepStarted, func(ctx context.Context, evt *Event) error {
		mu.Lock()
		order = append(order, evt.Data["idx"].(int))
		mu.Unlock()
		return nil
	}, 0, nil)

	events := make([]*Event, 0, 10)
	for i := 0; i < 10; i++ {
		events = append(events, NewEvent(TypeStepStarted, "test", map[string]any{"idx": i}))
	}
	b.PublishBatch(context.Background(), events)

	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}
