package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Handler processes a delivered event. A returned error is captured on the
// event's delivery record and surfaced as an ErrorEvent; it never aborts
// dispatch to the remaining handlers.
type Handler func(ctx context.Context, evt *Event) error

// Filter decides whether a handler wants a particular event. Evaluated
// before priority ordering so a rejected event costs nothing beyond the
// check itself.
type Filter func(evt *Event) bool

// Subscription is the opaque handle returned by Subscribe, used only to
// unsubscribe later.
type Subscription struct {
	id       string
	eventTyp Type
}

type subscriber struct {
	id       string
	priority int
	seq      int
	handler  Handler
	filter   Filter
}

// Config controls bus-wide defaults.
type Config struct {
	// HistorySize caps the number of retained events per type. Zero uses
	// DefaultHistorySize.
	HistorySize int
	// DispatchTimeout is the deadline set on the context passed to each
	// handler invocation. The bus does not abandon a handler that ignores
	// its context: a synchronous publish waits for every handler to return.
	DispatchTimeout time.Duration
	Logger          *zap.Logger
}

// DefaultHistorySize is the default number of retained events per type.
const DefaultHistorySize = 1000

// DefaultDispatchTimeout is the default handler context deadline.
const DefaultDispatchTimeout = 30 * time.Second

// Bus is the in-process publish/subscribe hub. Zero value is not usable;
// construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type][]*subscriber
	seq  int

	historySize int
	history     map[Type]*lru.Cache[int, *Event]
	historySeq  map[Type]int
	historyMu   sync.Mutex

	timeout time.Duration
	log     *zap.Logger
}

// New constructs a Bus with the given configuration.
func New(cfg Config) *Bus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Bus{
		subs:        make(map[Type][]*subscriber),
		historySize: cfg.HistorySize,
		history:     make(map[Type]*lru.Cache[int, *Event]),
		historySeq:  make(map[Type]int),
		timeout:     cfg.DispatchTimeout,
		log:         cfg.Logger,
	}
}

// Subscribe registers a handler for an event type at the given priority
// (higher runs first) with an optional filter. Returns a handle for
// Unsubscribe.
func (b *Bus) Subscribe(typ Type, handler Handler, priority int, filter Filter) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub := &subscriber{
		id:       fmt.Sprintf("sub-%d", b.seq),
		priority: priority,
		seq:      b.seq,
		handler:  handler,
		filter:   filter,
	}
	b.subs[typ] = append(b.subs[typ], sub)
	return Subscription{id: sub.id, eventTyp: typ}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.eventTyp]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.eventTyp] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// matched returns a priority-descending, insertion-ascending snapshot of
// handlers whose filter accepts evt.
func (b *Bus) matched(evt *Event) []*subscriber {
	b.mu.RLock()
	list := append([]*subscriber(nil), b.subs[evt.Type]...)
	b.mu.RUnlock()

	out := make([]*subscriber, 0, len(list))
	for _, s := range list {
		if s.filter == nil || s.filter(evt) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Publish delivers evt to every matching handler in priority-descending,
// insertion-ascending order. Synchronous handlers run one at a time on the
// caller's goroutine and are awaited before the next handler starts; an
// event marked Async instead dispatches every handler concurrently and
// Publish returns once all have been launched. A handler calling
// evt.StopPropagation() halts delivery to the handlers that would run
// after it.
func (b *Bus) Publish(ctx context.Context, evt *Event) {
	b.record(evt)

	handlers := b.matched(evt)
	if evt.Async {
		for _, s := range handlers {
			go b.invoke(ctx, s, evt)
		}
		return
	}

	for _, s := range handlers {
		if !evt.shouldPropagate() {
			break
		}
		b.invoke(ctx, s, evt)
	}
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, evt *Event) {
	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	err := b.runHandler(dctx, s.handler, evt)
	evt.recordDelivery(DeliveryRecord{HandlerID: s.id, Err: err, Duration: time.Since(start)})
	if err != nil {
		b.log.Warn("event handler failed",
			zap.String("handler", s.id),
			zap.String("event_type", string(evt.Type)),
			zap.Error(err),
		)
		if evt.Type != TypeError {
			errEvt := NewEvent(TypeError, "eventbus", map[string]any{
				"original_type": string(evt.Type),
				"handler":       s.id,
				"error":         err.Error(),
			})
			b.record(errEvt)
		}
	}
}

// runHandler isolates panics from a misbehaving handler so the bus itself
// can never be brought down by one (handler isolation is mandatory).
func (b *Bus) runHandler(ctx context.Context, h Handler, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// PublishBatch delivers events preserving per-type order. Distinct types
// are dispatched concurrently; within a type, events publish in the order
// given.
func (b *Bus) PublishBatch(ctx context.Context, events []*Event) {
	byType := make(map[Type][]*Event)
	order := make([]Type, 0)
	for _, evt := range events {
		if _, ok := byType[evt.Type]; !ok {
			order = append(order, evt.Type)
		}
		byType[evt.Type] = append(byType[evt.Type], evt)
	}

	var wg sync.WaitGroup
	for _, typ := range order {
		wg.Add(1)
		go func(evts []*Event) {
			defer wg.Done()
			for _, evt := range evts {
				b.Publish(ctx, evt)
			}
		}(byType[typ])
	}
	wg.Wait()
}

func (b *Bus) record(evt *Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()

	cache, ok := b.history[evt.Type]
	if !ok {
		c, _ := lru.New[int, *Event](b.historySize)
		cache = c
		b.history[evt.Type] = cache
	}
	b.historySeq[evt.Type]++
	cache.Add(b.historySeq[evt.Type], evt)
}

// History returns the retained events for typ within [since, until], in
// publish order. A zero since/until leaves that bound open.
func (b *Bus) History(typ Type, since, until time.Time) []*Event {
	b.historyMu.Lock()
	cache, ok := b.history[typ]
	b.historyMu.Unlock()
	if !ok {
		return nil
	}

	keys := cache.Keys()
	sort.Ints(keys)

	out := make([]*Event, 0, len(keys))
	for _, k := range keys {
		evt, ok := cache.Peek(k)
		if !ok {
			continue
		}
		if !since.IsZero() && evt.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && evt.Timestamp.After(until) {
			continue
		}
		out = append(out, evt)
	}
	return out
}
