package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxkimambo/taskflow/internal/clock"
	taskerrors "github.com/maxkimambo/taskflow/internal/errors"
	"github.com/maxkimambo/taskflow/internal/logger"
	"github.com/maxkimambo/taskflow/internal/metrics"
)

// DefaultMaxListeners is the per-kind subscriber count above which the bus
// reports itself degraded
const DefaultMaxListeners = 20

// Handler receives one event. A returned error or a panic is converted into
// an ActionFailed event and never reaches the publisher.
type Handler func(ctx context.Context, ev Event) error

// Options configures a Bus
type Options struct {
	MaxListeners int
	Clock        clock.Clock
}

type subscription struct {
	name    string
	handler Handler
}

type delivery struct {
	ctx context.Context
	sub subscription
	ev  Event
}

// Bus is the typed publish/subscribe channel for lifecycle events.
//
// Publish enqueues one delivery per subscriber and returns immediately.
// Deliveries run one at a time on a single dispatch goroutine in publish
// order, and within one event in subscription order. Handlers may fan out
// internally and may publish further events; those are queued behind the
// current cascade.
type Bus struct {
	mu           sync.Mutex
	subs         map[Kind][]subscription
	queue        []delivery
	pending      int
	idle         chan struct{}
	wake         chan struct{}
	done         chan struct{}
	closed       bool
	maxListeners int
	clock        clock.Clock

	published       map[Kind]uint64
	handlerFailures uint64
}

// NewBus creates a bus and starts its dispatch goroutine
func NewBus(opts Options) *Bus {
	if opts.MaxListeners <= 0 {
		opts.MaxListeners = DefaultMaxListeners
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	idle := make(chan struct{})
	close(idle)

	b := &Bus{
		subs:         make(map[Kind][]subscription),
		idle:         idle,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		maxListeners: opts.MaxListeners,
		clock:        opts.Clock,
		published:    make(map[Kind]uint64),
	}
	go b.loop()
	return b
}

// Subscribe registers handler for events of type E. name identifies the
// subscriber in logs and failure events.
func Subscribe[E Event](b *Bus, name string, handler func(context.Context, E) error) {
	var zero E
	b.register(zero.Kind(), name, func(ctx context.Context, ev Event) error {
		typed, ok := ev.(E)
		if !ok {
			return fmt.Errorf("subscriber %s received %T", name, ev)
		}
		return handler(ctx, typed)
	})
}

// SubscribeAll registers handler for every event kind
func (b *Bus) SubscribeAll(name string, handler Handler) {
	for _, kind := range Kinds() {
		b.register(kind, name, handler)
	}
}

func (b *Bus) register(kind Kind, name string, handler Handler) {
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], subscription{name: name, handler: handler})
	count := len(b.subs[kind])
	b.mu.Unlock()

	if count > b.maxListeners {
		logger.Op.WithFields(map[string]interface{}{
			"event":         string(kind),
			"listeners":     count,
			"max_listeners": b.maxListeners,
		}).Warn("Listener count exceeds the configured maximum")
	}
}

// Publish delivers ev to every subscriber of its kind. A zero timestamp is
// set to now; a missing correlation id is minted. Publish never fails: any
// internal problem is logged and reported as an ActionFailed event.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Op.Errorf("Recovered from panic while publishing %s: %v", describeKind(ev), r)
			b.publishInternalFailure(ctx, ev, fmt.Sprintf("publish panicked: %v", r))
		}
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	if ev == nil {
		logger.Op.Errorf("Refusing to publish a nil event")
		b.publishInternalFailure(ctx, nil, "nil event published")
		return
	}

	meta := ev.Meta()
	if meta.Timestamp.IsZero() {
		meta.Timestamp = b.clock.Now()
	}
	if meta.CorrelationID == "" {
		meta.CorrelationID = NewCorrelationID()
		logger.Op.WithFields(map[string]interface{}{
			"event":          string(ev.Kind()),
			"correlation_id": meta.CorrelationID,
		}).Debug("Minted correlation id for event published without one")
	}
	ev = ev.withMeta(meta)

	handlerCtx := context.WithoutCancel(ctx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		logger.Op.WithFields(map[string]interface{}{
			"event":          string(ev.Kind()),
			"correlation_id": meta.CorrelationID,
		}).Warn("Dropping event published after the bus was closed")
		return
	}
	subs := b.subs[ev.Kind()]
	for _, sub := range subs {
		b.enqueueLocked(delivery{ctx: handlerCtx, sub: sub, ev: ev})
	}
	b.published[ev.Kind()]++
	b.mu.Unlock()

	metrics.RecordEventPublished(ctx, string(ev.Kind()))
	b.signal()
}

func (b *Bus) enqueueLocked(d delivery) {
	if b.pending == 0 {
		b.idle = make(chan struct{})
	}
	b.pending++
	b.queue = append(b.queue, d)
}

func (b *Bus) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		d, ok := b.next()
		if !ok {
			return
		}
		b.dispatch(d)
		b.finish()
	}
}

func (b *Bus) next() (delivery, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			d := b.queue[0]
			b.queue[0] = delivery{}
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return d, true
		}
		if b.closed {
			b.mu.Unlock()
			return delivery{}, false
		}
		b.mu.Unlock()
		<-b.wake
	}
}

func (b *Bus) finish() {
	b.mu.Lock()
	b.pending--
	if b.pending == 0 {
		close(b.idle)
	}
	b.mu.Unlock()
}

func (b *Bus) dispatch(d delivery) {
	err := invoke(d)
	if err == nil {
		return
	}

	b.mu.Lock()
	b.handlerFailures++
	b.mu.Unlock()
	metrics.RecordHandlerFailure(d.ctx, d.sub.name)

	meta := d.ev.Meta()
	entry := logger.Op.With(logger.WithFamily(meta.FamilyID), logger.WithCorrelation(meta.CorrelationID)).
		WithFields(map[string]interface{}{
			"handler": d.sub.name,
			"event":   string(d.ev.Kind()),
		})

	// A failing ActionFailed subscriber is only logged, otherwise one broken
	// audit sink would feed itself forever.
	if d.ev.Kind() == KindActionFailed {
		entry.WithError(err).Error("ActionFailed subscriber failed")
		return
	}
	entry.WithError(err).Warn("Subscriber failed; reporting ActionFailed")

	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	b.Publish(d.ctx, ActionFailed{
		Envelope: Envelope{FamilyID: meta.FamilyID, CorrelationID: correlationID},
		Action:   "handle_event",
		Target:   string(d.ev.Kind()),
		Success:  false,
		Error:    err.Error(),
		Source:   d.sub.name,
		Context:  Describe(d.ev),
	})
}

func invoke(d delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = taskerrors.NewHandlerPanicError(d.sub.name, r)
		}
	}()
	if herr := d.sub.handler(d.ctx, d.ev); herr != nil {
		return taskerrors.NewHandlerError(d.sub.name, herr)
	}
	return nil
}

func (b *Bus) publishInternalFailure(ctx context.Context, ev Event, reason string) {
	if ev != nil && ev.Kind() == KindActionFailed {
		return
	}
	failure := ActionFailed{
		Action:  "publish",
		Success: false,
		Error:   reason,
		Source:  "event_bus",
		Context: Describe(ev),
	}
	if ev != nil {
		failure.Target = string(ev.Kind())
		failure.FamilyID = ev.Meta().FamilyID
		failure.CorrelationID = ev.Meta().CorrelationID
	}
	b.Publish(ctx, failure)
}

func describeKind(ev Event) string {
	if ev == nil {
		return "<nil>"
	}
	return string(ev.Kind())
}

// Wait blocks until no delivery is queued or running, which is the fixpoint
// of every cascade published so far.
func (b *Bus) Wait(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for the current cascade to settle, then stops the dispatch
// goroutine. Events published afterwards are dropped.
func (b *Bus) Close(ctx context.Context) error {
	if err := b.Wait(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health summarises the bus for admin monitoring
type Health struct {
	Status          string          `json:"status"`
	ListenerCount   int             `json:"listenerCount"`
	MaxListeners    int             `json:"maxListeners"`
	Listeners       map[Kind]int    `json:"listeners"`
	Pending         int             `json:"pending"`
	Published       map[Kind]uint64 `json:"published"`
	HandlerFailures uint64          `json:"handlerFailures"`
}

// Health reports listener counts and delivery statistics
func (b *Bus) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := Health{
		Status:          "healthy",
		MaxListeners:    b.maxListeners,
		Listeners:       make(map[Kind]int, len(b.subs)),
		Pending:         b.pending,
		Published:       make(map[Kind]uint64, len(b.published)),
		HandlerFailures: b.handlerFailures,
	}
	for kind, subs := range b.subs {
		h.Listeners[kind] = len(subs)
		h.ListenerCount += len(subs)
		if len(subs) > b.maxListeners {
			h.Status = "degraded"
		}
	}
	for kind, n := range b.published {
		h.Published[kind] = n
	}
	if b.closed {
		h.Status = "stopped"
	}
	return h
}

// ListenerCount returns the number of subscribers for kind
func (b *Bus) ListenerCount(kind Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[kind])
}
