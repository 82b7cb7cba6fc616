package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scriptsync/api/internal/graph"
)

const (
	// DefaultThrottleWindow bounds how often one node's position is sent.
	DefaultThrottleWindow = 50 * time.Millisecond

	sendQueueSize  = 512
	publishTimeout = 5 * time.Second
)

var ErrHubClosed = errors.New("broadcast hub closed")

// Handler receives events published by other users.
type Handler func(Event)

// StatusFunc is told when a scope's subscription drops.
type StatusFunc func(scope string, err error)

type Option func(*Hub)

func WithThrottleWindow(window time.Duration) Option {
	return func(h *Hub) {
		if window > 0 {
			h.window = window
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

func WithStatusHandler(fn StatusFunc) Option {
	return func(h *Hub) {
		h.onStatus = fn
	}
}

// Hub is one editing session's view of the broadcast channel. Events it
// publishes are stamped with self, and inbound events from self are dropped
// before any handler sees them.
type Hub struct {
	transport Transport
	self      Origin
	window    time.Duration
	logger    *slog.Logger
	onStatus  StatusFunc

	mu        sync.Mutex
	subs      map[string]*registration
	throttles map[throttleKey]*throttle
	closed    bool

	queue   chan outbound
	drained chan struct{}
}

type registration struct {
	ctx     context.Context
	id      string
	scope   string
	sub     *Subscription
	handler Handler
	// closing is set before the transport subscription is closed. Messages
	// still buffered in the subscription are dropped once it is set.
	closing atomic.Bool
}

type outbound struct {
	scope string
	event Event
}

func NewHub(transport Transport, self Origin, opts ...Option) *Hub {
	h := &Hub{
		transport: transport,
		self:      self,
		window:    DefaultThrottleWindow,
		logger:    slog.Default(),
		subs:      make(map[string]*registration),
		throttles: make(map[throttleKey]*throttle),
		queue:     make(chan outbound, sendQueueSize),
		drained:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.sendLoop()
	return h
}

// Publish stamps e and publishes it on scope, waiting for the transport.
func (h *Hub) Publish(ctx context.Context, scope string, e Event) error {
	e = h.stamp(e)
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	if err := h.transport.Publish(ctx, Topic(scope), payload); err != nil {
		return fmt.Errorf("publish %s on %s: %w", e.Type, scope, err)
	}
	return nil
}

// Send queues e for publishing and returns at once. Failures are logged.
func (h *Hub) Send(scope string, e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.queue <- outbound{scope: scope, event: e}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "scope", scope, "type", e.Type)
	}
}

func (h *Hub) sendLoop() {
	defer close(h.drained)
	for out := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := h.Publish(ctx, out.scope, out.event); err != nil {
			h.logger.Warn("broadcast publish failed", "scope", out.scope, "type", out.event.Type, "error", err)
		}
		cancel()
	}
}

func (h *Hub) stamp(e Event) Event {
	e.Origin = h.self
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// PublishPositions sends a batch of positions without throttling, used when
// a drag of several nodes ends.
func (h *Hub) PublishPositions(scope string, positions []NodePosition) {
	if len(positions) == 0 {
		return
	}
	h.Send(scope, PositionsBatch(positions))
}

// Subscribe registers handler for events on scope from other users. The
// returned function unregisters it and may be called any number of times.
// Once it returns the handler is not invoked again; a call already running
// at that moment is allowed to finish.
func (h *Hub) Subscribe(ctx context.Context, scope string, handler Handler) (func(), error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.mu.Unlock()

	sub, err := h.transport.Subscribe(ctx, Topic(scope))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", scope, err)
	}

	reg := &registration{
		ctx:     ctx,
		id:      uuid.NewString(),
		scope:   scope,
		sub:     sub,
		handler: handler,
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = sub.Close()
		return nil, ErrHubClosed
	}
	h.subs[reg.id] = reg
	h.mu.Unlock()

	go h.relay(reg)

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(reg) })
	}, nil
}

func (h *Hub) relay(reg *registration) {
	for payload := range reg.sub.Messages() {
		e, err := Decode(payload)
		if err != nil {
			h.logger.Warn("dropping malformed broadcast event", "scope", reg.scope, "error", err)
			continue
		}
		if e.UserID == h.self.UserID {
			continue
		}
		if reg.closing.Load() {
			continue
		}
		h.dispatch(reg, e)
	}

	h.mu.Lock()
	closing := reg.closing.Load() || h.closed || reg.ctx.Err() != nil
	delete(h.subs, reg.id)
	h.mu.Unlock()
	if closing {
		return
	}
	h.logger.Warn("broadcast subscription dropped", "scope", reg.scope)
	if h.onStatus != nil {
		h.onStatus(reg.scope, fmt.Errorf("%w: %s", ErrChannelDisconnected, reg.scope))
	}
}

func (h *Hub) dispatch(reg *registration, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("broadcast handler panicked",
				"scope", reg.scope,
				"type", e.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	reg.handler(e)
}

func (h *Hub) unsubscribe(reg *registration) {
	reg.closing.Store(true)
	h.mu.Lock()
	h.stopThrottlesLocked(reg.scope)
	h.mu.Unlock()
	_ = reg.sub.Close()
}

// Close unsubscribes everything, cancels pending throttled sends and flushes
// the send queue.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	regs := make([]*registration, 0, len(h.subs))
	for _, reg := range h.subs {
		reg.closing.Store(true)
		regs = append(regs, reg)
	}
	for key, th := range h.throttles {
		th.stop()
		delete(h.throttles, key)
	}
	close(h.queue)
	h.mu.Unlock()

	for _, reg := range regs {
		_ = reg.sub.Close()
	}
	<-h.drained
	return nil
}

// PublishPosition sends a node position at most once per throttle window per
// node: the first call goes out immediately and the latest position seen
// during the window goes out when it ends.
func (h *Hub) PublishPosition(scope, nodeID string, pos graph.Position) {
	key := throttleKey{scope: scope, nodeID: nodeID}
	now := time.Now()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	th, ok := h.throttles[key]
	if !ok {
		th = &throttle{}
		h.throttles[key] = th
	}
	if th.timer == nil && now.Sub(th.lastSent) >= h.window {
		th.lastSent = now
		h.mu.Unlock()
		h.Send(scope, PositionUpdate(nodeID, pos))
		return
	}
	th.pending = &pos
	if th.timer == nil {
		delay := h.window - now.Sub(th.lastSent)
		th.timer = time.AfterFunc(delay, func() { h.flush(key, th) })
	}
	h.mu.Unlock()
}

func (h *Hub) flush(key throttleKey, th *throttle) {
	h.mu.Lock()
	if h.throttles[key] != th || th.timer == nil {
		h.mu.Unlock()
		return
	}
	th.timer = nil
	pending := th.pending
	th.pending = nil
	if pending != nil {
		th.lastSent = time.Now()
	}
	h.mu.Unlock()

	if pending != nil {
		h.Send(key.scope, PositionUpdate(key.nodeID, *pending))
	}
}

func (h *Hub) stopThrottlesLocked(scope string) {
	for key, th := range h.throttles {
		if key.scope == scope {
			th.stop()
			delete(h.throttles, key)
		}
	}
}

// PendingThrottles reports how many trailing position sends are scheduled.
func (h *Hub) PendingThrottles() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, th := range h.throttles {
		if th.timer != nil {
			n++
		}
	}
	return n
}

type throttleKey struct {
	scope  string
	nodeID string
}

type throttle struct {
	timer    *time.Timer
	pending  *graph.Position
	lastSent time.Time
}

func (t *throttle) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
}
