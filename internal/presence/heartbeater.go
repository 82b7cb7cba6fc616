package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Heartbeater keeps one session's presence record fresh.
//
// Hiding the session pauses heartbeats without marking the user offline, so a
// hidden tab ages into idle. Stop halts the timer at once, cancels a heartbeat
// still in flight and sends a single offline beacon after it, without waiting
// for the beacon.
type Heartbeater struct {
	beacon   Beacon
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	visible bool
	started bool
	stopped bool
	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}
	cancel   context.CancelFunc
	offline  sync.WaitGroup
}

func NewHeartbeater(beacon Beacon, interval time.Duration, logger *slog.Logger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeater{
		beacon:   beacon,
		interval: interval,
		logger:   logger,
		visible:  true,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Start sends a heartbeat right away and then one per interval until Stop or
// ctx is done. Calling Start twice has no effect.
func (h *Heartbeater) Start(ctx context.Context) {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Unlock()

	go h.loop(ctx)
}

func (h *Heartbeater) loop(ctx context.Context) {
	defer close(h.loopDone)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-h.wake:
			h.beat(ctx)
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context) {
	h.mu.Lock()
	skip := !h.visible || h.stopped
	h.mu.Unlock()
	if skip {
		return
	}
	if err := h.beacon.Heartbeat(ctx); err != nil {
		h.logger.Warn("presence heartbeat failed", "error", err)
	}
}

// SetVisible pauses or resumes heartbeats. Becoming visible beats immediately.
func (h *Heartbeater) SetVisible(visible bool) {
	h.mu.Lock()
	changed := h.visible != visible
	h.visible = visible
	h.mu.Unlock()

	if changed && visible {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
}

// Stop ends heartbeats and fires the offline beacon. Only the first call
// sends a beacon.
func (h *Heartbeater) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.done)
	started := h.started
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Unlock()

	h.offline.Add(1)
	go func() {
		defer h.offline.Done()
		if started {
			// The offline write must land after any heartbeat write.
			<-h.loopDone
		}
		if err := h.beacon.Offline(context.Background()); err != nil {
			h.logger.Debug("offline beacon failed", "error", err)
		}
	}()
}

// Wait blocks until an offline beacon started by Stop has returned.
func (h *Heartbeater) Wait() {
	h.offline.Wait()
}
