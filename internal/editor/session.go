// Package editor is one user's editing session on a script graph. Content
// edits go through the node lock; structural edits, moves and focus changes
// are applied locally and broadcast without waiting.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scriptsync/api/internal/broadcast"
	"scriptsync/api/internal/collab"
	"scriptsync/api/internal/graph"
	"scriptsync/api/internal/lock"
)

// Locker is the lock surface a session needs. lock.Owner and lock.Client
// both satisfy it.
type Locker interface {
	Acquire(ctx context.Context, resourceID string) (lock.Grant, error)
	Release(ctx context.Context, resourceID string) error
}

// ResyncFunc reloads the authoritative graph after a reconnect.
type ResyncFunc func(ctx context.Context) ([]graph.Node, []graph.Edge, error)

type Config struct {
	Scope     string
	Self      broadcast.Origin
	Transport broadcast.Transport
	Locker    Locker
	Graph     *graph.Graph
	Logger    *slog.Logger

	HubOptions []broadcast.Option
	Resync     ResyncFunc

	// StaleAfter and SweepInterval tune collaborator eviction. Zero uses the
	// collab defaults.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	// Now is the local clock. Defaults to time.Now.
	Now func() time.Time

	// OnRemote is called after each inbound event with whether it changed
	// local state.
	OnRemote func(e broadcast.Event, applied bool)
	// OnDisconnect is called when the broadcast subscription drops.
	OnDisconnect func(err error)
}

type Session struct {
	cfg           Config
	hub           *broadcast.Hub
	graph         *graph.Graph
	collaborators *collab.Store
	logger        *slog.Logger

	mu           sync.Mutex
	held         map[string]time.Time
	unsubscribe  func()
	disconnected bool
	stopSweep    context.CancelFunc

	applied atomic.Int64
	stale   atomic.Int64
}

func NewSession(cfg Config) *Session {
	if cfg.Graph == nil {
		cfg.Graph = graph.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = collab.DefaultStaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = collab.DefaultSweepInterval
	}
	s := &Session{
		cfg:           cfg,
		graph:         cfg.Graph,
		collaborators: collab.NewStore(collab.WithClock(cfg.Now)),
		logger:        cfg.Logger.With("scope", cfg.Scope, "user_id", cfg.Self.UserID),
		held:          make(map[string]time.Time),
	}
	opts := append([]broadcast.Option{
		broadcast.WithLogger(s.logger),
		broadcast.WithStatusHandler(s.noteStatus),
	}, cfg.HubOptions...)
	s.hub = broadcast.NewHub(cfg.Transport, cfg.Self, opts...)
	return s
}

func (s *Session) Graph() *graph.Graph {
	return s.graph
}

func (s *Session) Collaborators() *collab.Store {
	return s.collaborators
}

// Open subscribes to the session's scope and starts evicting collaborators
// that have gone quiet. The sweep runs until Close.
func (s *Session) Open(ctx context.Context) error {
	unsubscribe, err := s.hub.Subscribe(ctx, s.cfg.Scope, s.handleRemote)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.disconnected = false
	if s.stopSweep == nil {
		sweepCtx, cancel := context.WithCancel(context.Background())
		s.stopSweep = cancel
		go s.collaborators.Run(sweepCtx, s.cfg.SweepInterval, s.cfg.StaleAfter)
	}
	s.mu.Unlock()
	return nil
}

// Connected reports whether the broadcast subscription is live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribe != nil && !s.disconnected
}

func (s *Session) noteStatus(scope string, err error) {
	s.mu.Lock()
	s.disconnected = true
	s.mu.Unlock()
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(err)
	}
}

// Reconnect resubscribes and reloads the graph. Events published while the
// session was disconnected are not replayed.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	previous := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if previous != nil {
		previous()
	}

	if err := s.Open(ctx); err != nil {
		return fmt.Errorf("reconnect %s: %w", s.cfg.Scope, err)
	}
	if s.cfg.Resync == nil {
		return nil
	}
	nodes, edges, err := s.cfg.Resync(ctx)
	if err != nil {
		return fmt.Errorf("resync %s: %w", s.cfg.Scope, err)
	}
	s.graph.Load(nodes, edges)
	return nil
}

// EditNode takes the node's lock, then applies and broadcasts the change. A
// lock conflict is returned untouched so callers can show who holds it.
func (s *Session) EditNode(ctx context.Context, nodeID string, data map[string]any) error {
	grant, err := s.cfg.Locker.Acquire(ctx, nodeID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.held[nodeID] = grant.ExpiresAt
	s.mu.Unlock()

	if !s.graph.UpdateNode(nodeID, data) {
		return nil
	}
	s.hub.Send(s.cfg.Scope, broadcast.NodeUpdated(nodeID, data))
	return nil
}

// ReleaseNode gives up the node's lock when this session holds it.
func (s *Session) ReleaseNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	_, ok := s.held[nodeID]
	delete(s.held, nodeID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.cfg.Locker.Release(ctx, nodeID)
}

// Held returns the node ids this session holds locks on.
func (s *Session) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.held))
	for id := range s.held {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) AddNode(n graph.Node) bool {
	if !s.graph.AddNode(n) {
		return false
	}
	s.hub.Send(s.cfg.Scope, broadcast.NodeAdded(n))
	return true
}

func (s *Session) DeleteNode(nodeID string) bool {
	if !s.graph.DeleteNode(nodeID) {
		return false
	}
	s.hub.Send(s.cfg.Scope, broadcast.NodeDeleted(nodeID))
	return true
}

// AddEdge connects two nodes that exist locally.
func (s *Session) AddEdge(e graph.Edge) bool {
	if _, ok := s.graph.Node(e.Source); !ok {
		return false
	}
	if _, ok := s.graph.Node(e.Target); !ok {
		return false
	}
	if !s.graph.AddEdge(e) {
		return false
	}
	s.hub.Send(s.cfg.Scope, broadcast.EdgeAdded(e))
	return true
}

func (s *Session) DeleteEdge(edgeID string) bool {
	if !s.graph.DeleteEdge(edgeID) {
		return false
	}
	s.hub.Send(s.cfg.Scope, broadcast.EdgeDeleted(edgeID))
	return true
}

// MoveNode is called on every drag step; broadcasts are throttled per node.
func (s *Session) MoveNode(nodeID string, pos graph.Position) {
	if s.graph.MoveNode(nodeID, pos) {
		s.hub.PublishPosition(s.cfg.Scope, nodeID, pos)
	}
}

// MoveNodes ends a multi-node drag with one unthrottled batch.
func (s *Session) MoveNodes(positions []broadcast.NodePosition) {
	for _, p := range positions {
		s.graph.MoveNode(p.NodeID, p.Position)
	}
	s.hub.PublishPositions(s.cfg.Scope, positions)
}

// Focus announces the node this user is looking at; "" clears it.
func (s *Session) Focus(nodeID string) {
	s.hub.Send(s.cfg.Scope, broadcast.NodeFocus(nodeID))
}

// KeepAlive renews every held lock each interval until ctx is done. The
// interval must be shorter than the lease TTL.
func (s *Session) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.renewHeld(ctx)
		}
	}
}

func (s *Session) renewHeld(ctx context.Context) {
	for _, id := range s.Held() {
		grant, err := s.cfg.Locker.Acquire(ctx, id)
		switch {
		case err == nil:
			s.mu.Lock()
			if _, ok := s.held[id]; ok {
				s.held[id] = grant.ExpiresAt
			}
			s.mu.Unlock()
		case errors.Is(err, lock.ErrLockConflict):
			// Someone took over an expired lease.
			s.mu.Lock()
			delete(s.held, id)
			s.mu.Unlock()
			s.logger.Info("lost node lock", "resource_id", id)
		default:
			s.logger.Warn("lock renewal failed", "resource_id", id, "error", err)
		}
	}
}

// Close unsubscribes, flushes pending broadcasts and releases held locks.
// Release failures are logged; the leases expire on their own.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	if s.stopSweep != nil {
		s.stopSweep()
		s.stopSweep = nil
	}
	held := make([]string, 0, len(s.held))
	for id := range s.held {
		held = append(held, id)
	}
	s.held = make(map[string]time.Time)
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, id := range held {
		if err := s.cfg.Locker.Release(ctx, id); err != nil {
			s.logger.Warn("release on close failed", "resource_id", id, "error", err)
		}
	}
	return s.hub.Close()
}

// Stats reports how many inbound events changed state and how many were
// already reflected locally.
func (s *Session) Stats() (applied, stale int64) {
	return s.applied.Load(), s.stale.Load()
}

func (s *Session) handleRemote(e broadcast.Event) {
	s.collaborators.Upsert(e.UserID, collab.Partial{
		Email:       &e.Email,
		DisplayName: &e.DisplayName,
		AvatarURL:   &e.AvatarURL,
		SentAt:      e.Timestamp,
	})

	applied := s.apply(e)
	if applied {
		s.applied.Add(1)
	} else {
		s.stale.Add(1)
		s.logger.Debug("stale event ignored", "type", e.Type, "origin", e.UserID)
	}
	if s.cfg.OnRemote != nil {
		s.cfg.OnRemote(e, applied)
	}
}

func (s *Session) apply(e broadcast.Event) bool {
	switch e.Type {
	case broadcast.TypePositionUpdate:
		return s.graph.MoveNode(e.NodeID, *e.Position)
	case broadcast.TypePositionsBatch:
		changed := false
		for _, p := range e.Positions {
			if s.graph.MoveNode(p.NodeID, p.Position) {
				changed = true
			}
		}
		return changed
	case broadcast.TypeNodeAdded:
		return s.graph.AddNode(*e.Node)
	case broadcast.TypeNodeUpdated:
		return s.graph.UpdateNode(e.NodeID, e.Data)
	case broadcast.TypeNodeDeleted:
		return s.graph.DeleteNode(e.NodeID)
	case broadcast.TypeEdgeAdded:
		return s.graph.AddEdge(*e.Edge)
	case broadcast.TypeEdgeDeleted:
		return s.graph.DeleteEdge(e.EdgeID)
	case broadcast.TypeNodeFocus:
		s.collaborators.Upsert(e.UserID, collab.Partial{ActiveResourceID: &e.NodeID, SentAt: e.Timestamp})
		return true
	}
	return false
}
