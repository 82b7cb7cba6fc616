// Package collab keeps the client-side list of who else is in the graph and
// which node each of them is touching.
package collab

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	DefaultStaleAfter    = 60 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

type Collaborator struct {
	UserID           string    `json:"userId"`
	Email            string    `json:"email"`
	DisplayName      string    `json:"displayName,omitempty"`
	AvatarURL        string    `json:"avatarUrl,omitempty"`
	ActiveResourceID string    `json:"activeResourceId,omitempty"`
	// LastSeen is the local time the user was last heard from and drives
	// eviction. SentAt is the sender's own timestamp, kept for display.
	LastSeen time.Time `json:"lastSeen"`
	SentAt   time.Time `json:"sentAt,omitempty"`
}

// Partial carries the fields an update wants to change. Nil fields are kept.
// A non-nil ActiveResourceID pointing at "" clears the active node.
type Partial struct {
	Email            *string
	DisplayName      *string
	AvatarURL        *string
	ActiveResourceID *string
	// LastSeen defaults to the store's clock when zero.
	LastSeen time.Time
	SentAt   time.Time
}

type Store struct {
	mu      sync.RWMutex
	entries map[string]Collaborator
	now     func() time.Time
}

type Option func(*Store)

// WithClock sets the clock used for receive times and sweeps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Collaborator),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert applies p to the entry for userID, creating it when missing.
func (s *Store) Upsert(userID string, p Partial) Collaborator {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.entries[userID]
	if !ok {
		c = Collaborator{UserID: userID}
	}
	if p.Email != nil {
		c.Email = *p.Email
	}
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.AvatarURL != nil {
		c.AvatarURL = *p.AvatarURL
	}
	if p.ActiveResourceID != nil {
		c.ActiveResourceID = *p.ActiveResourceID
	}
	seen := p.LastSeen
	if seen.IsZero() {
		seen = s.now()
	}
	if seen.After(c.LastSeen) {
		c.LastSeen = seen
	}
	if p.SentAt.After(c.SentAt) {
		c.SentAt = p.SentAt
	}
	s.entries[userID] = c
	return c
}

func (s *Store) Evict(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[userID]; !ok {
		return false
	}
	delete(s.entries, userID)
	return true
}

// SweepStale drops entries last seen more than threshold before now and
// returns the evicted user ids.
func (s *Store) SweepStale(now time.Time, threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, c := range s.entries {
		if now.Sub(c.LastSeen) > threshold {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}

func (s *Store) Get(userID string) (Collaborator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.entries[userID]
	return c, ok
}

// Snapshot returns every collaborator ordered by user id.
func (s *Store) Snapshot() []Collaborator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Collaborator, 0, len(s.entries))
	for _, c := range s.entries {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// On returns the collaborators whose active node is resourceID.
func (s *Store) On(resourceID string) []Collaborator {
	var out []Collaborator
	for _, c := range s.Snapshot() {
		if resourceID != "" && c.ActiveResourceID == resourceID {
			out = append(out, c)
		}
	}
	return out
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval, threshold time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStale(s.now(), threshold)
		}
	}
}
