// Package lock implements lease-based node locks for the graph editor.
//
// A lease is granted when nobody holds a live lease on the resource or the
// caller already holds it, in which case the expiry is pushed forward. Expired
// leases count as absent everywhere; they are overwritten by the next acquire
// and removed only by Release or Sweep.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scriptsync/api/internal/store"
)

// DefaultTTL is the lease length used when no TTL option is given.
const DefaultTTL = 60 * time.Second

// Store is the persistence contract the manager relies on. AcquireLock must
// decide the grant atomically.
type Store interface {
	AcquireLock(ctx context.Context, candidate store.Lock) (store.Lock, bool, error)
	ReleaseLock(ctx context.Context, resourceID, ownerID string) (bool, error)
	GetLock(ctx context.Context, resourceID string, now time.Time) (store.Lock, error)
	ListLocks(ctx context.Context, now time.Time) ([]store.Lock, error)
	DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error)
}

// Lock is the public view of a live lease.
type Lock struct {
	ResourceID string    `json:"resourceId"`
	OwnerID    string    `json:"ownerId"`
	OwnerLabel string    `json:"ownerLabel"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Grant is returned by a successful acquire.
type Grant struct {
	ResourceID string    `json:"resourceId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lease length.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger used for best-effort paths.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(s Store, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire grants or renews the lease on resourceID for ownerID. A live lease
// held by someone else yields a *ConflictError; a backend failure wraps
// ErrTransientStore.
func (m *Manager) Acquire(ctx context.Context, resourceID, ownerID, ownerLabel string) (Grant, error) {
	if resourceID == "" || ownerID == "" {
		return Grant{}, ErrInvalidRequest
	}
	if ownerLabel == "" {
		ownerLabel = ownerID
	}

	now := m.now().UTC()
	holder, granted, err := m.store.AcquireLock(ctx, store.Lock{
		ResourceID: resourceID,
		OwnerID:    ownerID,
		OwnerLabel: ownerLabel,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: acquire %s: %w", ErrTransientStore, resourceID, err)
	}
	if !granted {
		if holder.OwnerID == "" {
			return Grant{}, fmt.Errorf("%w: acquire %s: lease changed hands during acquire", ErrTransientStore, resourceID)
		}
		return Grant{}, &ConflictError{
			ResourceID: resourceID,
			OwnerID:    holder.OwnerID,
			OwnerLabel: holder.OwnerLabel,
			ExpiresAt:  holder.ExpiresAt,
		}
	}
	return Grant{ResourceID: resourceID, ExpiresAt: holder.ExpiresAt}, nil
}

// Release drops the lease when ownerID holds it. Releasing a lease held by
// someone else, or no lease at all, is a no-op.
func (m *Manager) Release(ctx context.Context, resourceID, ownerID string) error {
	if resourceID == "" || ownerID == "" {
		return ErrInvalidRequest
	}
	released, err := m.store.ReleaseLock(ctx, resourceID, ownerID)
	if err != nil {
		return fmt.Errorf("%w: release %s: %w", ErrTransientStore, resourceID, err)
	}
	if !released {
		m.logger.Debug("release ignored", "resource_id", resourceID, "owner_id", ownerID)
	}
	return nil
}

// List returns leases that are live right now.
func (m *Manager) List(ctx context.Context) ([]Lock, error) {
	rows, err := m.store.ListLocks(ctx, m.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list locks: %w", ErrTransientStore, err)
	}
	locks := make([]Lock, 0, len(rows))
	for _, row := range rows {
		locks = append(locks, fromStore(row))
	}
	return locks, nil
}

// Holder reports the live lease on resourceID. Read failures are logged and
// reported as "no known lock"; Acquire re-checks authoritatively.
func (m *Manager) Holder(ctx context.Context, resourceID string) (Lock, bool) {
	row, err := m.store.GetLock(ctx, resourceID, m.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return Lock{}, false
	}
	if err != nil {
		m.logger.Warn("lock lookup failed", "resource_id", resourceID, "error", err)
		return Lock{}, false
	}
	return fromStore(row), true
}

// Sweep physically removes expired leases and returns how many were removed.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	removed, err := m.store.DeleteExpiredLocks(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: sweep locks: %w", ErrTransientStore, err)
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn("lock sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				m.logger.Info("swept expired locks", "removed", removed)
			}
		}
	}
}

// For binds the manager to a single identity.
func (m *Manager) For(ownerID, ownerLabel string) *Owner {
	return &Owner{manager: m, id: ownerID, label: ownerLabel}
}

func fromStore(row store.Lock) Lock {
	return Lock{
		ResourceID: row.ResourceID,
		OwnerID:    row.OwnerID,
		OwnerLabel: row.OwnerLabel,
		AcquiredAt: row.AcquiredAt,
		ExpiresAt:  row.ExpiresAt,
	}
}
