// Package presence tracks which users have the editor open.
//
// Clients heartbeat on a fixed interval. A record whose last heartbeat is older
// than two intervals is reported idle rather than offline, because tab closes
// and network drops do not reliably deliver the offline beacon.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scriptsync/api/internal/store"
)

const DefaultHeartbeatInterval = 30 * time.Second

var (
	// ErrTransientStore is returned when a presence write could not be stored.
	ErrTransientStore = errors.New("presence store unavailable")
	ErrUnknownUser    = errors.New("no presence record for user")
	ErrInvalidRequest = errors.New("invalid presence request")
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// Store persists one presence row per user.
type Store interface {
	UpsertPresence(ctx context.Context, record store.PresenceRecord) error
	SetPresenceOffline(ctx context.Context, userID string) error
	GetPresence(ctx context.Context, userID string) (store.PresenceRecord, error)
	ListPresence(ctx context.Context) ([]store.PresenceRecord, error)
}

type Record struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	LastSeen time.Time `json:"lastSeen"`
	IsOnline bool      `json:"isOnline"`
	Status   Status    `json:"status"`
}

// DeriveStatus computes the effective status of a stored record at now.
func DeriveStatus(isOnline bool, lastSeen, now time.Time, interval time.Duration) Status {
	if !isOnline {
		return StatusOffline
	}
	if now.Sub(lastSeen) >= 2*interval {
		return StatusIdle
	}
	return StatusOnline
}

type Option func(*Tracker)

func WithHeartbeatInterval(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.interval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

type Tracker struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewTracker(s Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    s,
		interval: DefaultHeartbeatInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Interval() time.Duration {
	return t.interval
}

// Heartbeat records that userID is present now.
func (t *Tracker) Heartbeat(ctx context.Context, userID, email string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	err := t.store.UpsertPresence(ctx, store.PresenceRecord{
		UserID:   userID,
		Email:    email,
		LastSeen: t.now().UTC(),
		IsOnline: true,
	})
	if err != nil {
		return fmt.Errorf("%w: heartbeat %s: %w", ErrTransientStore, userID, err)
	}
	return nil
}

// MarkOffline flips the record to offline. Unknown users are ignored.
func (t *Tracker) MarkOffline(ctx context.Context, userID string) error {
	if err := t.store.SetPresenceOffline(ctx, userID); err != nil {
		return fmt.Errorf("%w: mark offline %s: %w", ErrTransientStore, userID, err)
	}
	t.logger.Debug("presence offline", "user_id", userID)
	return nil
}

func (t *Tracker) Get(ctx context.Context, userID string) (Record, error) {
	row, err := t.store.GetPresence(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, ErrUnknownUser
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: read presence %s: %w", ErrTransientStore, userID, err)
	}
	return t.record(row, t.now()), nil
}

func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	rows, err := t.store.ListPresence(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list presence: %w", ErrTransientStore, err)
	}
	now := t.now()
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, t.record(row, now))
	}
	return records, nil
}

func (t *Tracker) record(row store.PresenceRecord, now time.Time) Record {
	return Record{
		UserID:   row.UserID,
		Email:    row.Email,
		LastSeen: row.LastSeen,
		IsOnline: row.IsOnline,
		Status:   DeriveStatus(row.IsOnline, row.LastSeen, now, t.interval),
	}
}
