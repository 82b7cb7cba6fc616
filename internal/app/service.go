package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"scriptsync/api/internal/auth"
	"scriptsync/api/internal/config"
	"scriptsync/api/internal/lock"
	"scriptsync/api/internal/logging"
	"scriptsync/api/internal/presence"
	"scriptsync/api/internal/rbac"
)

// Session is the caller identity carried by a bearer token.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	Avatar    string
	Role      string
	JTI       string
	ExpiresAt time.Time
	// Label is shown to other users as the lock holder.
	Label string
}

type lockService interface {
	Acquire(ctx context.Context, resourceID, ownerID, ownerLabel string) (lock.Grant, error)
	Release(ctx context.Context, resourceID, ownerID string) error
	List(ctx context.Context) ([]lock.Lock, error)
	Sweep(ctx context.Context) (int64, error)
}

type presenceService interface {
	Heartbeat(ctx context.Context, userID, email string) error
	MarkOffline(ctx context.Context, userID string) error
	List(ctx context.Context) ([]presence.Record, error)
}

// Pinger reports whether the lock and presence backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	locks    lockService
	presence presenceService
	backend  Pinger
}

func New(cfg config.Config, locks *lock.Manager, tracker *presence.Tracker, backend Pinger) *Service {
	return &Service{
		cfg:      cfg,
		locks:    locks,
		presence: tracker,
		backend:  backend,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Ping(ctx)
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     claims.Email,
		Avatar:    claims.Avatar,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
		Label:     claims.Label(),
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) AcquireLock(ctx context.Context, session Session, resourceID string) (lock.Grant, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return lock.Grant{}, validationError(errors.New("resourceId is required"))
	}
	grant, err := s.locks.Acquire(ctx, resourceID, session.UserID, session.Label)
	if err != nil {
		return lock.Grant{}, err
	}
	logging.FromContext(ctx).Debug("lock granted", "resource_id", resourceID, "user_id", session.UserID)
	return grant, nil
}

// ReleaseLock never fails the caller: the lease expires on its own, so a
// backend error is only logged.
func (s *Service) ReleaseLock(ctx context.Context, session Session, resourceID string) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return
	}
	if err := s.locks.Release(ctx, resourceID, session.UserID); err != nil {
		logging.FromContext(ctx).Warn("lock release failed", "resource_id", resourceID, "user_id", session.UserID, "error", err)
	}
}

// ListLocks fails open: the list only drives UI hints and every acquire is
// checked again by the store.
func (s *Service) ListLocks(ctx context.Context) []lock.Lock {
	locks, err := s.locks.List(ctx)
	if err != nil {
		logging.FromContext(ctx).Warn("lock list failed", "error", err)
		return []lock.Lock{}
	}
	return locks
}

func (s *Service) SweepLocks(ctx context.Context) (int64, error) {
	return s.locks.Sweep(ctx)
}

func (s *Service) Heartbeat(ctx context.Context, session Session) error {
	return s.presence.Heartbeat(ctx, session.UserID, session.Email)
}

// OfflineBeacon marks userID offline when the beacon's token belongs to that
// user. Anything else is dropped; the caller always answers 204.
func (s *Service) OfflineBeacon(ctx context.Context, token, userID string) {
	logger := logging.FromContext(ctx)
	if token == "" {
		logger.Debug("offline beacon without token ignored")
		return
	}
	session, err := s.SessionFromToken(ctx, token)
	if err != nil {
		logger.Debug("offline beacon with bad token ignored", "error", err)
		return
	}
	if userID != "" && userID != session.UserID {
		logger.Warn("offline beacon for another user ignored", "user_id", session.UserID, "target", userID)
		return
	}
	if err := s.presence.MarkOffline(ctx, session.UserID); err != nil {
		logger.Warn("offline beacon failed", "user_id", session.UserID, "error", err)
	}
}

func (s *Service) ListPresence(ctx context.Context) ([]presence.Record, error) {
	return s.presence.List(ctx)
}

func isTransient(err error) bool {
	return errors.Is(err, lock.ErrTransientStore) || errors.Is(err, presence.ErrTransientStore)
}

// sessionLogger tags the request logger with the caller.
func sessionLogger(ctx context.Context, session Session) *slog.Logger {
	return logging.FromContext(ctx).With("user_id", session.UserID, "role", session.Role)
}
