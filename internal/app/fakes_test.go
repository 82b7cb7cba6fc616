package app

import (
	"context"
	"testing"
	"time"

	"scriptsync/api/internal/auth"
	"scriptsync/api/internal/config"
	"scriptsync/api/internal/lock"
	"scriptsync/api/internal/presence"
)

const testSecret = "test-secret"

type fakeLocks struct {
	acquireFn func(context.Context, string, string, string) (lock.Grant, error)
	releaseFn func(context.Context, string, string) error
	listFn    func(context.Context) ([]lock.Lock, error)
	sweepFn   func(context.Context) (int64, error)
}

func (f *fakeLocks) Acquire(ctx context.Context, resourceID, ownerID, ownerLabel string) (lock.Grant, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, resourceID, ownerID, ownerLabel)
	}
	return lock.Grant{ResourceID: resourceID, ExpiresAt: time.Now().Add(lock.DefaultTTL)}, nil
}

func (f *fakeLocks) Release(ctx context.Context, resourceID, ownerID string) error {
	if f.releaseFn != nil {
		return f.releaseFn(ctx, resourceID, ownerID)
	}
	return nil
}

func (f *fakeLocks) List(ctx context.Context) ([]lock.Lock, error) {
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	return []lock.Lock{}, nil
}

func (f *fakeLocks) Sweep(ctx context.Context) (int64, error) {
	if f.sweepFn != nil {
		return f.sweepFn(ctx)
	}
	return 0, nil
}

type fakePresence struct {
	heartbeatFn   func(context.Context, string, string) error
	markOfflineFn func(context.Context, string) error
	listFn        func(context.Context) ([]presence.Record, error)
}

func (f *fakePresence) Heartbeat(ctx context.Context, userID, email string) error {
	if f.heartbeatFn != nil {
		return f.heartbeatFn(ctx, userID, email)
	}
	return nil
}

func (f *fakePresence) MarkOffline(ctx context.Context, userID string) error {
	if f.markOfflineFn != nil {
		return f.markOfflineFn(ctx, userID)
	}
	return nil
}

func (f *fakePresence) List(ctx context.Context) ([]presence.Record, error) {
	if f.listFn != nil {
		return f.listFn(ctx)
	}
	return []presence.Record{}, nil
}

type fakePinger struct {
	pingFn func(context.Context) error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestService(fl *fakeLocks, fp *fakePresence) *Service {
	return &Service{
		cfg:      config.Config{JWTSecret: testSecret},
		locks:    fl,
		presence: fp,
		backend:  &fakePinger{},
	}
}

func issueTestToken(t *testing.T, userID, email, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   userID,
		Name:  userID,
		Email: email,
		Role:  role,
		JTI:   "jti-" + userID,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}
