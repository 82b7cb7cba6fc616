package store

import "time"

// Lock is a lease on a single graph node. A lock whose ExpiresAt has passed is
// treated as absent even while its row still exists.
type Lock struct {
	ResourceID string
	OwnerID    string
	OwnerLabel string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Live reports whether the lease is still in force at now.
func (l Lock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

type PresenceRecord struct {
	UserID   string
	Email    string
	LastSeen time.Time
	IsOnline bool
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
