package redisstore

import (
	"sort"
	"strconv"
	"time"

	"scriptsync/api/internal/store"
)

func replyString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func replyMillis(v interface{}) time.Time {
	switch t := v.(type) {
	case int64:
		return time.UnixMilli(t).UTC()
	case string:
		return parseMillis(t)
	default:
		return time.Time{}
	}
}

func parseMillis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func lockFromHash(resourceID string, fields map[string]string) (store.Lock, bool) {
	owner, ok := fields["owner_id"]
	if !ok || owner == "" {
		return store.Lock{}, false
	}
	return store.Lock{
		ResourceID: resourceID,
		OwnerID:    owner,
		OwnerLabel: fields["owner_label"],
		AcquiredAt: parseMillis(fields["acquired_at_ms"]),
		ExpiresAt:  parseMillis(fields["expires_at_ms"]),
	}, true
}

func presenceFromHash(userID string, fields map[string]string) store.PresenceRecord {
	return store.PresenceRecord{
		UserID:   userID,
		Email:    fields["email"],
		LastSeen: parseMillis(fields["last_seen_ms"]),
		IsOnline: fields["is_online"] == "1",
	}
}

func sortLocks(locks []store.Lock) {
	sort.Slice(locks, func(i, j int) bool { return locks[i].ResourceID < locks[j].ResourceID })
}

func sortPresence(records []store.PresenceRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
}
