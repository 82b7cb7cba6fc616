package redisstore

import "fmt"

// Key layout:
//
//	{prefix}:lock:{resource_id}     hash of one lease
//	{prefix}:locks                  set of resource ids that may hold a lease
//	{prefix}:presence:{user_id}     hash of one presence record
//	{prefix}:presence               set of user ids with a presence record

func lockKey(prefix, resourceID string) string {
	return fmt.Sprintf("%s:lock:%s", prefix, resourceID)
}

func lockIndexKey(prefix string) string {
	return prefix + ":locks"
}

func presenceKey(prefix, userID string) string {
	return fmt.Sprintf("%s:presence:%s", prefix, userID)
}

func presenceIndexKey(prefix string) string {
	return prefix + ":presence"
}
