package config

import (
	"fmt"

	"github.com/google/uuid"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionEventsChannel returns the Redis PubSub channel carrying a session's live proctor feed
func (r *CacheKeyStruct) SessionEventsChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

// SessionSnapshotKey returns the cache key holding the last snapshot of a session
func (r *CacheKeyStruct) SessionSnapshotKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s:snapshot", sessionID)
}

var CacheKey = NewCacheKeyStruct()
