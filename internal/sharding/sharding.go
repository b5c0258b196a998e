package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of event partitions.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	return Slot(entityID, ShardCount)
}

// Slot maps a key onto one of n buckets with the same hash as GetShardID.
func Slot(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(crc32.ChecksumIEEE([]byte(key)) % uint32(n))
}

// EventSubject returns the NATS subject for an engine event.
// Format: dispatch.event.{shard_id}.{entity_type}.{entity_id}
func EventSubject(entityType, entityID string) string {
	return fmt.Sprintf("dispatch.event.%d.%s.%s", GetShardID(entityID), entityType, entityID)
}
