package contracts

import (
	"encoding/json"
	"time"
)

// DomainEvent is the envelope published to JetStream by dispatch-api and
// consumed by event-sink and other collaborators.
type DomainEvent struct {
	EventID    string          `json:"event_id"`
	Kind       string          `json:"kind"`
	RequestID  string          `json:"request_id,omitempty"`
	ShardID    int             `json:"shard_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}
