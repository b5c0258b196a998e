package messaging

import (
	"errors"

	"github.com/nats-io/nats.go"
)

const (
	EventsStream   = "DISPATCH_EVENTS"
	EventsSubjects = "dispatch.event.>"
	SinkDurable    = "dispatch-event-sink"
	SinkQueueGroup = "dispatch-event-sink"
)

// EnsureStreams creates (or validates) the domain event stream.
func EnsureStreams(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(EventsStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return err
		}
		if _, addErr := js.AddStream(&nats.StreamConfig{
			Name:      EventsStream,
			Subjects:  []string{EventsSubjects},
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		}); addErr != nil {
			return addErr
		}
	}
	return nil
}
