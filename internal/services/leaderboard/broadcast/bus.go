// Package broadcast defines the shared channel that relays rank-change
// publications across service instances.
//
// Delivery is at-least-once with best-effort ordering: an instance that is
// transiently disconnected reconnects and resumes without replaying missed
// publications, so observers may skip intermediate states and only see the
// latest ranking on their next push.
package broadcast

import (
	"context"
	"time"
)

// Event is one rank-change publication on the shared channel.
type Event struct {
	ParticipantID string    `json:"participant_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher emits rank-change publications.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a fan-out channel reaching every subscribed service instance.
type Bus interface {
	Publisher

	// Subscribe delivers every publication to handler until ctx ends. It
	// blocks for the lifetime of the subscription.
	Subscribe(ctx context.Context, handler func(Event)) error

	Close() error
}
