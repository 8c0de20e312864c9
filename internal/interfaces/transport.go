package interfaces

import (
	"context"

	"github.com/BenjaminHolderbein/wallpaper-gen/internal/models"
)

// EventKind classifies an inbound message
type EventKind int

const (
	// EventProgress carries a ProgressEvent
	EventProgress EventKind = iota
	// EventResult carries the terminal ResultEvent
	EventResult
	// EventTransportError means the connection failed or closed before a result
	EventTransportError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventResult:
		return "result"
	case EventTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Event is one classified message delivered by a Channel
type Event struct {
	Kind     EventKind
	Progress *models.ProgressEvent
	Result   *models.ResultEvent
	Err      error
}

// Channel is an open connection scoped to a single generation job
type Channel interface {
	// Events delivers classified messages in arrival order.
	// The channel is closed once the connection has ended.
	Events() <-chan Event

	// Close tears down the connection. Closing an ended channel is a no-op.
	Close() error
}

// Dialer opens Channels to the generation service
type Dialer interface {
	// Open returns without waiting for the connection. The request is sent
	// exactly once when the connection is ready; dial failures arrive as an
	// EventTransportError on the returned Channel.
	Open(ctx context.Context, req models.GenerationRequest) (Channel, error)
}
