package port

import (
	"context"

	"github.com/strogmv/txwatch/internal/domain"
)

// StreamKind distinguishes the three stream outcomes.
type StreamKind int

const (
	StreamNext StreamKind = iota
	StreamError
	StreamComplete
)

func (k StreamKind) String() string {
	switch k {
	case StreamNext:
		return "next"
	case StreamError:
		return "error"
	case StreamComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// StreamMessage is one item of an upstream stream. Err is set for StreamError.
type StreamMessage struct {
	Kind  StreamKind
	Event domain.RawEvent
	Err   error
}

// Stream is a live upstream subscription for one topic. Events is closed
// after a terminal message (error or complete) or after Close. Close is
// idempotent and safe after the stream has ended on its own.
type Stream interface {
	Events() <-chan StreamMessage
	Close()
}

// UpstreamFactory opens one subscription per call.
type UpstreamFactory interface {
	Open(ctx context.Context, topic domain.Topic) (Stream, error)
}
