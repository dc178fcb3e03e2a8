package protocol

import (
	"context"
	"io"
)

// Feeder produces outbound records. The EoF convention follows io.Reader:
// either `records, EoF` or `records, nil` followed by `nil, EoF`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer consumes inbound records.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Traced objects carry an id for log correlation.
type Traced interface {
	GetTraceId() string
}

type FeedDrainCloserTraced interface {
	FeedDrainCloser
	Traced
}

// Relay performs a single feed-drain step.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if len(recs) > 0 {
		if derr := drainer.Drain(ctx, recs); err == nil {
			err = derr
		}
	}
	return err
}

// PumpCtx relays until an error occurs or ctx is cancelled.
func PumpCtx(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}
