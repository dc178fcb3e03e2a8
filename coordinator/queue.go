package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/drpcorg/netsync/netsync_errors"
	"github.com/drpcorg/netsync/utils"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrRateLimited = errors.New("coordinator: request rate exceeded")

// Locator reports where a resource lives now, false once it is gone.
type Locator interface {
	Locate(resource uuid.UUID) (Key, bool)
}

type LocatorFunc func(resource uuid.UUID) (Key, bool)

func (f LocatorFunc) Locate(resource uuid.UUID) (Key, bool) {
	return f(resource)
}

// Applier performs one confirmed request against the live location.
type Applier interface {
	Apply(ctx context.Context, req Request, at Key) error
}

type ApplierFunc func(ctx context.Context, req Request, at Key) error

func (f ApplierFunc) Apply(ctx context.Context, req Request, at Key) error {
	return f(ctx, req, at)
}

type Options struct {
	// Rate and Burst bound the requests one peer may enqueue.
	Rate  rate.Limit
	Burst int
	Log   utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Rate == 0 {
		o.Rate = 10
	}
	if o.Burst == 0 {
		o.Burst = 20
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

// Queue collects requests on the authoritative peer and applies them once
// per tick, at most one per resource. A request for a resource already
// served waits for the next tick.
type Queue struct {
	authoritative bool
	locator       Locator
	applier       Applier
	opts          Options

	lock     sync.Mutex
	pending  []Request
	limiters map[uint64]*rate.Limiter
}

func NewQueue(authoritative bool, locator Locator, applier Applier, opts Options) *Queue {
	opts.SetDefaults()
	return &Queue{
		authoritative: authoritative,
		locator:       locator,
		applier:       applier,
		opts:          opts,
		limiters:      make(map[uint64]*rate.Limiter),
	}
}

func (q *Queue) Authoritative() bool {
	return q.authoritative
}

func (q *Queue) limiter(peer uint64) *rate.Limiter {
	limiter, ok := q.limiters[peer]
	if !ok {
		limiter = rate.NewLimiter(q.opts.Rate, q.opts.Burst)
		q.limiters[peer] = limiter
	}
	return limiter
}

func (q *Queue) Enqueue(req Request) error {
	if !q.authoritative {
		return netsync_errors.ErrNotAuthoritative
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.limiter(req.Peer).Allow() {
		return ErrRateLimited
	}
	q.pending = append(q.pending, req)
	return nil
}

// Drain applies everything queued so far in arrival order and returns the
// number applied. Each request is resolved against the resource's current
// location; later requests for a resource already served this round stay
// queued, ahead of anything enqueued since.
func (q *Queue) Drain(ctx context.Context) (applied int) {
	q.lock.Lock()
	batch := q.pending
	q.pending = nil
	q.lock.Unlock()

	var later []Request
	served := make(map[uuid.UUID]struct{}, len(batch))
	defer func() {
		if len(later) == 0 {
			return
		}
		q.lock.Lock()
		q.pending = append(later, q.pending...)
		q.lock.Unlock()
	}()
	for _, req := range batch {
		if _, ok := served[req.Resource]; ok {
			q.opts.Log.DebugCtx(ctx, "coordinator: resource already served this tick, request carried over",
				"request", req.ID.String(), "resource", req.Resource.String())
			later = append(later, req)
			continue
		}
		at, ok := q.locator.Locate(req.Resource)
		if !ok {
			q.opts.Log.InfoCtx(ctx, "coordinator: resource vanished, request dropped",
				"request", req.ID.String(), "peer", req.Peer, "resource", req.Resource.String(), "seen", req.Key().String())
			continue
		}
		if at != req.Key() {
			q.opts.Log.DebugCtx(ctx, "coordinator: resource moved since request",
				"request", req.ID.String(), "seen", req.Key().String(), "now", at.String())
		}
		served[req.Resource] = struct{}{}
		if err := q.applier.Apply(ctx, req, at); err != nil {
			q.opts.Log.WarnCtx(ctx, "coordinator: apply failed",
				"request", req.ID.String(), "action", req.Action, "err", err)
			continue
		}
		applied++
	}
	return applied
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending)
}

// Forget drops a departed peer's limiter. Requests it made before leaving
// stay queued.
func (q *Queue) Forget(peer uint64) {
	q.lock.Lock()
	defer q.lock.Unlock()
	delete(q.limiters, peer)
}
