// Package schedule micro-batches concurrent inference requests onto a single
// model adapter, amortizing the fixed per call cost of the model across
// callers without unbounded latency.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cortexvision/detserve"
)

// ErrClosed is returned for submissions to a closed scheduler and delivered
// to requests still pending when the scheduler shuts down
var ErrClosed = errors.New("scheduler closed")

// Options configure the scheduler
type Options struct {
	// MaxBatchSize flushes a batch once this many tensors are pending
	MaxBatchSize int
	// MaxBatchDelay flushes a batch once the oldest pending request has
	// waited this long
	MaxBatchDelay time.Duration
	// MaxQueueDepth fails new submissions once this many requests are
	// pending
	MaxQueueDepth int
	// RequestTimeout fails a request still unflushed after this long
	RequestTimeout time.Duration
	// Clock drives flush and timeout timers, defaults to the wall clock
	Clock clock.Clock
	// Logger defaults to a no-op logger
	Logger *zap.Logger
	// Metrics is optional
	Metrics *Metrics
}

// Result delivers the raw predictions, or the failure, for one request
type Result struct {
	// Predictions hold one raw prediction per submitted tensor, in
	// submission order
	Predictions []detserve.RawPrediction
	// Err is set when the request failed
	Err error
}

// request is a pending unit of work.  It lives from submission until its
// results are dispatched, it times out, or it is cancelled.
type request struct {
	id       string
	tensors  []*detserve.Tensor
	ctx      context.Context
	resultCh chan Result
	arrived  time.Time
	deadline time.Time
}

// Scheduler owns the model adapter exclusively.  All queue mutation happens
// on the run goroutine, the adapter is never invoked concurrently with
// itself.
type Scheduler struct {
	adapter detserve.ModelAdapter
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	submitCh chan *request
	// sweepCh asks the run goroutine to drop cancelled and expired entries
	sweepCh chan struct{}
	// depth tracks pending requests for fast fail backpressure
	depth atomic.Int64

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New returns a running scheduler that owns the given adapter
func New(adapter detserve.ModelAdapter, opts Options) *Scheduler {

	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 8
	}

	if opts.MaxBatchDelay <= 0 {
		opts.MaxBatchDelay = 15 * time.Millisecond
	}

	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = 64
	}

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Second
	}

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Scheduler{
		adapter:  adapter,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		submitCh: make(chan *request, opts.MaxQueueDepth),
		sweepCh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	go s.run()

	return s
}

// Submit queues tensors for inference and returns the request ID and the
// channel the result will be delivered on.  It fails immediately with an
// *OverloadedError when the pending queue is at its depth limit.  A request
// is included in exactly one batch and is never split across two batches.
//
// Requests cancelled while still pending release their queue slot on the
// next flush, timer tick, or rejected submission, so a rejection may briefly
// count requests whose contexts are already cancelled.
func (s *Scheduler) Submit(ctx context.Context, tensors []*detserve.Tensor) (string, <-chan Result, error) {

	if len(tensors) == 0 {
		return "", nil, errors.New("submit requires at least one tensor")
	}

	select {
	case <-s.done:
		return "", nil, ErrClosed
	default:
	}

	depth := s.depth.Add(1)

	if int(depth) > s.opts.MaxQueueDepth {
		s.depth.Add(-1)

		// trigger a sweep so slots held by cancelled or expired requests
		// free up for the next submission
		select {
		case s.sweepCh <- struct{}{}:
		default:
		}

		if s.metrics != nil {
			s.metrics.Rejected.Inc()
		}

		return "", nil, &detserve.OverloadedError{
			Depth: int(depth) - 1,
			Limit: s.opts.MaxQueueDepth,
		}
	}

	now := s.clock.Now()

	req := &request{
		id:       uuid.NewString(),
		tensors:  tensors,
		ctx:      ctx,
		resultCh: make(chan Result, 1),
		arrived:  now,
		deadline: now.Add(s.opts.RequestTimeout),
	}

	select {
	case s.submitCh <- req:
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.depth.Load()))
		}
		return req.id, req.resultCh, nil

	case <-s.done:
		s.depth.Add(-1)
		return "", nil, ErrClosed

	case <-ctx.Done():
		s.depth.Add(-1)
		return "", nil, ctx.Err()
	}
}

// Depth returns the number of currently pending requests
func (s *Scheduler) Depth() int {
	return int(s.depth.Load())
}

// Close stops the scheduler, fails any still pending requests with ErrClosed
// and closes the adapter
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	<-s.stopped

	return s.adapter.Close()
}

// run owns the pending queue.  It is the only goroutine that touches the
// queue or the adapter.
func (s *Scheduler) run() {

	defer close(s.stopped)

	var pending []*request
	var timer *clock.Timer
	var timerC <-chan time.Time

	// rearm the timer for the next flush-due or deadline event
	rearm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}

		if len(pending) == 0 {
			return
		}

		next := pending[0].arrived.Add(s.opts.MaxBatchDelay)

		for _, r := range pending {
			if r.deadline.Before(next) {
				next = r.deadline
			}
		}

		d := next.Sub(s.clock.Now())

		if d < 0 {
			d = 0
		}

		timer = s.clock.Timer(d)
		timerC = timer.C
	}

	for {
		select {
		case req := <-s.submitCh:
			pending = append(pending, req)

			for tensorCount(pending) >= s.opts.MaxBatchSize {
				pending = s.flush(pending)
			}

			rearm()

		case <-s.sweepCh:
			pending = s.expire(pending, s.clock.Now())
			rearm()

		case <-timerC:
			now := s.clock.Now()
			pending = s.expire(pending, now)

			if len(pending) > 0 &&
				!now.Before(pending[0].arrived.Add(s.opts.MaxBatchDelay)) {
				pending = s.flush(pending)
			}

			rearm()

		case <-s.done:
			for _, r := range pending {
				s.finish(r, Result{Err: ErrClosed})
			}

			// drain submissions that raced with shutdown
			for {
				select {
				case r := <-s.submitCh:
					s.finish(r, Result{Err: ErrClosed})
				default:
					return
				}
			}
		}
	}
}

// tensorCount is the accumulated item count across pending requests
func tensorCount(pending []*request) int {

	n := 0

	for _, r := range pending {
		n += len(r.tensors)
	}

	return n
}

// expire removes cancelled and timed out requests from the queue.  A removed
// request does not block the others.
func (s *Scheduler) expire(pending []*request, now time.Time) []*request {

	live := pending[:0]

	for _, r := range pending {
		switch {
		case r.ctx.Err() != nil:
			s.finish(r, Result{Err: r.ctx.Err()})

		case !now.Before(r.deadline):
			if s.metrics != nil {
				s.metrics.Expired.Inc()
			}

			s.logger.Debug("request timed out in queue",
				zap.String("request_id", r.id),
				zap.Duration("waited", now.Sub(r.arrived)))

			s.finish(r, Result{Err: &detserve.TimeoutError{
				RequestID: r.id,
				Stage:     detserve.StageQueued,
			}})

		default:
			live = append(live, r)
		}
	}

	return live
}

// flush assembles the next batch from the head of the queue, runs one
// inference call and dispatches the raw predictions back to the originating
// requests by position.  On adapter failure every member request receives
// the failure, no partial success.
func (s *Scheduler) flush(pending []*request) []*request {

	pending = s.expire(pending, s.clock.Now())

	if len(pending) == 0 {
		return pending
	}

	var batch []*request
	count := 0

	for _, r := range pending {
		// never split a request across two batches; an oversized request
		// flushes alone
		if len(batch) > 0 && count+len(r.tensors) > s.opts.MaxBatchSize {
			break
		}

		batch = append(batch, r)
		count += len(r.tensors)

		if count >= s.opts.MaxBatchSize {
			break
		}
	}

	rest := pending[len(batch):]

	tensors := make([]*detserve.Tensor, 0, count)

	for _, r := range batch {
		tensors = append(tensors, r.tensors...)
	}

	start := s.clock.Now()
	preds, err := s.adapter.Infer(tensors)
	elapsed := s.clock.Since(start)

	if s.metrics != nil {
		s.metrics.Flushes.Inc()
		s.metrics.BatchSize.Observe(float64(count))
		s.metrics.InferDuration.Observe(elapsed.Seconds())
	}

	if err == nil && len(preds) != count {
		err = fmt.Errorf("adapter returned %d predictions for %d tensors",
			len(preds), count)
	}

	if err != nil {
		s.logger.Warn("batch inference failed",
			zap.Int("batch_size", count),
			zap.Int("requests", len(batch)),
			zap.Error(err))

		for _, r := range batch {
			s.finish(r, Result{Err: &detserve.ModelError{RequestID: r.id, Err: err}})
		}

		return rest
	}

	s.logger.Debug("batch flushed",
		zap.Int("batch_size", count),
		zap.Int("requests", len(batch)),
		zap.Duration("infer_time", elapsed))

	idx := 0

	for _, r := range batch {
		n := len(r.tensors)
		s.finish(r, Result{Predictions: preds[idx : idx+n]})
		idx += n
	}

	return rest
}

// finish delivers a result and releases the request's queue slot
func (s *Scheduler) finish(r *request, res Result) {

	r.resultCh <- res

	depth := s.depth.Add(-1)

	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}
}
