// Package partition provides single-writer execution per partition key.
//
// Every operation submitted for a key runs on that key's inbox goroutine, one
// at a time and in arrival order. Inboxes are created on first use and reaped
// once no operation is queued, so the number of live goroutines follows the
// number of busy partitions rather than the number of partitions ever seen.
package partition

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	apperrors "github.com/sgrastar/authrim-sub003/internal/platform/errors"
	"github.com/sgrastar/authrim-sub003/internal/platform/timeouts"
)

var (
	// ErrOutcomeUnknown is returned when the caller stopped waiting after the
	// operation started. It may or may not have been applied.
	ErrOutcomeUnknown = apperrors.New(apperrors.CodeUnavailable, "partition operation outcome unknown")
	// ErrNotExecuted is returned when the caller stopped waiting before the
	// operation started. It was never applied.
	ErrNotExecuted = apperrors.New(apperrors.CodeUnavailable, "partition operation not executed")
	// ErrClosed is returned after Close.
	ErrClosed = apperrors.New(apperrors.CodeUnavailable, "partition runtime closed")
)

// Func is an operation executed with exclusive access to one partition.
type Func func(ctx context.Context) error

// Options configures a Runtime.
type Options struct {
	// QueueSize bounds queued operations per partition.
	QueueSize int
	// JobTimeout bounds a single operation including its retry.
	JobTimeout time.Duration
	// RetryBackoff is the pause before the single transient retry.
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

// Runtime serializes operations per partition key.
type Runtime struct {
	opts Options

	mu      sync.Mutex
	inboxes map[string]*inbox
	closed  bool
	wg      sync.WaitGroup
}

type inbox struct {
	key  string
	jobs chan *job
	// refs counts operations submitted but not yet finished, including
	// submitters still blocked on a full queue.
	refs int
}

const (
	jobPending int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    Func
	state atomic.Int32
	done  chan error
}

// New builds a Runtime, filling unset options with defaults.
func New(opts Options) *Runtime {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = timeouts.ActorCall
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = timeouts.RetryBackoff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runtime{opts: opts, inboxes: make(map[string]*inbox)}
}

// Do runs fn with exclusive access to key and waits for its result.
//
// Once fn starts it runs to completion even if ctx is cancelled; the caller
// then receives ErrOutcomeUnknown. A transient failure is retried once.
func (r *Runtime) Do(ctx context.Context, key string, fn Func) error {
	if err := ctx.Err(); err != nil {
		return ErrNotExecuted
	}
	box, err := r.acquire(key)
	if err != nil {
		return err
	}

	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case box.jobs <- j:
	case <-ctx.Done():
		r.release(box, true)
		return ErrNotExecuted
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobPending, jobAbandoned) {
			return ErrNotExecuted
		}
		r.opts.Logger.Warn("partition caller gave up on running operation",
			zap.String("partition", key),
			zap.Error(ctx.Err()),
		)
		return ErrOutcomeUnknown
	}
}

// Active reports the number of live partition inboxes.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inboxes)
}

// Close rejects new operations and waits for queued ones to drain.
func (r *Runtime) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Runtime) acquire(key string) (*inbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	box, ok := r.inboxes[key]
	if !ok {
		box = &inbox{key: key, jobs: make(chan *job, r.opts.QueueSize)}
		r.inboxes[key] = box
		r.wg.Add(1)
		go r.loop(box)
	}
	box.refs++
	return box, nil
}

// release drops one reference. The last reference removes the inbox; when
// the drop comes from a submitter that never enqueued, the channel is closed
// so the idle loop exits.
func (r *Runtime) release(box *inbox, fromSubmitter bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	box.refs--
	if box.refs > 0 {
		return false
	}
	delete(r.inboxes, box.key)
	if fromSubmitter {
		close(box.jobs)
	}
	return true
}

func (r *Runtime) loop(box *inbox) {
	defer r.wg.Done()
	for j := range box.jobs {
		r.run(box.key, j)
		if r.release(box, false) {
			return
		}
	}
}

func (r *Runtime) run(key string, j *job) {
	if !j.state.CompareAndSwap(jobPending, jobRunning) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), r.opts.JobTimeout)
	defer cancel()

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := j.fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if !apperrors.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		r.opts.Logger.Warn("partition operation failed",
			zap.String("partition", key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.RetryBackoff)),
		backoff.WithMaxTries(2),
	)
	j.done <- err
}
