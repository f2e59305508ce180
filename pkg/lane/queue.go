package lane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Task represents one unit of lane work. The queue is deliberately
// agnostic about what a task does; the daemon closes over the turn.
type Task func(ctx context.Context) (interface{}, error)

// Result carries the outcome of a task back to the submitter
type Result struct {
	Value interface{}
	Err   error
}

var (
	// ErrLaneOverflow is returned when a lane's pending depth exceeds the
	// configured bound. The caller decides whether to drop or reply with a
	// backpressure notice.
	ErrLaneOverflow = errors.New("lane overflow: too many pending turns")

	// ErrShuttingDown is returned for submissions after Close has begun
	ErrShuttingDown = errors.New("queue is shutting down")
)

type pending struct {
	task   Task
	ctx    context.Context
	result chan Result
}

// laneState holds the FIFO queue and busy flag for one user. All access
// goes through mu; the busy flag and queue must change together so a
// worker's check-and-exit is atomic.
type laneState struct {
	queue []*pending
	busy  bool
	mu    sync.Mutex
}

// Config holds queue configuration
type Config struct {
	MaxDepth       int // pending turns per lane before overflow
	MaxActiveLanes int // lanes draining simultaneously
	Logger         zerolog.Logger
}

// Queue serializes tasks per lane ID while unrelated lanes run
// concurrently, bounded by MaxActiveLanes.
type Queue struct {
	lanes    map[string]*laneState
	maxDepth int
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	mu      sync.RWMutex
	wg      sync.WaitGroup
	closed  bool
	closeMu sync.RWMutex
}

// New creates a new lane queue
func New(cfg Config) *Queue {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 16
	}
	if cfg.MaxActiveLanes <= 0 {
		cfg.MaxActiveLanes = 8
	}

	return &Queue{
		lanes:    make(map[string]*laneState),
		maxDepth: cfg.MaxDepth,
		sem:      semaphore.NewWeighted(int64(cfg.MaxActiveLanes)),
		logger:   cfg.Logger,
	}
}

// Submit appends a task to the lane for laneID. If no worker is draining
// that lane, one is started. The returned channel receives exactly one
// Result. Submission order within a lane is processed strictly FIFO.
func (q *Queue) Submit(ctx context.Context, laneID string, task Task) (<-chan Result, error) {
	if laneID == "" {
		return nil, fmt.Errorf("lane id is required")
	}
	if task == nil {
		return nil, fmt.Errorf("task is required")
	}

	q.closeMu.RLock()
	if q.closed {
		q.closeMu.RUnlock()
		return nil, ErrShuttingDown
	}
	q.closeMu.RUnlock()

	ls := q.lane(laneID)

	p := &pending{
		task:   task,
		ctx:    ctx,
		result: make(chan Result, 1),
	}

	ls.mu.Lock()
	if len(ls.queue) >= q.maxDepth {
		depth := len(ls.queue)
		ls.mu.Unlock()
		q.logger.Warn().Str("lane", laneID).Int("depth", depth).Msg("Lane overflow, submission rejected")
		return nil, ErrLaneOverflow
	}
	ls.queue = append(ls.queue, p)
	startWorker := !ls.busy
	if startWorker {
		ls.busy = true
	}
	depth := len(ls.queue)
	ls.mu.Unlock()

	q.logger.Debug().Str("lane", laneID).Int("depth", depth).Msg("Turn enqueued")

	if startWorker {
		q.wg.Add(1)
		go q.drain(laneID, ls)
	}

	return p.result, nil
}

// lane gets or creates the state for a lane ID
func (q *Queue) lane(laneID string) *laneState {
	q.mu.RLock()
	ls, ok := q.lanes[laneID]
	q.mu.RUnlock()
	if ok {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, ok = q.lanes[laneID]; ok {
		return ls
	}
	ls = &laneState{}
	q.lanes[laneID] = ls
	return ls
}

// drain pops and runs tasks strictly sequentially until the lane is
// empty. The empty-check and busy-flag release happen under the lane
// lock, so a task appended mid-drain is always observed before the
// worker exits.
func (q *Queue) drain(laneID string, ls *laneState) {
	defer q.wg.Done()

	if err := q.sem.Acquire(context.Background(), 1); err != nil {
		// Only fails if the context is cancelled; we pass Background.
		q.abandon(laneID, ls, err)
		return
	}
	defer q.sem.Release(1)

	for {
		ls.mu.Lock()
		if len(ls.queue) == 0 {
			ls.busy = false
			ls.mu.Unlock()
			return
		}
		p := ls.queue[0]
		ls.queue = ls.queue[1:]
		ls.mu.Unlock()

		q.run(laneID, p)
	}
}

// run executes one task, converting panics into error results so a single
// bad turn never poisons the lane.
func (q *Queue) run(laneID string, p *pending) {
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().Str("lane", laneID).Interface("panic", r).Msg("Turn handler panicked")
			p.result <- Result{Err: fmt.Errorf("internal error processing turn")}
			close(p.result)
		}
	}()

	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	value, err := p.task(ctx)

	if err != nil {
		q.logger.Error().Str("lane", laneID).Dur("duration", time.Since(started)).Err(err).Msg("Turn failed")
	} else {
		q.logger.Debug().Str("lane", laneID).Dur("duration", time.Since(started)).Msg("Turn completed")
	}

	p.result <- Result{Value: value, Err: err}
	close(p.result)
}

// abandon rejects every queued task for a lane and releases the busy flag
func (q *Queue) abandon(laneID string, ls *laneState, cause error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, p := range ls.queue {
		p.result <- Result{Err: cause}
		close(p.result)
	}
	ls.queue = nil
	ls.busy = false

	q.logger.Error().Str("lane", laneID).Err(cause).Msg("Lane abandoned")
}

// Depth returns the number of pending tasks for a lane
func (q *Queue) Depth(laneID string) int {
	q.mu.RLock()
	ls, ok := q.lanes[laneID]
	q.mu.RUnlock()
	if !ok {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Busy reports whether a worker is currently draining the lane
func (q *Queue) Busy(laneID string) bool {
	q.mu.RLock()
	ls, ok := q.lanes[laneID]
	q.mu.RUnlock()
	if !ok {
		return false
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.busy
}

// Close stops admitting new submissions and waits for in-flight workers
// to finish their current turns, up to the context deadline.
func (q *Queue) Close(ctx context.Context) error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return nil
	}
	q.closed = true
	q.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info().Msg("Lane queue drained")
		return nil
	case <-ctx.Done():
		q.logger.Warn().Msg("Timeout waiting for lanes to drain")
		return ctx.Err()
	}
}
