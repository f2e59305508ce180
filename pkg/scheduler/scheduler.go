package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FireFunc receives each due job. Implementations submit a synthetic
// turn into the target user's lane and must not block on turn
// completion.
type FireFunc func(job Job)

// Config holds scheduler configuration
type Config struct {
	StorePath  string
	Fire       FireFunc
	Logger     zerolog.Logger
	WatchStore bool // reload on external edits to the store file
}

// Scheduler owns the job set and a single timer loop that fires due
// jobs into lanes. Explicitly lifecycle-scoped: created at startup,
// stopped at shutdown. The mutex guarding the job set is distinct from
// any lane lock.
type Scheduler struct {
	jobs    map[string]*Job
	heap    fireHeap
	fire    FireFunc
	logger  zerolog.Logger
	path    string
	watch   bool
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	wake    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool

	// Set around our own persists so the store watcher ignores them
	suppressUntil time.Time
}

// New creates a scheduler and loads any persisted jobs. Jobs whose due
// time passed while the process was down are fired once on Start
// (catch-up-once, never catch-up-all).
func New(cfg Config) (*Scheduler, error) {
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if cfg.Fire == nil {
		return nil, fmt.Errorf("fire callback is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		jobs:   make(map[string]*Job),
		fire:   cfg.Fire,
		logger: cfg.Logger,
		path:   cfg.StorePath,
		watch:  cfg.WatchStore,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := s.load(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load job store, starting empty")
	}

	return s, nil
}

// Start launches the timer loop and, when configured, the store watcher
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	count := len(s.jobs)
	s.mu.Unlock()

	if s.watch {
		if err := s.startWatcher(); err != nil {
			s.logger.Warn().Err(err).Msg("Store watcher unavailable")
		}
	}

	go s.loop()

	s.logger.Info().Int("jobs", count).Msg("Scheduler started")
	return nil
}

// Stop stops admitting new fires and waits for the timer loop to exit.
// In-flight lane turns are not waited on; the lane queue owns those.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopped || !s.started {
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	<-s.done

	if s.watcher != nil {
		s.watcher.Close()
	}

	if err := s.persist(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist job store on shutdown")
		return err
	}

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// Register adds a job dynamically and persists the store
func (s *Scheduler) Register(spec JobSpec) (*Job, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if spec.UserID == "" {
		return nil, fmt.Errorf("job target user is required")
	}

	next, err := spec.Trigger.Next(time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid trigger: %w", err)
	}

	job := &Job{
		ID:        uuid.New().String(),
		Name:      spec.Name,
		UserID:    spec.UserID,
		Payload:   spec.Payload,
		Trigger:   spec.Trigger,
		Enabled:   spec.Enabled,
		CreatedAt: time.Now(),
		NextRun:   next,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler is stopped")
	}
	s.jobs[job.ID] = job
	if job.Enabled {
		heap.Push(&s.heap, fireEntry{jobID: job.ID, at: job.NextRun})
	}
	err = s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("job", job.ID).Str("name", job.Name).Time("nextRun", job.NextRun).Msg("Job registered")
	s.kick()
	return job, nil
}

// Cancel removes a job
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	delete(s.jobs, id)
	err := s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}

	s.logger.Info().Str("job", id).Str("name", job.Name).Msg("Job cancelled")
	s.kick()
	return nil
}

// List returns a snapshot of all jobs
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}

// Get returns a snapshot of one job
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// kick wakes the timer loop so it recomputes its sleep
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the single timer goroutine: sleep until the earliest due
// time, fire everything due, repeat.
func (s *Scheduler) loop() {
	defer close(s.done)

	for {
		s.fireDue()

		next, ok := s.peekNext()

		var timerC <-chan time.Time
		var timer *time.Timer
		if ok {
			delay := time.Until(next)
			if delay < 0 {
				delay = 0
			}
			timer = time.NewTimer(delay)
			timerC = timer.C
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// peekNext returns the earliest valid fire time, discarding stale heap
// entries on the way.
func (s *Scheduler) peekNext() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		entry := s.heap[0]
		job, ok := s.jobs[entry.jobID]
		if !ok || !job.Enabled || !job.NextRun.Equal(entry.at) {
			heap.Pop(&s.heap)
			continue
		}
		return entry.at, true
	}
	return time.Time{}, false
}

// fireDue fires every job whose time has come, then reschedules or
// removes it. Firing only submits a turn; it never waits on one.
func (s *Scheduler) fireDue() {
	now := time.Now()

	var due []*Job

	s.mu.Lock()
	for s.heap.Len() > 0 {
		entry := s.heap[0]
		job, ok := s.jobs[entry.jobID]
		if !ok || !job.Enabled || !job.NextRun.Equal(entry.at) {
			heap.Pop(&s.heap) // stale
			continue
		}
		if entry.at.After(now) {
			break
		}
		heap.Pop(&s.heap)

		job.LastRun = now
		job.LastStatus = "fired"

		if job.Trigger.Kind == TriggerOneShot {
			delete(s.jobs, job.ID)
		} else {
			next, err := job.Trigger.Next(now)
			if err != nil {
				s.logger.Error().Str("job", job.ID).Err(err).Msg("Failed to compute next run, disabling job")
				job.Enabled = false
			} else {
				job.NextRun = next
				heap.Push(&s.heap, fireEntry{jobID: job.ID, at: next})
			}
		}

		snapshot := *job
		due = append(due, &snapshot)
	}
	var persistErr error
	if len(due) > 0 {
		persistErr = s.persistLocked()
	}
	s.mu.Unlock()

	if persistErr != nil {
		s.logger.Error().Err(persistErr).Msg("Failed to persist job store after firing")
	}

	for _, job := range due {
		s.logger.Info().Str("job", job.ID).Str("name", job.Name).Str("user", job.UserID).Msg("Firing job")
		s.fire(*job)
	}
}

// load reads the persisted job set. Past-due next-run times are kept as
// is: the first loop pass fires them immediately, giving each missed job
// exactly one catch-up firing.
func (s *Scheduler) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read job store: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse job store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*Job, len(jobs))
	s.heap = s.heap[:0]
	for _, job := range jobs {
		s.jobs[job.ID] = job
		if job.Enabled {
			heap.Push(&s.heap, fireEntry{jobID: job.ID, at: job.NextRun})
		}
	}

	s.logger.Info().Int("jobs", len(jobs)).Msg("Job store loaded")
	return nil
}

// persistLocked writes the job store atomically; callers hold s.mu
func (s *Scheduler) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	s.suppressUntil = time.Now().Add(2 * time.Second)

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp store: %w", err)
	}
	if err := os.Rename(tempFile, s.path); err != nil {
		return fmt.Errorf("failed to rename temp store: %w", err)
	}

	return nil
}

// persist writes the job store atomically
func (s *Scheduler) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// startWatcher reloads the job set when the store file is edited
// externally while the daemon runs.
func (s *Scheduler) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		s.watcher = nil
		return err
	}

	go func() {
		for {
			select {
			case <-s.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				s.mu.Lock()
				own := time.Now().Before(s.suppressUntil)
				s.mu.Unlock()
				if own {
					continue
				}

				s.logger.Info().Msg("Job store changed externally, reloading")
				if err := s.load(); err != nil {
					s.logger.Error().Err(err).Msg("Failed to reload job store")
					continue
				}
				s.kick()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Msg("Store watcher error")
			}
		}
	}()

	return nil
}
