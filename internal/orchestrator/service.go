package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/appforge/internal/agent"
	"github.com/aristath/appforge/internal/aggregate"
	"github.com/aristath/appforge/internal/events"
	"github.com/aristath/appforge/internal/plugins"
	"github.com/aristath/appforge/internal/scheduler"
)

// Options configures a Service.
type Options struct {
	Capabilities   agent.Set
	Bus            *events.EventBus  // Optional; events are always kept in run history
	Logger         *slog.Logger      // Optional
	Recorder       Recorder          // Optional; receives every finished run
	Hooks          *plugins.Registry // Optional
	MaxConcurrency int               // Concurrent tasks per run (default 3)
	TaskTimeout    time.Duration     // Per-attempt timeout (default 120s)
	Retry          RetryConfig
	Breaker        BreakerConfig
	Clock          func() time.Time // Defaults to time.Now
	NewID          func() string    // Defaults to uuid.NewString
}

const (
	DefaultMaxConcurrency = 3
	DefaultTaskTimeout    = 120 * time.Second
)

func (o *Options) setDefaults() {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = DefaultTaskTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = DefaultRetryConfig()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
}

// Service owns every GenerationRun in the process and enforces at most one
// active run per project.
type Service struct {
	opts     Options
	logger   *slog.Logger
	breakers *CircuitBreakerRegistry

	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*run
	active map[string]string // projectID -> runID
	closed bool
}

// New creates a Service. Capabilities must cover every kind a run may schedule.
func New(opts Options) *Service {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:      opts,
		logger:    opts.Logger.With("component", "orchestrator"),
		breakers:  NewCircuitBreakerRegistry(opts.Breaker, opts.Logger),
		ctx:       ctx,
		cancelAll: cancel,
		runs:      make(map[string]*run),
		active:    make(map[string]string),
	}
}

func (s *Service) now() time.Time { return s.opts.Clock() }

// Breakers exposes the per-kind circuit breakers.
func (s *Service) Breakers() *CircuitBreakerRegistry { return s.breakers }

// Start validates the configuration, builds the task graph and launches a run
// in the background. It returns the new run's ID.
//
// Validation failures return a *scheduler.ValidationError and register nothing.
func (s *Service) Start(_ context.Context, req StartRequest) (string, error) {
	if req.ProjectID == "" {
		return "", errors.New("project id is required")
	}
	req.Config = req.Config.Clone()

	dag, err := scheduler.Build(req.Config)
	if err != nil {
		return "", err
	}
	kinds := make([]agent.Kind, 0, dag.Len())
	for _, t := range dag.Tasks() {
		kinds = append(kinds, t.Kind)
	}
	if err := s.opts.Capabilities.Validate(kinds); err != nil {
		return "", fmt.Errorf("capabilities: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	if runID, ok := s.active[req.ProjectID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	id := s.opts.NewID()
	r := newRun(s, id, req, dag)
	s.runs[id] = r
	s.active[req.ProjectID] = id
	s.wg.Add(1)
	s.mu.Unlock()

	r.logger.Info("generation queued", "template", string(req.Config.Template), "tasks", dag.Len())

	go func() {
		defer s.wg.Done()
		r.execute(s.ctx)
	}()
	return id, nil
}

// release frees the project slot once a run is terminal.
func (s *Service) release(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[r.projectID] == r.id {
		delete(s.active, r.projectID)
	}
}

func (s *Service) lookup(runID string) (*run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// Status returns a snapshot of the run.
func (s *Service) Status(runID string) (Snapshot, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	return r.snapshot(), nil
}

// Cancel requests cancellation of a run. Already-merged files are kept.
func (s *Service) Cancel(runID string) error {
	r, err := s.lookup(runID)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return ErrRunFinished
	default:
	}
	r.logger.Info("cancellation requested")
	r.requestCancel()
	return nil
}

// Wait blocks until the run is terminal or ctx is done.
func (s *Service) Wait(ctx context.Context, runID string) (Snapshot, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Events returns the run's event history so far.
func (s *Service) Events(runID string) ([]events.Event, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.emitter.History(), nil
}

// Emitter returns the run's emitter for streaming readers.
func (s *Service) Emitter(runID string) (*events.Emitter, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.emitter, nil
}

// Files returns the aggregated files of the run, sorted by path.
func (s *Service) Files(runID string) ([]aggregate.GeneratedFile, error) {
	r, err := s.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.files.Snapshot(), nil
}

// ActiveRun returns the non-terminal run of a project, if any.
func (s *Service) ActiveRun(projectID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[projectID]
	return id, ok
}

// Runs returns snapshots of every run known to this process, newest first.
func (s *Service) Runs() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Shutdown stops accepting runs, cancels active ones and waits for them to
// finish recording, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, r := range s.runs {
		r.requestCancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelAll()
		return nil
	case <-ctx.Done():
		s.cancelAll()
		return ctx.Err()
	}
}
