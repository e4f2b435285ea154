package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SessionState tracks the lifecycle of a whole session.
type SessionState int32

const (
	SessionCreated SessionState = iota
	SessionRunning
	SessionCompleted
	SessionAborted
)

// ModelState tracks one model's progress within a session.
type ModelState string

const (
	ModelPending    ModelState = "pending"
	ModelInProgress ModelState = "in_progress"
	ModelDone       ModelState = "done"
)

// Options bounds a session's concurrency and lifetime.
type Options struct {
	// MaxConcurrency caps models probed simultaneously.
	MaxConcurrency int
	// ProbeTimeout bounds each individual upstream call.
	ProbeTimeout time.Duration
	// SessionTimeout bounds the whole session independent of probe timeouts.
	SessionTimeout time.Duration
}

// StageFactory builds the stage sequence for one model.
type StageFactory func(model string) []Stage

// ErrNoModels indicates a session started with an empty model list.
var ErrNoModels = errors.New("healthcheck: no models to check")

// Session drives test stages for a set of models against one channel and
// streams per-model snapshots as stages complete. Results for different
// models may interleave; results for one model grow monotonically in
// completed stages.
type Session struct {
	models []string
	prober Prober
	stages StageFactory
	opts   Options

	results chan *Result

	mu          sync.Mutex
	state       SessionState
	modelStates map[string]ModelState
}

// NewSession constructs a session for an explicit model list.
func NewSession(modelList []string, prober Prober, stages StageFactory, opts Options) (*Session, error) {
	if len(modelList) == 0 {
		return nil, ErrNoModels
	}
	if prober == nil {
		return nil, fmt.Errorf("healthcheck: nil prober")
	}
	if stages == nil {
		stages = DefaultStages
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 60 * time.Second
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 15 * time.Minute
	}

	modelStates := make(map[string]ModelState, len(modelList))
	for _, model := range modelList {
		modelStates[model] = ModelPending
	}

	// Buffer one slot per expected event so producers never stall on a
	// slow consumer; the buffer is bounded by the session's own size.
	bufSize := 0
	for _, model := range modelList {
		bufSize += len(stages(model))
	}

	return &Session{
		models:      modelList,
		prober:      prober,
		stages:      stages,
		opts:        opts,
		results:     make(chan *Result, bufSize),
		modelStates: modelStates,
		state:       SessionCreated,
	}, nil
}

// Events is the stream of per-model snapshots. Closed when the session
// finishes; closure is the only completion signal.
func (s *Session) Events() <-chan *Result {
	return s.results
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ModelStateOf returns the progress of one model.
func (s *Session) ModelStateOf(model string) ModelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.modelStates[model]; ok {
		return state
	}
	return ModelPending
}

// Run executes the session until all models finish or ctx is canceled,
// then closes the event stream. Cancellation stops dispatch of further
// stages; a probe already in flight runs to its own timeout.
func (s *Session) Run(ctx context.Context) {
	defer close(s.results)

	ctx, cancel := context.WithTimeout(ctx, s.opts.SessionTimeout)
	defer cancel()

	s.setState(SessionRunning)

	sem := make(chan struct{}, s.opts.MaxConcurrency)
	var wg sync.WaitGroup

	for _, model := range s.models {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			s.setState(SessionAborted)
			wg.Wait()
			return
		}

		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runModel(ctx, model)
		}(model)
	}

	wg.Wait()
	if ctx.Err() != nil {
		s.setState(SessionAborted)
		return
	}
	s.setState(SessionCompleted)
}

// runModel drives the stage sequence for one model, emitting a fresh
// snapshot after each completed stage.
func (s *Session) runModel(ctx context.Context, model string) {
	s.setModelState(model, ModelInProgress)
	defer s.setModelState(model, ModelDone)

	result := &Result{Model: model, Process: make([]*StageResult, 0)}

	for _, stage := range s.stages(model) {
		if ctx.Err() != nil {
			return
		}

		req := stage.Request()
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
		resp, probeErr := s.prober.Probe(probeCtx, req)
		cancel()

		result.Process = append(result.Process, &StageResult{
			Name:  stage.Name(),
			Steps: stage.Evaluate(req, resp, probeErr),
		})

		select {
		case s.results <- result.clone():
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Aborted and Completed are terminal.
	if s.state == SessionAborted || s.state == SessionCompleted {
		return
	}
	s.state = state
	if state == SessionAborted {
		log.Debug("health-check session aborted")
	}
}

func (s *Session) setModelState(model string, state ModelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelStates[model] = state
}
