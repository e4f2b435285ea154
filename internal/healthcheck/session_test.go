package healthcheck

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubStage always yields one step with a fixed status.
type stubStage struct {
	name   string
	model  string
	status StepStatus
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Request() *ProbeRequest {
	return &ProbeRequest{Model: s.model, Messages: []Message{{Role: "user", Content: "hi"}}}
}

func (s *stubStage) Evaluate(req *ProbeRequest, resp *ProbeResponse, probeErr *ProbeError) []StepResult {
	return []StepResult{{Name: "step", Status: s.status, Remark: "stubbed"}}
}

// stubProber answers every probe with a canned response, optionally after a
// delay, and counts concurrent calls.
type stubProber struct {
	delay time.Duration

	mu          sync.Mutex
	inFlight    int
	maxInFlight int
}

func (p *stubProber) Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, *ProbeError) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, &ProbeError{Message: ctx.Err().Error()}
		}
	}
	return &ProbeResponse{ID: "chatcmpl-1", Model: req.Model, Content: "ok"}, nil
}

func stubStages(status StepStatus, count int) StageFactory {
	return func(model string) []Stage {
		stages := make([]Stage, 0, count)
		for i := 0; i < count; i++ {
			stages = append(stages, &stubStage{name: "stage", model: model, status: status})
		}
		return stages
	}
}

func TestNewSession_Validation(t *testing.T) {
	if _, err := NewSession(nil, &stubProber{}, stubStages(StepPass, 1), Options{}); !errors.Is(err, ErrNoModels) {
		t.Fatalf("expected ErrNoModels, got %v", err)
	}
	if _, err := NewSession([]string{"m"}, nil, stubStages(StepPass, 1), Options{}); err == nil {
		t.Fatal("expected nil prober to be rejected")
	}
}

func TestSession_EmitsMonotoneSnapshots(t *testing.T) {
	const stageCount = 3
	session, errNew := NewSession([]string{"model-a", "model-b"}, &stubProber{}, stubStages(StepPass, stageCount), Options{MaxConcurrency: 2})
	if errNew != nil {
		t.Fatalf("new session: %v", errNew)
	}

	go session.Run(context.Background())

	lastLen := make(map[string]int)
	total := 0
	for result := range session.Events() {
		total++
		if len(result.Process) != lastLen[result.Model]+1 {
			t.Fatalf("snapshot for %s regressed: had %d stages, got %d", result.Model, lastLen[result.Model], len(result.Process))
		}
		lastLen[result.Model] = len(result.Process)
	}

	if total != 2*stageCount {
		t.Fatalf("expected %d events, got %d", 2*stageCount, total)
	}
	for _, model := range []string{"model-a", "model-b"} {
		if lastLen[model] != stageCount {
			t.Fatalf("model %s finished with %d stages", model, lastLen[model])
		}
		if session.ModelStateOf(model) != ModelDone {
			t.Fatalf("model %s not done", model)
		}
	}
	if session.State() != SessionCompleted {
		t.Fatalf("expected completed session, got %d", session.State())
	}
}

func TestSession_LaterSnapshotKeepsEarlierStages(t *testing.T) {
	session, errNew := NewSession([]string{"m"}, &stubProber{}, stubStages(StepPass, 2), Options{})
	if errNew != nil {
		t.Fatalf("new session: %v", errNew)
	}

	go session.Run(context.Background())

	var snapshots []*Result
	for result := range session.Events() {
		snapshots = append(snapshots, result)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	// The second snapshot must contain the first stage unchanged, not a diff.
	if snapshots[1].Process[0] != snapshots[0].Process[0] {
		t.Fatal("later snapshot should carry the earlier stage result")
	}
}

func TestSession_BoundsConcurrency(t *testing.T) {
	prober := &stubProber{delay: 20 * time.Millisecond}
	session, errNew := NewSession([]string{"a", "b", "c", "d"}, prober, stubStages(StepPass, 1), Options{MaxConcurrency: 2})
	if errNew != nil {
		t.Fatalf("new session: %v", errNew)
	}

	go session.Run(context.Background())
	for range session.Events() {
	}

	if prober.maxInFlight > 2 {
		t.Fatalf("concurrency bound violated: %d probes in flight", prober.maxInFlight)
	}
}

func TestSession_CancellationClosesStream(t *testing.T) {
	prober := &stubProber{delay: 5 * time.Second}
	session, errNew := NewSession([]string{"a", "b"}, prober, stubStages(StepPass, 2), Options{MaxConcurrency: 1, ProbeTimeout: 10 * time.Second})
	if errNew != nil {
		t.Fatalf("new session: %v", errNew)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		for range session.Events() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not close after cancellation")
	}
	if session.State() != SessionAborted {
		t.Fatalf("expected aborted session, got %d", session.State())
	}
}

func TestSession_SessionTimeoutAborts(t *testing.T) {
	prober := &stubProber{delay: 5 * time.Second}
	session, errNew := NewSession([]string{"a"}, prober, stubStages(StepPass, 1), Options{
		ProbeTimeout:   10 * time.Second,
		SessionTimeout: 30 * time.Millisecond,
	})
	if errNew != nil {
		t.Fatalf("new session: %v", errNew)
	}

	go session.Run(context.Background())

	done := make(chan struct{})
	go func() {
		for range session.Events() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not close after session timeout")
	}
	if session.State() != SessionAborted {
		t.Fatalf("expected aborted session, got %d", session.State())
	}
}

func TestSession_ProbeFailureIsDataNotError(t *testing.T) {
	session, errNew := NewSession([]string{"m"}, &stubProber{}, stubStages(StepFail, 1), Options{})
	if errNew != nil {
		t.Fatalf("new session: %v", errNew)
	}

	go session.Run(context.Background())

	var last *Result
	for result := range session.Events() {
		last = result
	}
	if last == nil {
		t.Fatal("expected a result event for the failing stage")
	}
	if last.Overall() != StepFail {
		t.Fatalf("expected overall fail, got %s", last.Overall())
	}
	if session.State() != SessionCompleted {
		t.Fatal("a failing probe must still complete the session")
	}
}
