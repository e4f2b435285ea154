package healthcheck

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Event frame types carried over the stream.
const (
	EventTypeResult    = "result"
	EventTypeHeartbeat = "heartbeat"
)

// Event is the tagged envelope framing one stream payload.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewResultEvent frames a result snapshot for the stream.
func NewResultEvent(result *Result) (*Event, error) {
	data, errMarshal := json.Marshal(result)
	if errMarshal != nil {
		return nil, fmt.Errorf("healthcheck: encode result: %w", errMarshal)
	}
	return &Event{Type: EventTypeResult, Data: data}, nil
}

// ErrMalformedFrame indicates a frame that failed to parse. Consumers drop
// such frames; one corrupted line must not lose the rest of the session.
var ErrMalformedFrame = errors.New("healthcheck: malformed event frame")

// DecodeResultFrame parses one raw frame into a result snapshot. Heartbeat
// frames yield (nil, nil); anything unparsable yields ErrMalformedFrame.
func DecodeResultFrame(raw []byte) (*Result, error) {
	var event Event
	if errUnmarshal := json.Unmarshal(raw, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, errUnmarshal)
	}
	switch event.Type {
	case EventTypeHeartbeat:
		return nil, nil
	case EventTypeResult:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, event.Type)
	}

	var result Result
	if errUnmarshal := json.Unmarshal(event.Data, &result); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, errUnmarshal)
	}
	if result.Model == "" {
		return nil, fmt.Errorf("%w: result without model", ErrMalformedFrame)
	}
	return &result, nil
}

// Aggregator folds the event stream into the latest snapshot per model.
// State is scoped to one session view and discarded with it.
type Aggregator struct {
	mu      sync.RWMutex
	byModel map[string]*Result
}

// NewAggregator constructs an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{byModel: make(map[string]*Result)}
}

// OnEvent replaces the entry for the event's model wholesale. A later
// snapshot is authoritative; fields of the earlier one are never merged.
func (a *Aggregator) OnEvent(result *Result) {
	if result == nil || result.Model == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byModel[result.Model] = result
}

// OnFrame decodes and folds one raw frame, dropping malformed payloads
// with a warning.
func (a *Aggregator) OnFrame(raw []byte) {
	result, errDecode := DecodeResultFrame(raw)
	if errDecode != nil {
		log.WithError(errDecode).Warn("dropping malformed health-check frame")
		return
	}
	if result == nil {
		return
	}
	a.OnEvent(result)
}

// CurrentState returns a snapshot of the latest result per model, safe to
// read while events keep arriving.
func (a *Aggregator) CurrentState() map[string]*Result {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*Result, len(a.byModel))
	for model, result := range a.byModel {
		out[model] = result
	}
	return out
}

// OverallStatus values exposed per model.
const (
	OverallPending = "pending"
	OverallPass    = "pass"
	OverallFail    = "fail"
)

// OverallStatus derives the rollup for one model: pending before any event,
// otherwise the worst step result of the latest snapshot.
func (a *Aggregator) OverallStatus(model string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	result, ok := a.byModel[model]
	if !ok {
		return OverallPending
	}
	if result.Overall() == StepFail {
		return OverallFail
	}
	return OverallPass
}
