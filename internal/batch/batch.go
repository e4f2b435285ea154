package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/gatewayops/channelpool/internal/store"
	log "github.com/sirupsen/logrus"
)

// Action identifies a bulk operation applied to a set of channels.
type Action string

const (
	ActionStatus   Action = "status"
	ActionPriority Action = "priority"
	ActionWeight   Action = "weight"
	ActionDelete   Action = "delete"
)

// ErrUnknownAction indicates an action outside the supported set.
var ErrUnknownAction = errors.New("batch: unknown action")

// Failure records one channel the batch could not process.
type Failure struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

// Outcome reports per-item results of a bulk action. Every requested ID is
// attempted exactly once and lands in exactly one of Succeeded or Failed.
type Outcome struct {
	Requested []uint64  `json:"requested"`
	Succeeded []uint64  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// AddSuccess records a processed ID.
func (o *Outcome) AddSuccess(id uint64) {
	o.Succeeded = append(o.Succeeded, id)
}

// AddFailure records a failed ID with its reason.
func (o *Outcome) AddFailure(id uint64, reason string) {
	o.Failed = append(o.Failed, Failure{ID: id, Reason: reason})
}

// Engine applies one action to an explicit list of channel IDs. Items are
// processed independently; one failure never aborts the rest of the batch.
type Engine struct {
	channels *store.ChannelStore
}

// NewEngine constructs a batch Engine.
func NewEngine(channels *store.ChannelStore) *Engine {
	return &Engine{channels: channels}
}

// Apply runs the action against every ID and reports per-item outcomes.
// Validation failures and missing rows are recorded, not raised; only an
// unknown action fails the whole call.
func (e *Engine) Apply(ctx context.Context, ids []uint64, action Action, value int64) (*Outcome, error) {
	updates, errAction := updatesFor(action, value)
	if errAction != nil {
		return nil, errAction
	}

	outcome := &Outcome{
		Requested: append([]uint64(nil), ids...),
		Succeeded: make([]uint64, 0, len(ids)),
		Failed:    make([]Failure, 0),
	}

	for _, id := range ids {
		var errApply error
		if action == ActionDelete {
			// Delete is a set-difference operation: an already-absent
			// row counts as success.
			errApply = e.channels.Delete(ctx, id)
		} else {
			errApply = e.channels.Update(ctx, id, cloneUpdates(updates))
		}

		if errApply != nil {
			log.WithError(errApply).WithFields(log.Fields{
				"channel_id": id,
				"action":     string(action),
			}).Warn("batch item failed")
			outcome.AddFailure(id, reasonFor(errApply))
			continue
		}
		outcome.AddSuccess(id)
	}

	return outcome, nil
}

// updatesFor maps an action and value onto store column updates. Delete
// carries no value; its updates map is nil.
func updatesFor(action Action, value int64) (map[string]any, error) {
	switch action {
	case ActionStatus:
		return map[string]any{"status": value}, nil
	case ActionPriority:
		return map[string]any{"priority": value}, nil
	case ActionWeight:
		return map[string]any{"weight": value}, nil
	case ActionDelete:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, string(action))
	}
}

// cloneUpdates copies the update map so the store can stamp updated_at
// per item without sharing state across iterations.
func cloneUpdates(updates map[string]any) map[string]any {
	out := make(map[string]any, len(updates))
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// reasonFor renders a per-item failure reason for operators.
func reasonFor(err error) string {
	if errors.Is(err, store.ErrNotFound) {
		return "channel not found"
	}
	var fieldErr *store.FieldError
	if errors.As(err, &fieldErr) {
		return fmt.Sprintf("invalid %s: %s", fieldErr.Field, fieldErr.Reason)
	}
	return err.Error()
}
