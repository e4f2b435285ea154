package tags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gatewayops/channelpool/internal/batch"
	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/store"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

var (
	// ErrNotFound indicates no channel carries the given tag.
	ErrNotFound = errors.New("tags: tag not found")
	// ErrEmptyTag indicates a tag-scoped operation with an empty tag value.
	ErrEmptyTag = errors.New("tags: tag is required")
	// ErrFieldNotCascadable indicates a tagged write carrying a field that
	// must stay per-channel. Rejected up front rather than silently ignored
	// so an operator never believes a credential was bulk-rotated.
	ErrFieldNotCascadable = errors.New("tags: field is not cascade-eligible")
	// ErrConfirmRequired guards tag deletion: the cascade removes every
	// member channel and is irreversible.
	ErrConfirmRequired = errors.New("tags: deletion requires explicit confirmation")
)

// cascadeColumns is the set of channel columns a tagged write may
// overwrite on every member. Name and credential payload stay per-channel.
var cascadeColumns = map[string]bool{
	"type":          true,
	"tag":           true,
	"group":         true,
	"models":        true,
	"status":        true,
	"priority":      true,
	"weight":        true,
	"base_url":      true,
	"proxy":         true,
	"other":         true,
	"test_model":    true,
	"model_mapping": true,
	"model_headers": true,
}

// Aggregator presents channels sharing a non-empty tag as one editable and
// deletable unit. Tags are derived from the channel rows; there is no stored
// tag entity that could drift from the membership.
type Aggregator struct {
	channels *store.ChannelStore
}

// NewAggregator constructs a tag Aggregator.
func NewAggregator(channels *store.ChannelStore) *Aggregator {
	return &Aggregator{channels: channels}
}

// ResolveMembers returns the IDs of every channel carrying the tag,
// ordered by ID ascending.
func (a *Aggregator) ResolveMembers(ctx context.Context, tag string) ([]uint64, error) {
	members, errMembers := a.members(ctx, tag)
	if errMembers != nil {
		return nil, errMembers
	}
	ids := make([]uint64, 0, len(members))
	for _, member := range members {
		ids = append(ids, member.ID)
	}
	return ids, nil
}

// ApplyTaggedWrite overwrites the supplied cascade-eligible fields on every
// member channel. Per-member failures are captured in the outcome instead of
// aborting the remaining members.
func (a *Aggregator) ApplyTaggedWrite(ctx context.Context, tag string, fields map[string]any) (*batch.Outcome, error) {
	updates, errFields := cascadeUpdates(fields)
	if errFields != nil {
		return nil, errFields
	}

	members, errMembers := a.members(ctx, tag)
	if errMembers != nil {
		return nil, errMembers
	}

	outcome := &batch.Outcome{
		Requested: make([]uint64, 0, len(members)),
		Succeeded: make([]uint64, 0, len(members)),
		Failed:    make([]batch.Failure, 0),
	}
	for _, member := range members {
		outcome.Requested = append(outcome.Requested, member.ID)
		perMember := make(map[string]any, len(updates))
		for k, v := range updates {
			perMember[k] = v
		}
		if errUpdate := a.channels.Update(ctx, member.ID, perMember); errUpdate != nil {
			log.WithError(errUpdate).WithFields(log.Fields{
				"tag":        tag,
				"channel_id": member.ID,
			}).Warn("tagged write failed for member")
			outcome.AddFailure(member.ID, errUpdate.Error())
			continue
		}
		outcome.AddSuccess(member.ID)
	}
	return outcome, nil
}

// StatusAction names the two tag-level status transitions.
type StatusAction string

const (
	StatusActionEnable  StatusAction = "enable"
	StatusActionDisable StatusAction = "disable"
)

// ErrUnknownStatusAction indicates a status action outside enable/disable.
var ErrUnknownStatusAction = errors.New("tags: unknown status action")

// ChangeStatus enables or manually disables every member channel. Priority
// and weight are left untouched.
func (a *Aggregator) ChangeStatus(ctx context.Context, tag string, action StatusAction) (*batch.Outcome, error) {
	var status int
	switch action {
	case StatusActionEnable:
		status = models.ChannelStatusEnabled
	case StatusActionDisable:
		status = models.ChannelStatusManuallyDisabled
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatusAction, string(action))
	}
	return a.ApplyTaggedWrite(ctx, tag, map[string]any{"status": status})
}

// SetPriority sets the routing priority on every member channel.
func (a *Aggregator) SetPriority(ctx context.Context, tag string, priority int64) (*batch.Outcome, error) {
	return a.ApplyTaggedWrite(ctx, tag, map[string]any{"priority": priority})
}

// DeleteTag deletes every member channel. The caller must pass confirm=true;
// this is the last line of defense against accidental mass deletion. When
// disabledOnly is set, only disabled members are removed.
func (a *Aggregator) DeleteTag(ctx context.Context, tag string, confirm bool, disabledOnly bool) (*batch.Outcome, error) {
	if !confirm {
		return nil, ErrConfirmRequired
	}

	members, errMembers := a.members(ctx, tag)
	if errMembers != nil {
		return nil, errMembers
	}

	outcome := &batch.Outcome{
		Requested: make([]uint64, 0, len(members)),
		Succeeded: make([]uint64, 0, len(members)),
		Failed:    make([]batch.Failure, 0),
	}
	for _, member := range members {
		if disabledOnly && member.Status == models.ChannelStatusEnabled {
			continue
		}
		outcome.Requested = append(outcome.Requested, member.ID)
		if errDelete := a.channels.Delete(ctx, member.ID); errDelete != nil {
			log.WithError(errDelete).WithFields(log.Fields{
				"tag":        tag,
				"channel_id": member.ID,
			}).Warn("tag cascade delete failed for member")
			outcome.AddFailure(member.ID, errDelete.Error())
			continue
		}
		outcome.AddSuccess(member.ID)
	}
	return outcome, nil
}

// Summary is one row of the grouped tag view.
type Summary struct {
	Tag            string          `json:"tag"`
	Representative *models.Channel `json:"representative"`
	MemberCount    int             `json:"member_count"`
}

// ListSummaries returns one row per distinct non-empty tag. The
// representative is the lowest-ID member; a tag whose last member was
// deleted or retagged simply stops appearing.
func (a *Aggregator) ListSummaries(ctx context.Context) ([]Summary, error) {
	channels, errList := a.channels.List(ctx, store.Filter{TaggedOnly: true})
	if errList != nil {
		return nil, errList
	}

	byTag := make(map[string]*Summary)
	order := make([]string, 0)
	for _, channel := range channels {
		summary, ok := byTag[channel.Tag]
		if !ok {
			redacted := *channel
			redacted.Key = ""
			byTag[channel.Tag] = &Summary{Tag: channel.Tag, Representative: &redacted, MemberCount: 1}
			order = append(order, channel.Tag)
			continue
		}
		summary.MemberCount++
	}

	out := make([]Summary, 0, len(order))
	for _, tag := range order {
		out = append(out, *byTag[tag])
	}
	return out, nil
}

// members loads every channel carrying the tag, ordered by ID ascending.
func (a *Aggregator) members(ctx context.Context, tag string) ([]*models.Channel, error) {
	if tag == "" {
		return nil, ErrEmptyTag
	}
	channels, errList := a.channels.List(ctx, store.Filter{Tag: tag})
	if errList != nil {
		return nil, errList
	}
	if len(channels) == 0 {
		return nil, ErrNotFound
	}
	return channels, nil
}

// cascadeUpdates validates a tagged write's field set against the cascade
// allowlist and converts JSON-typed values to their column types.
func cascadeUpdates(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty field set", ErrFieldNotCascadable)
	}

	updates := make(map[string]any, len(fields))
	for column, value := range fields {
		if !cascadeColumns[column] {
			return nil, fmt.Errorf("%w: %q", ErrFieldNotCascadable, column)
		}
		switch column {
		case "model_mapping", "model_headers":
			pairs, errPairs := toKVPairs(value)
			if errPairs != nil {
				return nil, fmt.Errorf("tags: field %q: %w", column, errPairs)
			}
			updates[column] = datatypes.NewJSONSlice(pairs)
		default:
			updates[column] = value
		}
	}
	return updates, nil
}

// toKVPairs converts a decoded JSON value into an ordered key/value list.
func toKVPairs(value any) ([]models.KVPair, error) {
	raw, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return nil, errMarshal
	}
	var pairs []models.KVPair
	if errUnmarshal := json.Unmarshal(raw, &pairs); errUnmarshal != nil {
		return nil, fmt.Errorf("expected a list of {key, value} pairs: %w", errUnmarshal)
	}
	return pairs, nil
}
