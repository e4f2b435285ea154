package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gatewayops/channelpool/internal/db"
	"github.com/gatewayops/channelpool/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound indicates the referenced channel has no matching row.
var ErrNotFound = errors.New("store: channel not found")

// FieldError indicates a field value that violates its constraint.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("store: invalid %s: %s", e.Field, e.Reason)
}

// ChannelStore persists channel rows via GORM.
type ChannelStore struct {
	db *gorm.DB
}

// NewChannelStore constructs a ChannelStore.
func NewChannelStore(conn *gorm.DB) *ChannelStore {
	return &ChannelStore{db: conn}
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Tag        string // exact tag match
	TaggedOnly bool   // only rows with a non-empty tag
	Status     int
	Name       string // case-insensitive substring
	Group      string // group set membership
	Model      string // models list substring
}

// Create inserts a new channel row.
func (s *ChannelStore) Create(ctx context.Context, channel *models.Channel) error {
	if channel == nil {
		return fmt.Errorf("store: nil channel")
	}
	if errValidate := validateChannelValues(map[string]any{
		"status":   channel.Status,
		"priority": channel.Priority,
		"weight":   channel.Weight,
	}); errValidate != nil {
		return errValidate
	}
	if errCreate := s.db.WithContext(ctx).Create(channel).Error; errCreate != nil {
		return fmt.Errorf("store: create: %w", errCreate)
	}
	return nil
}

// Get returns a channel by ID.
func (s *ChannelStore) Get(ctx context.Context, id uint64) (*models.Channel, error) {
	var channel models.Channel
	if errFind := s.db.WithContext(ctx).First(&channel, id).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get: %w", errFind)
	}
	return &channel, nil
}

// List returns channels matching the filter, ordered by ID ascending.
func (s *ChannelStore) List(ctx context.Context, filter Filter) ([]*models.Channel, error) {
	q := s.db.WithContext(ctx).Model(&models.Channel{})

	if filter.Tag != "" {
		q = q.Where("tag = ?", filter.Tag)
	}
	if filter.TaggedOnly {
		q = q.Where("tag != ''")
	}
	if filter.Status != 0 {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Name != "" {
		pattern := db.NormalizeLikePattern(s.db, "%"+filter.Name+"%")
		q = q.Where(db.CaseInsensitiveLikeExpr(s.db, "name"), pattern)
	}
	if filter.Group != "" {
		groupCol := db.QuoteColumn(s.db, "group")
		q = q.Where("("+groupCol+" LIKE ? OR "+groupCol+" LIKE ? OR "+groupCol+" LIKE ? OR "+groupCol+" = ?)",
			"%,"+filter.Group+",%", filter.Group+",%", "%,"+filter.Group, filter.Group)
	}
	if filter.Model != "" {
		q = q.Where("models LIKE ?", "%"+filter.Model+"%")
	}

	var channels []*models.Channel
	if errFind := q.Order("id ASC").Find(&channels).Error; errFind != nil {
		return nil, fmt.Errorf("store: list: %w", errFind)
	}
	return channels, nil
}

// Update applies column updates to a single channel row. Values are
// validated before the write; a missing row yields ErrNotFound.
func (s *ChannelStore) Update(ctx context.Context, id uint64, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if errValidate := validateChannelValues(updates); errValidate != nil {
		return errValidate
	}

	updates["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Channel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets the status of a single channel row.
func (s *ChannelStore) UpdateStatus(ctx context.Context, id uint64, status int) error {
	return s.Update(ctx, id, map[string]any{"status": status})
}

// Delete removes a channel row. Deleting an absent row is not an error;
// retried batch deletes stay safe.
func (s *ChannelStore) Delete(ctx context.Context, id uint64) error {
	if errDelete := s.db.WithContext(ctx).Delete(&models.Channel{}, id).Error; errDelete != nil {
		return fmt.Errorf("store: delete: %w", errDelete)
	}
	return nil
}

// UpdateProbeResult records latency and time of the last health probe.
func (s *ChannelStore) UpdateProbeResult(ctx context.Context, id uint64, responseTime time.Duration) error {
	return s.Update(ctx, id, map[string]any{
		"response_time": int(responseTime.Milliseconds()),
		"test_time":     time.Now().Unix(),
	})
}

// StatusCount is one row of the per-status channel statistics.
type StatusCount struct {
	Status        int   `json:"status"`
	TotalChannels int64 `json:"total_channels"`
}

// CountByStatus returns channel counts grouped by status.
func (s *ChannelStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	var counts []StatusCount
	errScan := s.db.WithContext(ctx).Model(&models.Channel{}).
		Select("status, count(*) as total_channels").
		Group("status").
		Scan(&counts).Error
	if errScan != nil {
		return nil, fmt.Errorf("store: count by status: %w", errScan)
	}
	return counts, nil
}

// validateChannelValues checks constrained columns in an update set.
func validateChannelValues(updates map[string]any) error {
	for column, value := range updates {
		switch column {
		case "status":
			status, ok := toInt64(value)
			if !ok || !models.KnownChannelStatus(int(status)) {
				return &FieldError{Field: "status", Reason: "unknown status value"}
			}
		case "priority":
			priority, ok := toInt64(value)
			if !ok || priority < 0 {
				return &FieldError{Field: "priority", Reason: "must be an integer >= 0"}
			}
		case "weight":
			weight, ok := toInt64(value)
			if !ok || weight < 1 {
				return &FieldError{Field: "weight", Reason: "must be an integer >= 1"}
			}
		case "models":
			raw, _ := value.(string)
			if strings.TrimSpace(strings.Trim(raw, ",")) == "" {
				return &FieldError{Field: "models", Reason: "must not be empty"}
			}
		}
	}
	return nil
}

// toInt64 widens the integer types that reach the store through JSON
// bindings and typed callers.
func toInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	case uint64:
		return int64(typed), true
	case float64:
		if typed != float64(int64(typed)) {
			return 0, false
		}
		return int64(typed), true
	default:
		return 0, false
	}
}
