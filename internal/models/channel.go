package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Channel status values. AutoDisabled is set by the health checker,
// ManuallyDisabled only ever by an operator.
const (
	ChannelStatusEnabled          = 1
	ChannelStatusManuallyDisabled = 2
	ChannelStatusAutoDisabled     = 3
)

// KnownChannelStatus reports whether status is one of the defined enum values.
func KnownChannelStatus(status int) bool {
	switch status {
	case ChannelStatusEnabled, ChannelStatusManuallyDisabled, ChannelStatusAutoDisabled:
		return true
	}
	return false
}

// KVPair is one ordered key/value entry of a model rename table or a
// custom header set.
type KVPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Channel is a single upstream provider credential configuration. Channels
// sharing a non-empty Tag form one logical unit managed through the tag API.
type Channel struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Type int    `gorm:"not null;default:0"`                    // Provider type.
	Name string `gorm:"type:text;not null;index"`              // Display name (never cascaded).
	Key  string `gorm:"type:text"`                             // Credential payload (never cascaded).
	Tag  string `gorm:"type:varchar(64);not null;default:'';index"` // Grouping label; empty means standalone.

	Status   int    `gorm:"not null;default:1;index"`               // Channel status enum.
	Group    string `gorm:"type:varchar(64);not null;default:'default'"` // Comma-joined user groups.
	Models   string `gorm:"type:text"`                              // Comma-joined servable model names.
	Priority int64  `gorm:"not null;default:0"`                     // Ordering among equal weights.
	Weight   uint   `gorm:"not null;default:1"`                     // Weighted-random selection hint.

	BaseURL   string `gorm:"type:text"`                        // Base URL override.
	Proxy     string `gorm:"type:varchar(255);default:''"`     // Outbound proxy URL.
	Other     string `gorm:"type:text"`                        // Provider-specific extra parameter.
	TestModel string `gorm:"type:varchar(64);default:''"`      // Default probe model.

	ModelMapping datatypes.JSONSlice[KVPair] `gorm:"type:json"` // Logical-to-physical model renames.
	ModelHeaders datatypes.JSONSlice[KVPair] `gorm:"type:json"` // Custom upstream request headers.

	Balance      float64 `gorm:"not null;default:0"` // Remaining upstream balance (USD).
	UsedQuota    int64   `gorm:"not null;default:0"` // Consumed quota.
	ResponseTime int     `gorm:"not null;default:0"` // Last probe latency in milliseconds.
	TestTime     int64   `gorm:"not null;default:0"` // Unix time of the last probe.

	CreatedAt time.Time      `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"` // Last update timestamp.
	DeletedAt gorm.DeletedAt `gorm:"index"`                   // Soft delete marker.
}

// ModelList splits the comma-joined Models field into a de-duplicated list.
func (c *Channel) ModelList() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, m := range strings.Split(c.Models, ",") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// MappedModel resolves a logical model name through the rename table.
// Unmapped names pass through unchanged.
func (c *Channel) MappedModel(name string) string {
	for _, pair := range c.ModelMapping {
		if pair.Key == name && pair.Value != "" {
			return pair.Value
		}
	}
	return name
}

// StatusText returns a human-readable status label.
func (c *Channel) StatusText() string {
	switch c.Status {
	case ChannelStatusEnabled:
		return "enabled"
	case ChannelStatusManuallyDisabled:
		return "manually disabled"
	case ChannelStatusAutoDisabled:
		return "auto disabled"
	}
	return "unknown"
}
