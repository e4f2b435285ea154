package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gatewayops/channelpool/internal/batch"
	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/store"
	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

// ChannelHandler manages channel CRUD and bulk operations.
type ChannelHandler struct {
	channels *store.ChannelStore
	engine   *batch.Engine
}

// NewChannelHandler constructs a ChannelHandler.
func NewChannelHandler(channels *store.ChannelStore, engine *batch.Engine) *ChannelHandler {
	return &ChannelHandler{channels: channels, engine: engine}
}

// createChannelRequest defines the request body for channel creation.
type createChannelRequest struct {
	Type         int             `json:"type"`
	Name         string          `json:"name"`
	Key          string          `json:"key"`
	Tag          string          `json:"tag"`
	Status       int             `json:"status"`
	Group        string          `json:"group"`
	Models       string          `json:"models"`
	Priority     int64           `json:"priority"`
	Weight       uint            `json:"weight"`
	BaseURL      string          `json:"base_url"`
	Proxy        string          `json:"proxy"`
	Other        string          `json:"other"`
	TestModel    string          `json:"test_model"`
	ModelMapping []models.KVPair `json:"model_mapping"`
	ModelHeaders []models.KVPair `json:"model_headers"`
}

// Create creates a new channel.
func (h *ChannelHandler) Create(c *gin.Context) {
	var body createChannelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing name"})
		return
	}

	channel := models.Channel{
		Type:         body.Type,
		Name:         strings.TrimSpace(body.Name),
		Key:          body.Key,
		Tag:          strings.TrimSpace(body.Tag),
		Status:       body.Status,
		Group:        body.Group,
		Models:       body.Models,
		Priority:     body.Priority,
		Weight:       body.Weight,
		BaseURL:      body.BaseURL,
		Proxy:        body.Proxy,
		Other:        body.Other,
		TestModel:    body.TestModel,
		ModelMapping: datatypes.NewJSONSlice(body.ModelMapping),
		ModelHeaders: datatypes.NewJSONSlice(body.ModelHeaders),
	}
	if channel.Status == 0 {
		channel.Status = models.ChannelStatusEnabled
	}
	if channel.Weight == 0 {
		channel.Weight = 1
	}
	if channel.Group == "" {
		channel.Group = "default"
	}

	if errCreate := h.channels.Create(c.Request.Context(), &channel); errCreate != nil {
		var fieldErr *store.FieldError
		if errors.As(errCreate, &fieldErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fieldErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create channel failed"})
		return
	}
	c.JSON(http.StatusCreated, channelResponse(&channel, false))
}

// List returns channels matching the query filters.
func (h *ChannelHandler) List(c *gin.Context) {
	filter := store.Filter{
		Tag:   strings.TrimSpace(c.Query("tag")),
		Name:  strings.TrimSpace(c.Query("name")),
		Group: strings.TrimSpace(c.Query("group")),
		Model: strings.TrimSpace(c.Query("model")),
	}
	if statusQ := strings.TrimSpace(c.Query("status")); statusQ != "" {
		if status, errParse := strconv.Atoi(statusQ); errParse == nil {
			filter.Status = status
		}
	}

	channels, errList := h.channels.List(c.Request.Context(), filter)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list channels failed"})
		return
	}
	out := make([]gin.H, 0, len(channels))
	for _, channel := range channels {
		out = append(out, channelResponse(channel, true))
	}
	c.JSON(http.StatusOK, gin.H{"channels": out})
}

// Get returns a channel by ID.
func (h *ChannelHandler) Get(c *gin.Context) {
	id, errParse := parseID(c)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	channel, errGet := h.channels.Get(c.Request.Context(), id)
	if errGet != nil {
		if errors.Is(errGet, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, channelResponse(channel, false))
}

// updateChannelRequest defines the request body for channel updates.
// Pointer fields distinguish "not supplied" from zero values.
type updateChannelRequest struct {
	Type         *int             `json:"type"`
	Name         *string          `json:"name"`
	Key          *string          `json:"key"`
	Tag          *string          `json:"tag"`
	Status       *int             `json:"status"`
	Group        *string          `json:"group"`
	Models       *string          `json:"models"`
	Priority     *int64           `json:"priority"`
	Weight       *uint            `json:"weight"`
	BaseURL      *string          `json:"base_url"`
	Proxy        *string          `json:"proxy"`
	Other        *string          `json:"other"`
	TestModel    *string          `json:"test_model"`
	ModelMapping *[]models.KVPair `json:"model_mapping"`
	ModelHeaders *[]models.KVPair `json:"model_headers"`
}

// Update modifies a single channel. Unlike tag-scoped writes, per-channel
// edits may touch name and key.
func (h *ChannelHandler) Update(c *gin.Context) {
	id, errParse := parseID(c)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body updateChannelRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	updates := map[string]any{}
	if body.Type != nil {
		updates["type"] = *body.Type
	}
	if body.Name != nil {
		updates["name"] = strings.TrimSpace(*body.Name)
	}
	if body.Key != nil {
		updates["key"] = *body.Key
	}
	if body.Tag != nil {
		updates["tag"] = strings.TrimSpace(*body.Tag)
	}
	if body.Status != nil {
		updates["status"] = *body.Status
	}
	if body.Group != nil {
		updates["group"] = *body.Group
	}
	if body.Models != nil {
		updates["models"] = *body.Models
	}
	if body.Priority != nil {
		updates["priority"] = *body.Priority
	}
	if body.Weight != nil {
		updates["weight"] = *body.Weight
	}
	if body.BaseURL != nil {
		updates["base_url"] = *body.BaseURL
	}
	if body.Proxy != nil {
		updates["proxy"] = *body.Proxy
	}
	if body.Other != nil {
		updates["other"] = *body.Other
	}
	if body.TestModel != nil {
		updates["test_model"] = *body.TestModel
	}
	if body.ModelMapping != nil {
		updates["model_mapping"] = datatypes.NewJSONSlice(*body.ModelMapping)
	}
	if body.ModelHeaders != nil {
		updates["model_headers"] = datatypes.NewJSONSlice(*body.ModelHeaders)
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	if errUpdate := h.channels.Update(c.Request.Context(), id, updates); errUpdate != nil {
		var fieldErr *store.FieldError
		switch {
		case errors.Is(errUpdate, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		case errors.As(errUpdate, &fieldErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": fieldErr.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes a channel. Deleting an absent channel still succeeds.
func (h *ChannelHandler) Delete(c *gin.Context) {
	id, errParse := parseID(c)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if errDelete := h.channels.Delete(c.Request.Context(), id); errDelete != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// Statistics returns channel counts grouped by status.
func (h *ChannelHandler) Statistics(c *gin.Context) {
	counts, errCount := h.channels.CountByStatus(c.Request.Context())
	if errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "statistics failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"statistics": counts})
}

// batchRequest defines the request body for bulk channel operations.
type batchRequest struct {
	IDs    []uint64 `json:"ids"`
	Action string   `json:"action"`
	Value  int64    `json:"value"`
}

// Batch applies one action to an explicit set of channel IDs and reports
// per-item success and failure, never a bare boolean.
func (h *ChannelHandler) Batch(c *gin.Context) {
	var body batchRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(body.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing ids"})
		return
	}

	outcome, errApply := h.engine.Apply(c.Request.Context(), body.IDs, batch.Action(body.Action), body.Value)
	if errApply != nil {
		if errors.Is(errApply, batch.ErrUnknownAction) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errApply.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "batch failed"})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// channelResponse renders a channel row; list views omit the credential.
func channelResponse(channel *models.Channel, redactKey bool) gin.H {
	out := gin.H{
		"id":            channel.ID,
		"type":          channel.Type,
		"name":          channel.Name,
		"tag":           channel.Tag,
		"status":        channel.Status,
		"status_text":   channel.StatusText(),
		"group":         channel.Group,
		"models":        channel.Models,
		"priority":      channel.Priority,
		"weight":        channel.Weight,
		"base_url":      channel.BaseURL,
		"proxy":         channel.Proxy,
		"other":         channel.Other,
		"test_model":    channel.TestModel,
		"model_mapping": channel.ModelMapping,
		"model_headers": channel.ModelHeaders,
		"balance":       channel.Balance,
		"used_quota":    channel.UsedQuota,
		"response_time": channel.ResponseTime,
		"test_time":     channel.TestTime,
		"created_at":    channel.CreatedAt,
		"updated_at":    channel.UpdatedAt,
	}
	if !redactKey {
		out["key"] = channel.Key
	}
	return out
}

// parseID parses the :id route parameter.
func parseID(c *gin.Context) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
}
