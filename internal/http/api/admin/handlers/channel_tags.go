package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gatewayops/channelpool/internal/store"
	"github.com/gatewayops/channelpool/internal/tags"
	"github.com/gin-gonic/gin"
)

// TagHandler manages tag-scoped channel operations.
type TagHandler struct {
	tags *tags.Aggregator
}

// NewTagHandler constructs a TagHandler.
func NewTagHandler(aggregator *tags.Aggregator) *TagHandler {
	return &TagHandler{tags: aggregator}
}

// List returns one summary row per distinct tag.
func (h *TagHandler) List(c *gin.Context) {
	summaries, errList := h.tags.ListSummaries(c.Request.Context())
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list tags failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": summaries})
}

// Update applies a cascade-eligible field subset to every member channel.
func (h *TagHandler) Update(c *gin.Context) {
	tag := strings.TrimSpace(c.Param("tag"))
	if tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tag"})
		return
	}
	var fields map[string]any
	if errBind := c.ShouldBindJSON(&fields); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	outcome, errApply := h.tags.ApplyTaggedWrite(c.Request.Context(), tag, fields)
	if errApply != nil {
		respondTagError(c, errApply)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// changeTagStatusRequest defines the request body for tag status changes.
type changeTagStatusRequest struct {
	Action string `json:"action"`
}

// ChangeStatus enables or disables every member channel.
func (h *TagHandler) ChangeStatus(c *gin.Context) {
	tag := strings.TrimSpace(c.Param("tag"))
	if tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tag"})
		return
	}
	var body changeTagStatusRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	outcome, errChange := h.tags.ChangeStatus(c.Request.Context(), tag, tags.StatusAction(body.Action))
	if errChange != nil {
		if errors.Is(errChange, tags.ErrUnknownStatusAction) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errChange.Error()})
			return
		}
		respondTagError(c, errChange)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// setTagPriorityRequest defines the request body for tag priority updates.
type setTagPriorityRequest struct {
	Value int64 `json:"value"`
}

// SetPriority sets the routing priority on every member channel.
func (h *TagHandler) SetPriority(c *gin.Context) {
	tag := strings.TrimSpace(c.Param("tag"))
	if tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tag"})
		return
	}
	var body setTagPriorityRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	outcome, errSet := h.tags.SetPriority(c.Request.Context(), tag, body.Value)
	if errSet != nil {
		respondTagError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// deleteTagRequest defines the request body for tag deletion.
type deleteTagRequest struct {
	Confirm      bool `json:"confirm"`
	DisabledOnly bool `json:"disabled_only"`
}

// Delete removes every member channel of a tag. Requires confirm=true.
func (h *TagHandler) Delete(c *gin.Context) {
	tag := strings.TrimSpace(c.Param("tag"))
	if tag == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tag"})
		return
	}
	var body deleteTagRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	outcome, errDelete := h.tags.DeleteTag(c.Request.Context(), tag, body.Confirm, body.DisabledOnly)
	if errDelete != nil {
		if errors.Is(errDelete, tags.ErrConfirmRequired) {
			c.JSON(http.StatusPreconditionFailed, gin.H{"error": "confirmation required"})
			return
		}
		respondTagError(c, errDelete)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// respondTagError maps tag aggregator errors onto HTTP statuses.
func respondTagError(c *gin.Context, err error) {
	var fieldErr *store.FieldError
	switch {
	case errors.Is(err, tags.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "tag not found"})
	case errors.Is(err, tags.ErrEmptyTag):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing tag"})
	case errors.Is(err, tags.ErrFieldNotCascadable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &fieldErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": fieldErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "tag operation failed"})
	}
}
