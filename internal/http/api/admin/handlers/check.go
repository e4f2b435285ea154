package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gatewayops/channelpool/internal/config"
	"github.com/gatewayops/channelpool/internal/healthcheck"
	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/store"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// CheckHandler runs live health-check sessions over SSE, serves the probe
// image those sessions hand to upstream models, and drives the all-channels
// sweep.
type CheckHandler struct {
	channels *store.ChannelStore
	cfg      config.HealthCheckConfig
	images   *healthcheck.ImageProbeRegistry
	runner   *healthcheck.Runner
}

// NewCheckHandler constructs a CheckHandler.
func NewCheckHandler(channels *store.ChannelStore, cfg config.HealthCheckConfig, images *healthcheck.ImageProbeRegistry, runner *healthcheck.Runner) *CheckHandler {
	return &CheckHandler{channels: channels, cfg: cfg, images: images, runner: runner}
}

// checkRequest defines the request body for starting a check session.
type checkRequest struct {
	ChannelID uint64   `json:"channel_id"`
	Models    []string `json:"models"`
}

// Check probes the requested models against one channel and streams one
// result frame per completed stage. Failures to start (unknown channel, no
// models) are reported before the stream opens; once streaming, probe
// failures travel as data and the stream ends by closing.
func (h *CheckHandler) Check(c *gin.Context) {
	var body checkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	channel, errGet := h.channels.Get(c.Request.Context(), body.ChannelID)
	if errGet != nil {
		if errors.Is(errGet, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	modelList := body.Models
	if len(modelList) == 0 && channel.TestModel != "" {
		modelList = []string{channel.TestModel}
	}
	if len(modelList) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no models to check; set models or the channel test model"})
		return
	}

	prober, errProber := healthcheck.NewHTTPProber(channel)
	if errProber != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errProber.Error()})
		return
	}

	stages := healthcheck.StageFactory(healthcheck.DefaultStages)
	if h.cfg.ServerAddress != "" {
		stages = healthcheck.StagesWithImageCheck(h.images, h.cfg.ServerAddress)
	}
	session, errSession := healthcheck.NewSession(modelList, prober, stages, healthcheck.Options{
		MaxConcurrency: h.cfg.MaxConcurrency,
		ProbeTimeout:   h.cfg.ProbeTimeout,
		SessionTimeout: h.cfg.SessionTimeout,
	})
	if errSession != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errSession.Error()})
		return
	}

	setEventStreamHeaders(c)

	started := time.Now()
	go session.Run(c.Request.Context())

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	aggregator := healthcheck.NewAggregator()
	clientGone := c.Request.Context().Done()
	completed := false

	c.Stream(func(w io.Writer) bool {
		select {
		case result, ok := <-session.Events():
			if !ok {
				completed = true
				return false
			}
			aggregator.OnEvent(result)
			event, errEvent := healthcheck.NewResultEvent(result)
			if errEvent != nil {
				log.WithError(errEvent).Warn("skipping unencodable check result")
				return true
			}
			c.SSEvent("message", event)
			return true
		case <-heartbeat.C:
			c.SSEvent("message", gin.H{"type": healthcheck.EventTypeHeartbeat, "data": "ping"})
			return true
		case <-clientGone:
			return false
		}
	})

	if !completed {
		log.WithField("channel_id", channel.ID).Debug("check session aborted by client")
		return
	}

	h.finishSession(c, channel, modelList, aggregator, time.Since(started))
}

// finishSession records probe latency and auto-disables an enabled channel
// whose every probed model failed.
func (h *CheckHandler) finishSession(c *gin.Context, channel *models.Channel, modelList []string, aggregator *healthcheck.Aggregator, elapsed time.Duration) {
	ctx := c.Request.Context()

	if errRecord := h.channels.UpdateProbeResult(ctx, channel.ID, elapsed); errRecord != nil {
		log.WithError(errRecord).WithField("channel_id", channel.ID).Warn("failed to record probe result")
	}

	if channel.Status != models.ChannelStatusEnabled {
		return
	}
	for _, model := range modelList {
		if aggregator.OverallStatus(model) != healthcheck.OverallFail {
			return
		}
	}
	if errDisable := h.channels.UpdateStatus(ctx, channel.ID, models.ChannelStatusAutoDisabled); errDisable != nil {
		log.WithError(errDisable).WithField("channel_id", channel.ID).Warn("failed to auto-disable channel")
		return
	}
	log.WithFields(log.Fields{
		"channel_id": channel.ID,
		"channel":    channel.Name,
	}).Info("channel auto-disabled after failing all probed models")
}

// ServeImage delivers the probe image and records who fetched it. The
// route is public: the fetcher is the upstream provider or a relay in
// front of it, never an authenticated admin.
func (h *CheckHandler) ServeImage(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	errAppend := h.images.Append(id, healthcheck.AccessRecord{
		UserAgent: c.Request.UserAgent(),
		IP:        c.ClientIP(),
	})
	if errAppend != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Content-Disposition", "inline")
	c.Data(http.StatusOK, "image/png", healthcheck.CheckImage())
}

// CheckAll starts a sweep over every channel in the background.
func (h *CheckHandler) CheckAll(c *gin.Context) {
	if h.runner.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "a channel sweep is already running"})
		return
	}
	// Detached from the request context: the sweep outlives this call.
	go func() {
		if _, errSweep := h.runner.TestAll(context.Background()); errSweep != nil && !errors.Is(errSweep, healthcheck.ErrSweepRunning) {
			log.WithError(errSweep).Warn("channel sweep failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

// SweepStatus reports whether a sweep is running and the last report.
func (h *CheckHandler) SweepStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running": h.runner.Running(),
		"report":  h.runner.LastReport(),
	})
}

// setEventStreamHeaders prepares the response for SSE delivery.
func setEventStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}
