package healthcheck

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gatewayops/channelpool/internal/models"
	"github.com/gatewayops/channelpool/internal/store"
	log "github.com/sirupsen/logrus"
)

// SweepItem is one channel's outcome within an all-channels sweep.
type SweepItem struct {
	ChannelID    uint64 `json:"channel_id"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	LatencyMs    int64  `json:"latency_ms"`
	Passed       bool   `json:"passed"`
	Remark       string `json:"remark,omitempty"`
	StatusChange string `json:"status_change,omitempty"`
}

// Status transitions a sweep may apply to a channel.
const (
	SweepAutoDisabled = "auto disabled"
	SweepReEnabled    = "re-enabled"
)

// SweepReport summarizes one completed all-channels sweep.
type SweepReport struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Items      []SweepItem `json:"items"`
}

// ErrSweepRunning indicates a sweep was requested while one is in flight.
var ErrSweepRunning = errors.New("healthcheck: a channel sweep is already running")

// Runner tests every channel with a single connectivity probe and applies
// the disable/recover policy: a failing or too-slow enabled channel is auto
// disabled, an auto-disabled channel that passes again is re-enabled, and a
// manually disabled channel is never touched.
type Runner struct {
	channels  *store.ChannelStore
	opts      Options
	threshold time.Duration

	mu      sync.Mutex
	running bool
	last    *SweepReport
}

// NewRunner constructs a sweep Runner. A zero disableThreshold disables the
// latency check.
func NewRunner(channels *store.ChannelStore, opts Options, disableThreshold time.Duration) *Runner {
	return &Runner{channels: channels, opts: opts, threshold: disableThreshold}
}

// Running reports whether a sweep is currently in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastReport returns the most recent completed sweep, or nil.
func (r *Runner) LastReport() *SweepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start runs the sweep loop in the background. A non-positive interval
// disables automatic testing.
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}
	go r.run(ctx, interval)
	log.Infof("channel sweep runner started (interval=%s)", interval)
}

func (r *Runner) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.TestAll(ctx); err != nil && !errors.Is(err, ErrSweepRunning) {
				log.WithError(err).Warn("scheduled channel sweep failed")
			}
		}
	}
}

// TestAll probes every channel once, sequentially, and applies the status
// policy per channel. Only one sweep runs at a time.
func (r *Runner) TestAll(ctx context.Context) (*SweepReport, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrSweepRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	channels, errList := r.channels.List(ctx, store.Filter{})
	if errList != nil {
		return nil, errList
	}

	report := &SweepReport{
		StartedAt: time.Now().UTC(),
		Items:     make([]SweepItem, 0, len(channels)),
	}
	for _, channel := range channels {
		if ctx.Err() != nil {
			break
		}
		report.Items = append(report.Items, r.testChannel(ctx, channel))
	}
	report.FinishedAt = time.Now().UTC()

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

// sweepStages is the single-stage sequence used per channel; the full
// capability stages are reserved for interactive sessions.
func sweepStages(model string) []Stage {
	return []Stage{&connectivityStage{model: model}}
}

// testChannel probes one channel and applies the status policy.
func (r *Runner) testChannel(ctx context.Context, channel *models.Channel) SweepItem {
	item := SweepItem{ChannelID: channel.ID, Name: channel.Name}

	model := channel.TestModel
	if model == "" {
		if list := channel.ModelList(); len(list) > 0 {
			model = list[0]
		}
	}
	if model == "" {
		item.Remark = "no model to test"
		return item
	}
	item.Model = model

	prober, errProber := NewHTTPProber(channel)
	if errProber != nil {
		item.Remark = errProber.Error()
		return item
	}
	session, errSession := NewSession([]string{model}, prober, sweepStages, r.opts)
	if errSession != nil {
		item.Remark = errSession.Error()
		return item
	}

	started := time.Now()
	go session.Run(ctx)
	var last *Result
	for result := range session.Events() {
		last = result
	}
	item.LatencyMs = time.Since(started).Milliseconds()
	item.Passed = last != nil && last.Overall() == StepPass
	if last == nil {
		item.Remark = "probe produced no result"
	}

	tooSlow := r.threshold > 0 && time.Duration(item.LatencyMs)*time.Millisecond > r.threshold

	switch channel.Status {
	case models.ChannelStatusEnabled:
		switch {
		case !item.Passed:
			r.setStatus(ctx, &item, channel, models.ChannelStatusAutoDisabled, SweepAutoDisabled)
		case tooSlow:
			item.Remark = "latency above disable threshold"
			r.setStatus(ctx, &item, channel, models.ChannelStatusAutoDisabled, SweepAutoDisabled)
		default:
			r.recordLatency(ctx, &item, channel)
		}
	case models.ChannelStatusAutoDisabled:
		// Manually disabled channels never recover automatically.
		if item.Passed && !tooSlow {
			r.setStatus(ctx, &item, channel, models.ChannelStatusEnabled, SweepReEnabled)
			r.recordLatency(ctx, &item, channel)
		}
	}

	return item
}

func (r *Runner) setStatus(ctx context.Context, item *SweepItem, channel *models.Channel, status int, change string) {
	if errStatus := r.channels.UpdateStatus(ctx, channel.ID, status); errStatus != nil {
		log.WithError(errStatus).WithField("channel_id", channel.ID).Warn("sweep status change failed")
		return
	}
	item.StatusChange = change
	log.WithFields(log.Fields{
		"channel_id": channel.ID,
		"channel":    channel.Name,
	}).Infof("channel %s by sweep", change)
}

func (r *Runner) recordLatency(ctx context.Context, item *SweepItem, channel *models.Channel) {
	errRecord := r.channels.UpdateProbeResult(ctx, channel.ID, time.Duration(item.LatencyMs)*time.Millisecond)
	if errRecord != nil {
		log.WithError(errRecord).WithField("channel_id", channel.ID).Warn("sweep latency record failed")
	}
}
