package healthcheck

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

//go:embed check.png
var checkImage []byte

// CheckImage returns the embedded probe image served to upstream fetchers.
func CheckImage() []byte {
	return checkImage
}

// AccessRecord is one recorded fetch of a probe image. The user agent and
// source address identify which intermediary actually downloaded it.
type AccessRecord struct {
	UserAgent string `json:"user_agent"`
	IP        string `json:"ip"`
	Remark    string `json:"remark"`
}

// ErrUnknownImageProbe indicates a fetch for an image id no probe registered.
var ErrUnknownImageProbe = errors.New("healthcheck: unknown image probe id")

// imageProbeTTL bounds how long a registered probe id accepts fetches.
const imageProbeTTL = 10 * time.Minute

type imageProbeEntry struct {
	records []AccessRecord
	expires time.Time
}

// ImageProbeRegistry hands out one-shot image URLs and records who fetches
// them. Entries expire after imageProbeTTL; abandoned sessions clean up on
// the next registry access.
type ImageProbeRegistry struct {
	mu      sync.Mutex
	entries map[string]*imageProbeEntry
}

// NewImageProbeRegistry constructs an empty registry.
func NewImageProbeRegistry() *ImageProbeRegistry {
	return &ImageProbeRegistry{entries: make(map[string]*imageProbeEntry)}
}

// Create registers a fresh probe id with an empty access log.
func (r *ImageProbeRegistry) Create() string {
	buf := make([]byte, 5)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	r.entries[id] = &imageProbeEntry{
		records: make([]AccessRecord, 0),
		expires: time.Now().Add(imageProbeTTL),
	}
	return id
}

// Append records one fetch of a probe image, classifying the fetcher.
func (r *ImageProbeRegistry) Append(id string, record AccessRecord) error {
	record.Remark = classifyRelayAgent(record.UserAgent)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(time.Now())
	entry, ok := r.entries[id]
	if !ok {
		return ErrUnknownImageProbe
	}
	entry.records = append(entry.records, record)
	return nil
}

// Records returns a copy of the access log for one probe id.
func (r *ImageProbeRegistry) Records(id string) []AccessRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil
	}
	out := make([]AccessRecord, len(entry.records))
	copy(out, entry.records)
	return out
}

// prune drops expired entries. Caller holds r.mu.
func (r *ImageProbeRegistry) prune(now time.Time) {
	for id, entry := range r.entries {
		if now.After(entry.expires) {
			delete(r.entries, id)
		}
	}
}

// classifyRelayAgent maps a fetcher's user agent onto a verdict about who
// downloaded the image. Known provider fetchers identify a direct line;
// generic HTTP clients indicate an intermediary relay re-fetching it.
func classifyRelayAgent(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "OpenAI Image Downloader"):
		return "OpenAI"
	case strings.Contains(userAgent, "IPS/1.0"):
		return "Azure"
	case strings.Contains(userAgent, "Go-http-client"):
		return "Go relay"
	default:
		return "unknown"
	}
}

// imageStage hands the model a freshly registered image URL and then reads
// the registry to see who actually fetched it. Each recorded fetch is one
// hop between this service and the provider.
type imageStage struct {
	model    string
	registry *ImageProbeRegistry
	baseURL  string
	id       string
}

func (s *imageStage) Name() string { return "image relay" }

func (s *imageStage) Request() *ProbeRequest {
	s.id = s.registry.Create()
	imageURL := strings.TrimRight(s.baseURL, "/") + "/image/" + s.id
	return &ProbeRequest{
		Model: s.model,
		Messages: []Message{
			{
				Role: "user",
				Parts: []ContentPart{
					{Type: "image_url", ImageURL: &ImageURLPart{URL: imageURL}},
					{Type: "text", Text: "Can you see my picture? Please answer 1 or 0. Do not output irrelevant content."},
				},
			},
		},
	}
}

func (s *imageStage) Evaluate(req *ProbeRequest, resp *ProbeResponse, probeErr *ProbeError) []StepResult {
	if probeErr != nil {
		return failStep(probeErr)
	}

	steps := make([]StepResult, 0, 2)

	answer := StepResult{Name: "response", Status: StepFail}
	switch strings.TrimSpace(resp.Content) {
	case "1":
		answer.Status = StepPass
		answer.Remark = "model saw the image"
	case "0":
		answer.Remark = "model did not see the image"
	default:
		answer.Remark = fmt.Sprintf("unexpected answer: %q", resp.Content)
	}
	steps = append(steps, answer)

	records := s.registry.Records(s.id)
	fetch := StepResult{Name: "image fetch", Status: StepFail, Remark: "the image was never fetched"}
	if len(records) > 0 {
		parts := make([]string, 0, len(records)+1)
		parts = append(parts, fmt.Sprintf("fetched %d time(s)", len(records)))
		for i, record := range records {
			parts = append(parts, fmt.Sprintf("hop %d: ip=%s agent=%q (%s)", i+1, record.IP, record.UserAgent, record.Remark))
		}
		fetch.Status = StepPass
		fetch.Remark = strings.Join(parts, "; ")
	}
	steps = append(steps, fetch)

	return steps
}
