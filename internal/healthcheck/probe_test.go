package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gatewayops/channelpool/internal/models"
	"gorm.io/datatypes"
)

func TestHTTPProber_Probe(t *testing.T) {
	var seen struct {
		path  string
		auth  string
		extra string
		model string
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.path = r.URL.Path
		seen.auth = r.Header.Get("Authorization")
		seen.extra = r.Header.Get("X-Relay-Hint")

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen.model, _ = body["model"].(string)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-test",
			"model": "gpt-4o-2024-08-06",
			"choices": [{"message": {"content": "hi there"}}],
			"usage": {"prompt_tokens": 8, "completion_tokens": 2}
		}`))
	}))
	defer server.Close()

	channel := &models.Channel{
		Name:    "probe-target",
		Key:     "sk-probe",
		BaseURL: server.URL,
		ModelMapping: datatypes.NewJSONSlice([]models.KVPair{
			{Key: "gpt-4o", Value: "gpt-4o-upstream"},
		}),
		ModelHeaders: datatypes.NewJSONSlice([]models.KVPair{
			{Key: "X-Relay-Hint", Value: "direct"},
		}),
	}
	prober, errNew := NewHTTPProber(channel)
	if errNew != nil {
		t.Fatalf("new prober: %v", errNew)
	}

	req := &ProbeRequest{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: "hi"}}}
	resp, probeErr := prober.Probe(context.Background(), req)
	if probeErr != nil {
		t.Fatalf("probe: %v", probeErr)
	}

	if seen.path != "/v1/chat/completions" {
		t.Fatalf("unexpected path %q", seen.path)
	}
	if seen.auth != "Bearer sk-probe" {
		t.Fatalf("unexpected auth header %q", seen.auth)
	}
	if seen.extra != "direct" {
		t.Fatalf("custom header not applied: %q", seen.extra)
	}
	if seen.model != "gpt-4o-upstream" {
		t.Fatalf("model rename not applied upstream: %q", seen.model)
	}
	if req.Model != "gpt-4o" {
		t.Fatal("rename must not mutate the caller's request")
	}

	if resp.ID != "chatcmpl-test" || resp.Content != "hi there" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Usage == nil || resp.Usage.PromptTokens != 8 {
		t.Fatalf("usage not parsed: %+v", resp.Usage)
	}
}

func TestHTTPProber_UpstreamErrorBecomesProbeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer server.Close()

	prober, _ := NewHTTPProber(&models.Channel{Name: "limited", BaseURL: server.URL})
	_, probeErr := prober.Probe(context.Background(), &ProbeRequest{Model: "gpt-4o"})
	if probeErr == nil {
		t.Fatal("expected a probe error")
	}
	if probeErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("unexpected status %d", probeErr.StatusCode)
	}
	if probeErr.Message != "rate limited" {
		t.Fatalf("unexpected message %q", probeErr.Message)
	}
}

func TestHTTPProber_RejectsBadProxy(t *testing.T) {
	if _, errNew := NewHTTPProber(&models.Channel{Name: "x", Proxy: "://bad"}); errNew == nil {
		t.Fatal("expected proxy parse failure")
	}
}
