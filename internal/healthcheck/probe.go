package healthcheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gatewayops/channelpool/internal/models"
)

// Message is one chat message of a probe request. Content carries plain
// text; Parts, when set, takes precedence and is sent as a multimodal
// content array instead.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"-"`
}

// MarshalJSON renders the content field as a string or a part array,
// matching the chat-completions wire format for both.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{Role: m.Role, Content: m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart references an image by URL inside a content part.
type ImageURLPart struct {
	URL string `json:"url"`
}

// Tool is a function tool offered to the model in a probe request.
type Tool struct {
	Type     string         `json:"type"`
	Function map[string]any `json:"function"`
}

// ProbeRequest describes one upstream call issued by a check stage.
type ProbeRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Tools          []Tool         `json:"tools,omitempty"`
}

// ProbeUsage carries the token accounting of a probe response.
type ProbeUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ProbeResponse is the upstream reply a stage evaluates. The upstream wire
// protocol is otherwise opaque to this subsystem.
type ProbeResponse struct {
	ID        string      `json:"id"`
	Model     string      `json:"model"`
	Content   string      `json:"content"`
	ToolCalls int         `json:"tool_calls"`
	Usage     *ProbeUsage `json:"usage"`
}

// ProbeError is an upstream failure represented as data. It feeds a failing
// step result and never aborts the stream.
type ProbeError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *ProbeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// Prober issues one test call against an upstream provider. Implementations
// must honor ctx cancellation and report upstream failures through the
// returned *ProbeError rather than panicking or retrying.
type Prober interface {
	Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, *ProbeError)
}

// HTTPProber probes a channel over its chat-completions endpoint, honoring
// the channel's model rename table, custom headers, and outbound proxy.
type HTTPProber struct {
	channel *models.Channel
	client  *http.Client
}

// NewHTTPProber constructs an HTTPProber for one channel.
func NewHTTPProber(channel *models.Channel) (*HTTPProber, error) {
	if channel == nil {
		return nil, fmt.Errorf("healthcheck: nil channel")
	}
	transport := &http.Transport{}
	if proxy := strings.TrimSpace(channel.Proxy); proxy != "" {
		proxyURL, errParse := url.Parse(proxy)
		if errParse != nil {
			return nil, fmt.Errorf("healthcheck: parse proxy: %w", errParse)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &HTTPProber{
		channel: channel,
		client:  &http.Client{Transport: transport},
	}, nil
}

// Probe sends the request upstream and folds transport and API failures
// into a ProbeError.
func (p *HTTPProber) Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, *ProbeError) {
	wireReq := *req
	wireReq.Model = p.channel.MappedModel(req.Model)

	payload, errMarshal := json.Marshal(&wireReq)
	if errMarshal != nil {
		return nil, &ProbeError{Message: fmt.Sprintf("encode request: %v", errMarshal)}
	}

	endpoint := strings.TrimRight(p.channel.BaseURL, "/") + "/v1/chat/completions"
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if errReq != nil {
		return nil, &ProbeError{Message: fmt.Sprintf("build request: %v", errReq)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.channel.Key)
	for _, header := range p.channel.ModelHeaders {
		if header.Key != "" {
			httpReq.Header.Set(header.Key, header.Value)
		}
	}

	started := time.Now()
	httpResp, errDo := p.client.Do(httpReq)
	if errDo != nil {
		return nil, &ProbeError{Message: fmt.Sprintf("request failed after %s: %v", time.Since(started).Round(time.Millisecond), errDo)}
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, errRead := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if errRead != nil {
		return nil, &ProbeError{StatusCode: httpResp.StatusCode, Message: fmt.Sprintf("read response: %v", errRead)}
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &ProbeError{StatusCode: httpResp.StatusCode, Message: upstreamErrorMessage(body)}
	}

	return parseChatCompletion(body, httpResp.StatusCode)
}

// chatCompletionBody maps the subset of the chat-completions reply the
// check stages evaluate.
type chatCompletionBody struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   json.RawMessage   `json:"content"`
			ToolCalls []json.RawMessage `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage *ProbeUsage `json:"usage"`
}

// parseChatCompletion extracts the evaluated fields from an upstream reply.
func parseChatCompletion(body []byte, statusCode int) (*ProbeResponse, *ProbeError) {
	var parsed chatCompletionBody
	if errUnmarshal := json.Unmarshal(body, &parsed); errUnmarshal != nil {
		return nil, &ProbeError{StatusCode: statusCode, Message: fmt.Sprintf("decode response: %v", errUnmarshal)}
	}

	resp := &ProbeResponse{
		ID:    parsed.ID,
		Model: parsed.Model,
		Usage: parsed.Usage,
	}
	if len(parsed.Choices) > 0 {
		choice := parsed.Choices[0]
		resp.ToolCalls = len(choice.Message.ToolCalls)

		var content string
		if errContent := json.Unmarshal(choice.Message.Content, &content); errContent == nil {
			resp.Content = content
		} else {
			// Some providers return structured content parts; keep the
			// raw JSON so stages can still inspect it.
			resp.Content = string(choice.Message.Content)
		}
	}
	return resp, nil
}

// upstreamErrorMessage pulls the error message out of a non-2xx reply body,
// falling back to the raw body.
func upstreamErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if errUnmarshal := json.Unmarshal(body, &parsed); errUnmarshal == nil {
		if parsed.Error.Message != "" {
			return parsed.Error.Message
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	trimmed := strings.TrimSpace(string(body))
	if len(trimmed) > 512 {
		trimmed = trimmed[:512]
	}
	if trimmed == "" {
		return "empty error response"
	}
	return trimmed
}
