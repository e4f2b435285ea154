package healthcheck

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Stage is one named phase of a health check. Stages run in a fixed order;
// each issues one probe and evaluates the reply into step results.
type Stage interface {
	Name() string
	Request() *ProbeRequest
	Evaluate(req *ProbeRequest, resp *ProbeResponse, probeErr *ProbeError) []StepResult
}

// DefaultStages returns the stage sequence run for one model: a
// connectivity stage first, then capability stages.
func DefaultStages(model string) []Stage {
	return []Stage{
		&connectivityStage{model: model},
		&errorHandlingStage{model: model},
		&jsonFormatStage{model: model},
		&toolCallStage{model: model},
	}
}

// StagesWithImageCheck returns the default sequence with an image relay
// stage added. The stage needs a publicly reachable base URL for the probe
// image; sessions fall back to DefaultStages when none is configured.
func StagesWithImageCheck(registry *ImageProbeRegistry, baseURL string) StageFactory {
	return func(model string) []Stage {
		return []Stage{
			&connectivityStage{model: model},
			&errorHandlingStage{model: model},
			&imageStage{model: model, registry: registry, baseURL: baseURL},
			&jsonFormatStage{model: model},
			&toolCallStage{model: model},
		}
	}
}

// failStep renders a probe failure as a failing step. Upstream errors are
// data in the result stream, never protocol-level errors.
func failStep(probeErr *ProbeError) []StepResult {
	return []StepResult{{
		Name:   "response",
		Status: StepFail,
		Remark: probeErr.Error(),
	}}
}

// connectivityStage sends a minimal completion and checks that the reply
// looks like it actually came from the requested model.
type connectivityStage struct {
	model string
}

func (s *connectivityStage) Name() string { return "connectivity" }

func (s *connectivityStage) Request() *ProbeRequest {
	return &ProbeRequest{
		Model: s.model,
		Messages: []Message{
			{Role: "user", Content: "hi"},
		},
		MaxTokens: 1,
	}
}

var (
	// Versioned OpenAI model names end with a four-digit suffix
	// (gpt-4-0613) or a date suffix (gpt-4o-mini-2024-07-18).
	numberSuffixPattern = regexp.MustCompile(`\d{4}$`)
	dateSuffixPattern   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}$`)
)

func (s *connectivityStage) Evaluate(req *ProbeRequest, resp *ProbeResponse, probeErr *ProbeError) []StepResult {
	if probeErr != nil {
		return failStep(probeErr)
	}

	steps := make([]StepResult, 0, 3)

	if resp.Usage == nil || resp.Usage.CompletionTokens <= 0 || resp.Usage.PromptTokens <= 0 {
		steps = append(steps, StepResult{
			Name:   "usage",
			Status: StepFail,
			Remark: "usage data missing or empty",
		})
	} else {
		steps = append(steps, StepResult{
			Name:   "usage",
			Status: StepPass,
			Remark: fmt.Sprintf("prompt=%d completion=%d", resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		})
	}

	steps = append(steps, s.modelEchoStep(req, resp))

	idStep := StepResult{Name: "response id", Status: StepPass, Remark: "ok"}
	switch {
	case resp.ID == "":
		// Not absolute; some providers omit response IDs.
		idStep.Status = StepFail
		idStep.Remark = "response id is empty"
	case strings.HasPrefix(s.model, "gpt-") && !strings.HasPrefix(resp.ID, "chatcmpl-"):
		idStep.Status = StepFail
		idStep.Remark = "expected id prefix chatcmpl-"
	case strings.HasPrefix(s.model, "claude-") && !strings.HasPrefix(resp.ID, "msg_"):
		idStep.Status = StepFail
		idStep.Remark = "expected id prefix msg_"
	}
	steps = append(steps, idStep)

	return steps
}

// modelEchoStep checks the response model field against the requested one.
// Versioned OpenAI names must echo exactly; alias names must resolve to a
// versioned name sharing the alias prefix.
func (s *connectivityStage) modelEchoStep(req *ProbeRequest, resp *ProbeResponse) StepResult {
	step := StepResult{Name: "model echo", Status: StepFail}

	if resp.Model == "" {
		step.Remark = "response model is empty"
		return step
	}

	if strings.HasPrefix(s.model, "gpt-") || strings.HasPrefix(s.model, "chatgpt-") || strings.HasPrefix(s.model, "o1-") {
		versioned := numberSuffixPattern.MatchString(s.model) || dateSuffixPattern.MatchString(s.model)
		switch {
		case versioned && req.Model != resp.Model:
			step.Remark = "versioned model should echo exactly"
		case !versioned && req.Model == resp.Model:
			step.Remark = "alias model should resolve to a versioned name"
		case !versioned && !strings.HasPrefix(resp.Model, req.Model):
			step.Remark = "resolved model should share the alias prefix"
		default:
			step.Status = StepPass
			step.Remark = "ok"
		}
		return step
	}

	if resp.Model != req.Model {
		step.Remark = "response model differs from request"
		return step
	}
	step.Status = StepPass
	step.Remark = "ok"
	return step
}

// errorHandlingStage sends a deliberately malformed request; a genuine
// upstream should reject it instead of answering.
type errorHandlingStage struct {
	model string
}

func (s *errorHandlingStage) Name() string { return "error handling" }

func (s *errorHandlingStage) Request() *ProbeRequest {
	return &ProbeRequest{
		Model: s.model,
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "user11", Content: "hi"},
		},
	}
}

func (s *errorHandlingStage) Evaluate(req *ProbeRequest, resp *ProbeResponse, probeErr *ProbeError) []StepResult {
	if probeErr == nil {
		return []StepResult{{
			Name:   "rejection",
			Status: StepFail,
			Remark: "invalid role was accepted without an error",
		}}
	}

	// Each relay hop in front of the provider stamps its own request id
	// into the error message.
	hops := strings.Count(probeErr.Message, "request id:")
	return []StepResult{{
		Name:   "rejection",
		Status: StepPass,
		Remark: fmt.Sprintf("rejected as expected; %d relay hop(s) detected", hops),
	}}
}

// jsonFormatStage requests a structured reply and checks the content
// parses as JSON.
type jsonFormatStage struct {
	model string
}

func (s *jsonFormatStage) Name() string { return "json format" }

func (s *jsonFormatStage) Request() *ProbeRequest {
	schema := map[string]any{}
	_ = json.Unmarshal([]byte(`{"type":"object","properties":{"steps":{"type":"array","items":{"type":"object","properties":{"explanation":{"type":"string"},"output":{"type":"string"}},"required":["explanation","output"],"additionalProperties":false}},"final_answer":{"type":"string"}},"required":["steps","final_answer"],"additionalProperties":false}`), &schema)

	return &ProbeRequest{
		Model: s.model,
		Messages: []Message{
			{Role: "system", Content: "You are a helpful math tutor. Guide the user through the solution step by step."},
			{Role: "user", Content: "how can I solve 8x + 7 = -23"},
		},
		ResponseFormat: map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "math_reasoning",
				"schema": schema,
				"strict": true,
			},
		},
	}
}

func (s *jsonFormatStage) Evaluate(req *ProbeRequest, resp *ProbeResponse, probeErr *ProbeError) []StepResult {
	if probeErr != nil {
		return failStep(probeErr)
	}
	if resp.Content == "" {
		return []StepResult{{
			Name:   "structured output",
			Status: StepFail,
			Remark: "response content is empty",
		}}
	}

	var decoded map[string]any
	if errUnmarshal := json.Unmarshal([]byte(resp.Content), &decoded); errUnmarshal != nil {
		return []StepResult{{
			Name:   "structured output",
			Status: StepFail,
			Remark: "response content is not JSON",
		}}
	}
	return []StepResult{{
		Name:   "structured output",
		Status: StepPass,
		Remark: "response content is JSON",
	}}
}

// toolCallStage offers two function tools and checks the model calls them.
type toolCallStage struct {
	model string
}

func (s *toolCallStage) Name() string { return "tool call" }

func (s *toolCallStage) Request() *ProbeRequest {
	params := map[string]any{}
	_ = json.Unmarshal([]byte(`{"properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"],"type":"object"}`), &params)

	return &ProbeRequest{
		Model: s.model,
		Messages: []Message{
			{Role: "user", Content: "What is 3 * 12? And what is 11 + 49? Use the provided tools."},
		},
		Tools: []Tool{
			{Type: "function", Function: map[string]any{"name": "add", "description": "Adds a and b.", "parameters": params}},
			{Type: "function", Function: map[string]any{"name": "multiply", "description": "Multiplies a and b.", "parameters": params}},
		},
	}
}

func (s *toolCallStage) Evaluate(req *ProbeRequest, resp *ProbeResponse, probeErr *ProbeError) []StepResult {
	if probeErr != nil {
		return failStep(probeErr)
	}
	if resp.ToolCalls == 0 {
		return []StepResult{{
			Name:   "tool use",
			Status: StepFail,
			Remark: "no tool calls in response",
		}}
	}
	return []StepResult{{
		Name:   "tool use",
		Status: StepPass,
		Remark: fmt.Sprintf("%d tool call(s); two indicates the model handled both questions", resp.ToolCalls),
	}}
}
