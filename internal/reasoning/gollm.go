package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// toolCallProtocol is appended to the system prompt so single-prompt
// providers can still request tools.
const toolCallProtocol = `To call tools, end your reply with a JSON object of the form
{"tool_calls":[{"name":"<tool>","arguments":{...}}]}
and nothing after it. Reply without that object when you are done.`

// GollmConfig configures a GollmClient.
type GollmConfig struct {
	Provider    string
	Model       string
	APIKey      string
	MaxTokens   int
	Temperature float64
}

// GollmClient implements Client on top of gollm.
type GollmClient struct {
	provider string
	llm      gollm.LLM
}

// NewGollmClient creates a client for the configured provider. If APIKey is
// empty gollm falls back to the provider's environment variable.
func NewGollmClient(cfg GollmConfig) (*GollmClient, error) {
	if cfg.Provider == "" {
		return nil, &ProtocolError{Message: "reasoning provider is required"}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(cfg.Provider),
		gollm.SetModel(cfg.Model),
		gollm.SetMaxTokens(cfg.MaxTokens),
		gollm.SetTemperature(cfg.Temperature),
		gollm.SetMaxRetries(0), // retries belong to the supervisor
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.APIKey != "" {
		opts = append(opts, gollm.SetAPIKey(cfg.APIKey))
	}

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return nil, &ProtocolError{
			Message: fmt.Sprintf("create %s client: %v", cfg.Provider, err),
			Cause:   err,
		}
	}
	return &GollmClient{provider: cfg.Provider, llm: llm}, nil
}

// Send implements Client.
func (c *GollmClient) Send(ctx context.Context, req Request) (*Response, error) {
	text, err := c.llm.Generate(ctx, buildPrompt(req))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, translateError(c.provider, err)
	}
	return parseResponse(text), nil
}

func buildPrompt(req Request) *gollm.Prompt {
	text := Transcript(req.Messages)
	if strings.TrimSpace(text) == "" {
		text = "Continue."
	}

	system := strings.TrimSpace(req.System)
	if len(req.Tools) > 0 {
		system = strings.TrimSpace(system + "\n\n" + toolCallProtocol)
	}

	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools), gollm.WithToolChoice("auto"))
	}
	return gollm.NewPrompt(text, opts...)
}

// parseResponse extracts a trailing tool-call object from the text.
func parseResponse(text string) *Response {
	idx := strings.LastIndex(text, `{"tool_calls"`)
	if idx < 0 {
		return &Response{Text: strings.TrimSpace(text), StopReason: StopEndTurn}
	}

	var payload struct {
		ToolCalls []struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text[idx:])), &payload); err != nil || len(payload.ToolCalls) == 0 {
		return &Response{Text: strings.TrimSpace(text), StopReason: StopEndTurn}
	}

	calls := make([]ToolCall, 0, len(payload.ToolCalls))
	for _, raw := range payload.ToolCalls {
		args := raw.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      raw.Name,
			Arguments: args,
		})
	}
	return &Response{
		Text:       strings.TrimSpace(text[:idx]),
		ToolCalls:  calls,
		StopReason: StopToolUse,
	}
}

var retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after[^0-9]{0,4}(\d+(?:\.\d+)?)\s*(ms|s)?`)

// translateError maps a gollm error onto the reasoning error taxonomy by
// inspecting its message; gollm does not expose status codes.
func translateError(provider string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit") || strings.Contains(lower, "overloaded"):
		return &RateLimitError{Message: msg, RetryAfter: parseRetryAfter(msg), Cause: err}
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key"):
		return &ProtocolError{Message: msg, StatusCode: 401, Cause: err}
	case strings.Contains(lower, "403") || strings.Contains(lower, "forbidden"):
		return &ProtocolError{Message: msg, StatusCode: 403, Cause: err}
	case strings.Contains(lower, "400") || strings.Contains(lower, "invalid request") || strings.Contains(lower, "context length"):
		return &ProtocolError{Message: msg, StatusCode: 400, Cause: err}
	case strings.Contains(lower, "unsupported provider") || strings.Contains(lower, "unknown provider"):
		return &ProtocolError{Message: msg, Cause: err}
	default:
		// Timeouts, resets, 5xx and anything unrecognised are worth retrying.
		return &TransportError{Message: fmt.Sprintf("[%s] %s", provider, msg), Cause: err}
	}
}

func parseRetryAfter(msg string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(value * float64(time.Millisecond))
	}
	return time.Duration(value * float64(time.Second))
}
