package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sahan-penakalapati/hedwig/pkg/faults"
)

// DefaultOpenAIBaseURL is the public chat completions endpoint root.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

type OpenAIClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
}

type OpenAIOption func(*OpenAIClient)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(u string) OpenAIOption {
	return func(c *OpenAIClient) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(h *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.http = h }
}

func NewOpenAIClient(apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultOpenAIBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Internal structure for OpenAI API "tools" array
type openAITool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Seed        int64           `json:"seed,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAIClient) Chat(ctx context.Context, msgs []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	var oaiTools []openAITool
	for _, t := range tools {
		oaiTools = append(oaiTools, openAITool{
			Type:     "function",
			Function: t,
		})
	}

	reqBody := openAIRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(msgs),
		Tools:    oaiTools,
	}

	if options != nil {
		reqBody.Temperature = options.Temperature
		reqBody.TopP = options.TopP
		reqBody.Seed = options.Seed
		reqBody.MaxTokens = options.MaxTokens
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.New(faults.KindModelFault, "llm.chat", c.model, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fe := faults.Newf(faults.KindModelFault, "llm.chat", c.model, "openai error: %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		fe.Code = fmt.Sprintf("http_%d", resp.StatusCode)
		// Client errors other than rate limiting will not succeed on retry.
		fe.Permanent = resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests
		return nil, fe
	}

	var oaiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, faults.New(faults.KindModelFault, "llm.chat", c.model, fmt.Errorf("decode response: %w", err))
	}

	if len(oaiResp.Choices) == 0 {
		return nil, faults.Newf(faults.KindModelFault, "llm.chat", c.model, "openai: empty choices in response")
	}
	choice := oaiResp.Choices[0].Message

	var toolCalls []ToolCall
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args) // Best effort parsing
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return &Response{
		Content:   choice.Content,
		ToolCalls: toolCalls,
	}, nil
}

func toOpenAIMessages(msgs []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openAIMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openAIToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openAIFunctionCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out = append(out, om)
	}
	return out
}
