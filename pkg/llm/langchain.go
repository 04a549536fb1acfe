package llm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/sahan-penakalapati/hedwig/pkg/faults"
)

// LangChainClient drives any langchaingo model. Tool calls use the text
// convention understood by ParseTextToolCall.
type LangChainClient struct {
	model llms.Model
	name  string
	calls atomic.Int64
}

// NewLangChainClient wraps an existing langchaingo model.
func NewLangChainClient(model llms.Model, name string) *LangChainClient {
	return &LangChainClient{model: model, name: name}
}

// NewLangChainOpenAI builds a langchaingo OpenAI-compatible model.
func NewLangChainOpenAI(apiKey, model, baseURL string) (*LangChainClient, error) {
	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithToken(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain: create openai model: %w", err)
	}
	return NewLangChainClient(m, model), nil
}

func (c *LangChainClient) Chat(ctx context.Context, msgs []Message, tools []ToolDefinition, options *SamplingOptions) (*Response, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("langchain: messages must not be empty")
	}
	prompt := Transcript(msgs)
	if len(tools) > 0 {
		prompt = ToolPrompt(tools) + "\n" + prompt
	}
	var callOpts []llms.CallOption
	if options != nil {
		if options.Temperature > 0 {
			callOpts = append(callOpts, llms.WithTemperature(options.Temperature))
		}
		if options.MaxTokens > 0 {
			callOpts = append(callOpts, llms.WithMaxTokens(options.MaxTokens))
		}
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt, callOpts...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.New(faults.KindModelFault, "llm.chat", c.name, err)
	}
	resp := &Response{Content: text}
	if tc, ok := ParseTextToolCall(text); ok {
		tc.ID = fmt.Sprintf("call_%d", c.calls.Add(1))
		resp.ToolCalls = []ToolCall{tc}
	}
	return resp, nil
}
