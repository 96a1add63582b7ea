// Package openai adapts the OpenAI chat completions API to the chat.Completer
// interface using the official Go SDK.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/capmesh/capmesh/chat"
	"github.com/capmesh/capmesh/core"
)

// Options configures the OpenAI completer.
type Options struct {
	// Temperature controls response randomness (0.0 to 2.0).
	Temperature float64

	// MaxTokens caps the completion length.
	MaxTokens int
}

// Completer implements chat.Completer against the OpenAI API.
type Completer struct {
	client      *openai.Client
	model       string
	temperature float64
	maxTokens   int
}

var _ chat.Completer = (*Completer)(nil)

// New creates an OpenAI-backed completer. The API key is read from the
// OPENAI_API_KEY environment variable by the SDK. If model is empty a
// sensible default is used.
func New(model string, optFns ...func(o *Options)) *Completer {
	opts := Options{
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if model == "" {
		model = openai.ChatModelGPT4oMini
	}

	client := openai.NewClient()

	return &Completer{
		client:      &client,
		model:       model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
}

// Complete implements chat.Completer.
func (c *Completer) Complete(ctx context.Context, req chat.Request) (*chat.Completion, error) {
	messages := buildMessages(req)

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               c.model,
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  t.Parameters,
				},
			})
		}
		params.Tools = tools
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai completion: empty choices")
	}

	choice := resp.Choices[0]

	out := &chat.Completion{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: &chat.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return out, nil
}

// Info implements chat.Completer.
func (c *Completer) Info() chat.Info {
	return chat.Info{Name: c.model, Provider: "openai", SupportsTools: true}
}

// buildMessages converts normalized history into the SDK's union params.
// Assistant messages carrying tool calls map to an assistant turn with
// tool_calls and no content; tool results map to tool messages paired by id.
func buildMessages(req chat.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))

		case core.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					calls = append(calls, openai.ChatCompletionMessageToolCallParam{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					})
				}
				messages = append(messages, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						ToolCalls: calls,
					},
				})
			} else {
				messages = append(messages, openai.AssistantMessage(m.Content))
			}

		case core.RoleTool:
			for _, tr := range m.ToolResults {
				messages = append(messages, openai.ToolMessage(tr.Content, tr.ToolCallID))
			}
		}
	}

	return messages
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) func(o *Options) {
	return func(o *Options) { o.Temperature = t }
}

// WithMaxTokens sets the completion token cap.
func WithMaxTokens(n int) func(o *Options) {
	return func(o *Options) { o.MaxTokens = n }
}
