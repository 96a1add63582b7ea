// Package anthropic adapts the Anthropic Messages API to the chat.Completer
// interface using the official Go SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/capmesh/capmesh/chat"
	"github.com/capmesh/capmesh/core"
)

// Options configures the Anthropic completer (temperature, max tokens,
// API key). Extend via functional options to preserve stability.
type Options struct {
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Completer implements chat.Completer against the Anthropic Messages API.
type Completer struct {
	client *anthropic.Client
	model  anthropic.Model
	opts   Options
}

var _ chat.Completer = (*Completer)(nil)

// New creates an Anthropic-backed completer using the official client. When
// no API key is supplied the SDK falls back to ANTHROPIC_API_KEY. If model
// is empty a sensible default is used.
func New(model anthropic.Model, optFns ...func(o *Options)) *Completer {
	opts := Options{
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if model == "" {
		model = anthropic.ModelClaude3_5Sonnet20241022
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Completer{
		client: &client,
		model:  model,
		opts:   opts,
	}
}

// NewFromClient creates a completer from an existing client.
func NewFromClient(client *anthropic.Client, model anthropic.Model, optFns ...func(o *Options)) *Completer {
	opts := Options{
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if model == "" {
		model = anthropic.ModelClaude3_5Sonnet20241022
	}

	return &Completer{
		client: client,
		model:  model,
		opts:   opts,
	}
}

// Complete implements chat.Completer.
func (c *Completer) Complete(ctx context.Context, req chat.Request) (*chat.Completion, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   c.opts.MaxTokens,
		Temperature: anthropic.Float(c.opts.Temperature),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	out := &chat.Completion{
		Usage: &chat.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			if textBlock.Text != "" {
				out.Content += textBlock.Text
			}
		case "tool_use":
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(argsBytes)
				}
			}
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			})
		}
	}

	out.StopReason = "stop"
	if resp.StopReason != "" {
		out.StopReason = string(resp.StopReason)
	}

	return out, nil
}

// Info implements chat.Completer.
func (c *Completer) Info() chat.Info {
	return chat.Info{
		Name:          string(c.model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

// buildMessages converts normalized history to Anthropic message params.
// Assistant tool calls become tool_use blocks; the following tool results
// become tool_result blocks inside a user turn, as the API requires.
func buildMessages(history []core.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, m := range history {
		switch m.Role {
		case core.RoleUser:
			if m.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}

		case core.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				content = append(content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input interface{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						input = tc.Arguments // fallback to string
					}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}

		case core.RoleTool:
			var content []anthropic.ContentBlockParamUnion
			for _, tr := range m.ToolResults {
				content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, false))
			}
			if len(content) > 0 {
				messages = append(messages, anthropic.NewUserMessage(content...))
			}
		}
	}

	return messages
}

// buildTools converts normalized tool definitions to Anthropic tool params.
func buildTools(tools []chat.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if tool.Parameters != nil {
			if properties, exists := tool.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := tool.Parameters["required"]; exists {
				switch req := required.(type) {
				case []string:
					inputSchema.Required = req
				case []interface{}:
					var reqStrings []string
					for _, r := range req {
						if s, ok := r.(string); ok {
							reqStrings = append(reqStrings, s)
						}
					}
					inputSchema.Required = reqStrings
				}
			}
		}

		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
	}

	return anthropicTools
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) func(o *Options) {
	return func(o *Options) { o.Temperature = t }
}

// WithMaxTokens sets the completion token cap.
func WithMaxTokens(n int64) func(o *Options) {
	return func(o *Options) { o.MaxTokens = n }
}

// WithAPIKey sets an explicit API key instead of the environment variable.
func WithAPIKey(key string) func(o *Options) {
	return func(o *Options) { o.APIKey = key }
}
