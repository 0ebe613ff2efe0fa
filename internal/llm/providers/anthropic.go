package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// Anthropic calls the Messages API. Thinking deltas become reasoning.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic builds an Anthropic adapter.
func NewAnthropic(cfg Config) *Anthropic {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		options = append(options, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Anthropic{
		client: anthropic.NewClient(options...),
		model:  modelOr(cfg.Model, "claude-sonnet-4-20250514"),
	}
}

// Call implements llm.Caller.
func (p *Anthropic) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := modelOr(req.Model, p.model)
	system, rest := req.System()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertAnthropicMessages(rest),
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &llm.Response{Model: model}
	var content, reasoning, input strings.Builder
	var current *nativeCall
	var calls []nativeCall

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			resp.Usage.PromptTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &nativeCall{ID: toolUse.ID, Type: "function", Function: nativeFunction{Name: toolUse.Name}}
				input.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				content.WriteString(delta.Text)
				req.Emit(llm.Delta{Text: delta.Text})
			case "thinking_delta":
				reasoning.WriteString(delta.Thinking)
				req.Emit(llm.Delta{Reasoning: delta.Thinking})
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if current != nil {
				current.Function.Arguments = input.String()
				if current.Function.Arguments == "" {
					current.Function.Arguments = "{}"
				}
				calls = append(calls, *current)
				current = nil
			}
		case "message_delta":
			messageDelta := event.AsMessageDelta()
			resp.Usage.CompletionTokens = int(messageDelta.Usage.OutputTokens)
			if messageDelta.Delta.StopReason != "" {
				resp.StopReason = string(messageDelta.Delta.StopReason)
			}
		case "error":
			return nil, llm.NewProviderError(KindAnthropic, model, errors.New("anthropic stream error"))
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapAnthropicError(err, model)
	}

	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	resp.ToolCalls = encodeCalls(calls)
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}

// convertAnthropicMessages maps the conversation to alternating user and
// assistant turns, merging adjacent messages of the same side.
func convertAnthropicMessages(messages []*models.Message) []anthropic.MessageParam {
	paired := pairedCallIDs(messages)
	var result []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleAssistant:
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, call := range answeredCalls(msg, paired) {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, callArguments(call), call.Name))
			}
			push(anthropic.MessageParamRoleAssistant, blocks)
		case models.RoleTool:
			if msg.ToolCallID != "" && paired[msg.ToolCallID] {
				blocks = append(blocks, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Text(), false))
			} else {
				blocks = append(blocks, anthropic.NewTextBlock(observationText(msg)))
			}
			push(anthropic.MessageParamRoleUser, blocks)
		default:
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, part := range msg.Parts {
				if part.Type == models.PartImage && part.ImageURL != "" && !strings.HasPrefix(part.ImageURL, "data:") {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: part.ImageURL}))
				}
			}
			push(anthropic.MessageParamRoleUser, blocks)
		}
	}
	return result
}

func convertAnthropicTools(tools []llm.ToolSpec) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil && tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result
}

func wrapAnthropicError(err error, model string) error {
	providerErr := llm.NewProviderError(KindAnthropic, model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return providerErr.WithStatus(apiErr.StatusCode)
	}
	return providerErr
}
