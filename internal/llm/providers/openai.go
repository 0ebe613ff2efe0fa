package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/pkg/models"
)

// OpenAI calls the chat completions API, or any server compatible with it
// when BaseURL is set.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI builds an OpenAI adapter.
func NewOpenAI(cfg Config) *OpenAI {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(clientConfig),
		model:  modelOr(cfg.Model, "gpt-4o"),
	}
}

// Call implements llm.Caller.
func (p *OpenAI) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := modelOr(req.Model, p.model)
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      convertOpenAIMessages(req),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapOpenAIError(err, model)
	}
	defer stream.Close()

	resp := &llm.Response{Model: model}
	var content strings.Builder
	calls := make(map[int]*nativeCall)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, wrapOpenAIError(err, model)
		}
		if chunk.Usage != nil {
			resp.Usage = models.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			req.Emit(llm.Delta{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := calls[index]
			if call == nil {
				call = &nativeCall{Type: "function"}
				calls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Function.Name = tc.Function.Name
			}
			call.Function.Arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			resp.StopReason = string(choice.FinishReason)
		}
	}

	resp.Content, resp.Reasoning = splitThinking(content.String())
	resp.ToolCalls = encodeCalls(orderedCalls(calls))
	return resp, nil
}

func orderedCalls(calls map[int]*nativeCall) []nativeCall {
	indexes := make([]int, 0, len(calls))
	for index := range calls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	out := make([]nativeCall, 0, len(calls))
	for _, index := range indexes {
		if calls[index].Function.Name != "" {
			out = append(out, *calls[index])
		}
	}
	return out
}

func convertOpenAIMessages(req *llm.Request) []openai.ChatCompletionMessage {
	system, rest := req.System()
	paired := pairedCallIDs(rest)

	result := make([]openai.ChatCompletionMessage, 0, len(rest)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range rest {
		switch msg.Role {
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Text(),
			}
			for _, call := range answeredCalls(msg, paired) {
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.ArgumentsJSON()),
					},
				})
			}
			result = append(result, out)
		case models.RoleTool:
			if msg.ToolCallID != "" && paired[msg.ToolCallID] {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    msg.Text(),
					ToolCallID: msg.ToolCallID,
				})
				continue
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: observationText(msg),
			})
		default:
			result = append(result, openAIUserMessage(msg))
		}
	}
	return result
}

func openAIUserMessage(msg *models.Message) openai.ChatCompletionMessage {
	hasImage := false
	for _, part := range msg.Parts {
		if part.Type == models.PartImage && part.ImageURL != "" {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text()}
	}

	var parts []openai.ChatMessagePart
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
		case models.PartImage:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func convertOpenAITools(tools []llm.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func wrapOpenAIError(err error, model string) error {
	providerErr := llm.NewProviderError(KindOpenAI, model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return providerErr.WithStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return providerErr
}
