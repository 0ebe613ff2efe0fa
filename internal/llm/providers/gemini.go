package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Gemini calls the Gemini API through the genai SDK. Thought parts become
// reasoning.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds a Gemini adapter.
func NewGemini(cfg Config) (*Gemini, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Gemini{client: client, model: modelOr(cfg.Model, "gemini-2.0-flash")}, nil
}

// Call implements llm.Caller.
func (p *Gemini) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	model := modelOr(req.Model, p.model)
	system, rest := req.System()

	resp := &llm.Response{Model: model}
	var content, reasoning strings.Builder
	var calls []nativeCall

	for chunk, err := range p.client.Models.GenerateContentStream(ctx, model, convertGeminiContents(rest), geminiConfig(req, system)) {
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, wrapGeminiError(err, model)
		}
		if chunk == nil {
			continue
		}
		if usage := chunk.UsageMetadata; usage != nil {
			resp.Usage = models.Usage{
				PromptTokens:     int(usage.PromptTokenCount),
				CompletionTokens: int(usage.CandidatesTokenCount),
				TotalTokens:      int(usage.TotalTokenCount),
			}
		}
		for _, candidate := range chunk.Candidates {
			if candidate == nil {
				continue
			}
			if candidate.FinishReason != "" {
				resp.StopReason = string(candidate.FinishReason)
			}
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				switch {
				case part == nil:
				case part.FunctionCall != nil:
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil || part.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					calls = append(calls, nativeCall{
						ID:       part.FunctionCall.ID,
						Type:     "function",
						Function: nativeFunction{Name: part.FunctionCall.Name, Arguments: string(args)},
					})
				case part.Thought:
					reasoning.WriteString(part.Text)
					req.Emit(llm.Delta{Reasoning: part.Text})
				case part.Text != "":
					content.WriteString(part.Text)
					req.Emit(llm.Delta{Text: part.Text})
				}
			}
		}
	}

	resp.Content = content.String()
	resp.Reasoning = reasoning.String()
	resp.ToolCalls = encodeCalls(calls)
	return resp, nil
}

func geminiConfig(req *llm.Request, system string) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decl := &genai.FunctionDeclaration{Name: tool.Name, Description: tool.Description}
			var schema map[string]any
			if json.Unmarshal(tool.Schema, &schema) == nil && schema != nil {
				decl.ParametersJsonSchema = schema
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

func convertGeminiContents(messages []*models.Message) []*genai.Content {
	paired := pairedCallIDs(messages)
	var result []*genai.Content
	push := func(role string, parts []*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Parts = append(result[n-1].Parts, parts...)
			return
		}
		result = append(result, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		var parts []*genai.Part
		switch msg.Role {
		case models.RoleAssistant:
			if text := msg.Text(); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, call := range answeredCalls(msg, paired) {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: callArguments(call),
				}})
			}
			push(string(genai.RoleModel), parts)
		case models.RoleTool:
			if msg.ToolCallID != "" && paired[msg.ToolCallID] {
				var response map[string]any
				if err := json.Unmarshal([]byte(msg.Text()), &response); err != nil || response == nil {
					response = map[string]any{"output": msg.Text()}
				}
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       msg.ToolCallID,
					Name:     toolResultName(msg),
					Response: response,
				}})
			} else {
				parts = append(parts, &genai.Part{Text: observationText(msg)})
			}
			push(string(genai.RoleUser), parts)
		default:
			if text := msg.Text(); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, part := range msg.Parts {
				if part.Type == models.PartImage && part.ImageURL != "" && !strings.HasPrefix(part.ImageURL, "data:") {
					parts = append(parts, &genai.Part{FileData: &genai.FileData{
						FileURI:  part.ImageURL,
						MIMEType: part.MimeType,
					}})
				}
			}
			push(string(genai.RoleUser), parts)
		}
	}
	return result
}

func wrapGeminiError(err error, model string) error {
	providerErr := llm.NewProviderError(KindGemini, model, err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return providerErr.WithStatus(apiErr.Code)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource exhausted"):
		return providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "unavailable"):
		return providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr
}
