package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	cwerrors "git.home.luguber.info/inful/codewiki/internal/errors"
)

// OpenAIProvider adapts OpenAI-compatible chat-completions endpoints,
// including Azure deployments.
type OpenAIProvider struct {
	client *openai.Client
	name   string
}

// NewOpenAI creates a provider for api.openai.com or any compatible endpoint
// (baseURL empty means the default).
func NewOpenAI(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), name: "openai"}
}

// NewAzure creates a provider for an Azure OpenAI resource. The request's
// model id is used as the deployment name.
func NewAzure(apiKey, endpoint string) *OpenAIProvider {
	cfg := openai.DefaultAzureConfig(apiKey, endpoint)
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), name: "azure"}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.convert(req))
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, cwerrors.New(cwerrors.CategoryLLM, cwerrors.SeverityError, "provider returned no choices")
	}
	choice := resp.Choices[0]
	out := &Response{
		Content:    choice.Message.Content,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	creq := p.convert(req)
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	defer stream.Close()

	out := &Response{StopReason: StopReasonStop}
	var content []byte
	toolCalls := map[int]*ToolCall{}
	maxIdx := -1
	for {
		chunk, rerr := stream.Recv()
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, wrapOpenAIError(rerr)
		}
		if chunk.Usage != nil {
			out.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			out.StopReason = normalizeFinishReason(choice.FinishReason)
		}
		if choice.Delta.Content != "" {
			content = append(content, choice.Delta.Content...)
			if err := fn(choice.Delta.Content); err != nil {
				return nil, err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if idx > maxIdx {
				maxIdx = idx
			}
			acc, ok := toolCalls[idx]
			if !ok {
				acc = &ToolCall{}
				toolCalls[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Name = tc.Function.Name
			}
			acc.Arguments += tc.Function.Arguments
		}
	}
	out.Content = string(content)
	for i := 0; i <= maxIdx; i++ {
		if acc, ok := toolCalls[i]; ok {
			out.ToolCalls = append(out.ToolCalls, *acc)
		}
	}
	return out, nil
}

func (p *OpenAIProvider) convert(req *Request) openai.ChatCompletionRequest {
	creq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		creq.Messages = append(creq.Messages, cm)
	}
	for _, t := range req.Tools {
		var params any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return creq
}

func normalizeFinishReason(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopReasonToolCalls
	case openai.FinishReasonLength:
		return StopReasonLength
	default:
		return StopReasonStop
	}
}

// wrapOpenAIError classifies an upstream failure. 429 and 5xx are retryable;
// auth and validation errors are not.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return cwerrors.WrapRetryable(err, cwerrors.CategoryLLM, cwerrors.SeverityError, "transient provider error")
		}
		return cwerrors.Wrap(err, cwerrors.CategoryLLM, cwerrors.SeverityError, "provider rejected request")
	}
	// Transport-level failures have no status code.
	return cwerrors.WrapRetryable(err, cwerrors.CategoryNetwork, cwerrors.SeverityError, "provider unreachable")
}
