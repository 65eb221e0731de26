package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	cwerrors "git.home.luguber.info/inful/codewiki/internal/errors"
)

// AnthropicProvider adapts the Anthropic messages endpoint. System prompts
// travel in the dedicated request field rather than the message list.
type AnthropicProvider struct {
	client *anthropic.Client
}

// NewAnthropic creates a provider for the Anthropic API.
func NewAnthropic(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{client: anthropic.NewClient(apiKey)}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.client.CreateMessages(ctx, p.convert(req))
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return normalizeAnthropicResponse(&resp), nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	var streamErr error
	resp, err := p.client.CreateMessagesStream(ctx, anthropic.MessagesStreamRequest{
		MessagesRequest: p.convert(req),
		OnContentBlockDelta: func(data anthropic.MessagesEventContentBlockDeltaData) {
			if streamErr != nil {
				return
			}
			if text := data.Delta.GetText(); text != "" {
				streamErr = fn(text)
			}
		},
	})
	if streamErr != nil {
		return nil, streamErr
	}
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return normalizeAnthropicResponse(&resp), nil
}

func (p *AnthropicProvider) convert(req *Request) anthropic.MessagesRequest {
	creq := anthropic.MessagesRequest{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
	}
	if creq.MaxTokens == 0 {
		creq.MaxTokens = reservedOutput
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		creq.Temperature = &temp
	}
	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			creq.Messages = append(creq.Messages,
				anthropic.NewToolResultsMessage(m.ToolCallID, m.Content, false))
		case RoleAssistant:
			msg := anthropic.Message{Role: anthropic.RoleAssistant}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthropic.NewTextMessageContent(m.Content))
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content,
					anthropic.NewToolUseMessageContent(tc.ID, tc.Name, json.RawMessage(tc.Arguments)))
			}
			creq.Messages = append(creq.Messages, msg)
		default:
			creq.Messages = append(creq.Messages, anthropic.NewUserTextMessage(m.Content))
		}
	}
	creq.System = strings.Join(system, "\n\n")
	for _, t := range req.Tools {
		var schema any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		creq.Tools = append(creq.Tools, anthropic.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return creq
}

func normalizeAnthropicResponse(resp *anthropic.MessagesResponse) *Response {
	out := &Response{
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	switch resp.StopReason {
	case anthropic.MessagesStopReasonToolUse:
		out.StopReason = StopReasonToolCalls
	case anthropic.MessagesStopReasonMaxTokens:
		out.StopReason = StopReasonLength
	default:
		out.StopReason = StopReasonStop
	}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			text = append(text, block.GetText())
		case anthropic.MessagesContentTypeToolUse:
			if block.MessageContentToolUse != nil {
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        block.MessageContentToolUse.ID,
					Name:      block.MessageContentToolUse.Name,
					Arguments: string(block.MessageContentToolUse.Input),
				})
			}
		}
	}
	out.Content = strings.Join(text, "")
	return out
}

// wrapAnthropicError classifies an upstream failure. Overload and rate-limit
// responses are retryable; auth and validation errors are not.
func wrapAnthropicError(err error) error {
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode == 429 || reqErr.StatusCode >= 500 {
			return cwerrors.WrapRetryable(err, cwerrors.CategoryLLM, cwerrors.SeverityError, "transient provider error")
		}
		return cwerrors.Wrap(err, cwerrors.CategoryLLM, cwerrors.SeverityError, "provider rejected request")
	}
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		if apiErr.IsRateLimitErr() || apiErr.IsOverloadedErr() {
			return cwerrors.WrapRetryable(err, cwerrors.CategoryLLM, cwerrors.SeverityError, "transient provider error")
		}
		return cwerrors.Wrap(err, cwerrors.CategoryLLM, cwerrors.SeverityError, "provider rejected request")
	}
	return cwerrors.WrapRetryable(err, cwerrors.CategoryNetwork, cwerrors.SeverityError, "provider unreachable")
}
