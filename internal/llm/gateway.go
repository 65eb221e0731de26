package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"git.home.luguber.info/inful/codewiki/internal/config"
	"git.home.luguber.info/inful/codewiki/internal/errors"
	"git.home.luguber.info/inful/codewiki/internal/logfields"
	"git.home.luguber.info/inful/codewiki/internal/retry"
)

// maxToolHops caps the tool-calling loop.
const maxToolHops = 10

// Gateway is the process-wide entry point for model calls. The rate limiter
// is shared by every caller; retries follow the provider policy.
type Gateway struct {
	provider Provider
	limiter  *rate.Limiter
	policy   retry.Policy
	timeout  time.Duration
}

// New builds a gateway from configuration, selecting the provider adapter by
// the configured tag.
func New(cfg *config.Config) (*Gateway, error) {
	var provider Provider
	switch cfg.Provider {
	case config.ProviderOpenAI:
		provider = NewOpenAI(cfg.APIKey, cfg.Endpoint)
	case config.ProviderAzure:
		provider = NewAzure(cfg.APIKey, cfg.Endpoint)
	case config.ProviderAnthropic:
		provider = NewAnthropic(cfg.APIKey)
	default:
		return nil, errors.New(errors.CategoryConfig, errors.SeverityFatal,
			"unknown provider: "+string(cfg.Provider))
	}
	return &Gateway{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
		policy:   retry.ProviderPolicy(),
		timeout:  cfg.LLMCallTimeout,
	}, nil
}

// NewWithProvider wires a gateway around an explicit provider. Tests and the
// classifier's degraded path use this.
func NewWithProvider(p Provider, policy retry.Policy, callTimeout time.Duration) *Gateway {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Minute
	}
	return &Gateway{
		provider: p,
		limiter:  rate.NewLimiter(rate.Inf, 1),
		policy:   policy,
		timeout:  callTimeout,
	}
}

// ProviderName reports the active provider tag.
func (g *Gateway) ProviderName() string { return g.provider.Name() }

// Chat performs one model call with budget check, rate limiting, and retries
// on transient failures.
func (g *Gateway) Chat(ctx context.Context, req *Request) (*Response, error) {
	if err := checkBudget(req); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= g.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.policy.Delay(attempt)
			slog.Debug("Retrying model call",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				logfields.Model(req.Model))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := g.call(ctx, req, nil)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("Model call failed, will retry",
			logfields.Model(req.Model), logfields.Error(err))
	}
	return nil, lastErr
}

// ChatStream performs one streaming model call. A transient failure is
// retried only while no token has been delivered yet; after the first delta
// the error is surfaced as-is.
func (g *Gateway) ChatStream(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	if err := checkBudget(req); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= g.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(g.policy.Delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		firstToken := false
		wrapped := func(delta string) error {
			firstToken = true
			return fn(delta)
		}
		resp, err := g.call(ctx, req, wrapped)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if firstToken || !errors.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		slog.Warn("Streaming call failed before first token, will retry",
			logfields.Model(req.Model), logfields.Error(err))
	}
	return nil, lastErr
}

func (g *Gateway) call(ctx context.Context, req *Request, fn StreamFunc) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	start := time.Now()
	var resp *Response
	var err error
	if fn != nil {
		resp, err = g.provider.ChatStream(callCtx, req, fn)
	} else {
		resp, err = g.provider.Chat(callCtx, req)
	}
	if err != nil {
		return nil, err
	}
	slog.Debug("Model call completed",
		logfields.Model(req.Model),
		logfields.Provider(g.provider.Name()),
		logfields.Tokens(resp.Usage.TotalTokens),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return resp, nil
}

// RunToolLoop drives the tool-calling conversation: each provider-requested
// call is dispatched, its JSON result appended to the transcript, and the
// provider re-invoked. The loop ends on a reply without tool calls, on the
// hop cap, or on a fatal tool error. The returned usage is cumulative. When
// fn is non-nil the final assistant turn streams through it.
func (g *Gateway) RunToolLoop(ctx context.Context, req *Request, dispatcher ToolDispatcher, fn StreamFunc) (*Response, error) {
	messages := make([]Message, len(req.Messages))
	copy(messages, req.Messages)
	var usage Usage

	for hop := 0; hop < maxToolHops; hop++ {
		hopReq := *req
		hopReq.Messages = messages

		var resp *Response
		var err error
		if fn != nil {
			resp, err = g.ChatStream(ctx, &hopReq, fn)
		} else {
			resp, err = g.Chat(ctx, &hopReq)
		}
		if err != nil {
			return nil, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		if len(resp.ToolCalls) == 0 {
			resp.Usage = usage
			return resp, nil
		}

		messages = append(messages, Message{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			result, terr := dispatcher.Dispatch(ctx, call)
			if terr != nil {
				if errors.IsFatal(terr) {
					return nil, terr
				}
				// Non-fatal tool errors go back to the model as text.
				quoted, _ := json.Marshal(terr.Error())
				result = `{"error": ` + string(quoted) + `}`
				slog.Warn("Tool call failed", slog.String("tool", call.Name), logfields.Error(terr))
			}
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return nil, errors.New(errors.CategoryLLM, errors.SeverityError,
		"tool loop exceeded hop cap").WithContext("hops", maxToolHops)
}
