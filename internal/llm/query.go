package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hochfrequenz/evolve-orchestrator/internal/config"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationKwargs are per-call sampling parameters.
type GenerationKwargs struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// Request is one chat query.
type Request struct {
	UserMessage   string
	SystemMessage string
	History       []Message

	// Structured asks the backend for a JSON object. It is a hint only.
	Structured bool
	Kwargs     GenerationKwargs
}

// QueryResult is the outcome of a query. History holds the caller's
// history followed by the user message and the assistant reply.
type QueryResult struct {
	Content       string           `json:"content"`
	UserMessage   string           `json:"user_message"`
	SystemMessage string           `json:"system_message"`
	History       []Message        `json:"history"`
	ModelName     string           `json:"model_name"`
	InputTokens   int              `json:"input_tokens"`
	OutputTokens  int              `json:"output_tokens"`
	Cost          float64          `json:"cost"`
	Kwargs        GenerationKwargs `json:"kwargs"`
	Attempts      int              `json:"attempts"`
}

// Executor issues queries through dispatched handles.
type Executor struct {
	policy  RetryPolicy
	timeout time.Duration
	logger  *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithAttemptTimeout sets the per-attempt timeout; zero disables it.
func WithAttemptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor returns an Executor with the default policy and a 15s attempt timeout.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy:  DefaultRetryPolicy(),
		timeout: 15 * time.Second,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewExecutorFromConfig builds an Executor from the [llm] config section.
func NewExecutorFromConfig(cfg config.LLMConfig, logger *zap.Logger) *Executor {
	return NewExecutor(
		WithRetryPolicy(RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay.Duration,
			MaxDelay:    cfg.MaxDelay.Duration,
		}),
		WithAttemptTimeout(cfg.Timeout.Duration),
		WithLogger(logger),
	)
}

// Query sends one request. Transient failures are retried per the policy;
// anything else fails on the first attempt. If the backend rejects the
// JSON response format, the request is repeated once without it.
func (e *Executor) Query(ctx context.Context, h Handle, req Request) (*QueryResult, error) {
	if h.Backend == nil {
		return nil, fmt.Errorf("query %s: handle has no backend", h.ModelName)
	}

	ctx, span := tracer.Start(ctx, "llm.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", h.Provider),
		attribute.String("llm.model", h.ModelName),
	)

	history := make([]Message, 0, len(req.History)+2)
	history = append(history, req.History...)
	history = append(history, Message{Role: RoleUser, Content: req.UserMessage})

	chat := openai.ChatCompletionRequest{
		Model:       h.ModelName,
		Messages:    toOpenAI(req.SystemMessage, history),
		Temperature: float32(req.Kwargs.Temperature),
		MaxTokens:   req.Kwargs.MaxTokens,
	}
	if req.Structured && h.JSONMode {
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	var resp openai.ChatCompletionResponse
	attempts, err := e.policy.Do(ctx, func(ctx context.Context) error {
		r, err := e.attempt(ctx, h, &chat)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(attempt int, be *BackendError, wait time.Duration) {
		e.logger.Warn("retrying model query",
			zap.String("provider", h.Provider),
			zap.String("model", h.ModelName),
			zap.Int("attempt", attempt),
			zap.String("kind", string(be.Kind)),
			zap.Duration("wait", wait),
			zap.Error(be.Err),
		)
	})
	span.SetAttributes(attribute.Int("llm.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query %s/%s: %w", h.Provider, h.ModelName, err)
	}

	if len(resp.Choices) == 0 {
		err := fmt.Errorf("query %s/%s: response has no choices", h.Provider, h.ModelName)
		span.RecordError(err)
		return nil, err
	}
	content := resp.Choices[0].Message.Content
	history = append(history, Message{Role: RoleAssistant, Content: content})

	in, out := resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	return &QueryResult{
		Content:       content,
		UserMessage:   req.UserMessage,
		SystemMessage: req.SystemMessage,
		History:       history,
		ModelName:     h.ModelName,
		InputTokens:   in,
		OutputTokens:  out,
		Cost:          h.Price.Cost(in, out),
		Kwargs:        req.Kwargs,
		Attempts:      attempts,
	}, nil
}

// attempt performs one call under the per-attempt timeout. A 400/422 reply
// to a JSON-mode request drops the hint for this and all later attempts.
func (e *Executor) attempt(ctx context.Context, h Handle, chat *openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	call := func() (openai.ChatCompletionResponse, error) {
		actx := ctx
		if e.timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, e.timeout)
			defer cancel()
		}
		return h.Backend.CreateChatCompletion(actx, *chat)
	}

	resp, err := call()
	if err != nil && chat.ResponseFormat != nil && rejectsFormat(err) {
		e.logger.Info("backend rejected json response format, retrying as free text",
			zap.String("provider", h.Provider),
			zap.String("model", h.ModelName),
			zap.Error(err),
		)
		chat.ResponseFormat = nil
		resp, err = call()
	}
	return resp, err
}

func rejectsFormat(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.StatusCode == http.StatusBadRequest || be.StatusCode == http.StatusUnprocessableEntity
	}
	status := statusCode(err)
	return status == http.StatusBadRequest || status == http.StatusUnprocessableEntity
}

func toOpenAI(system string, history []Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}
