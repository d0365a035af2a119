package llm

import (
	"context"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.GetTracerProvider().Tracer("evolve-orch/llm")

// Backend is a chat-completion endpoint. Every provider speaks the
// OpenAI wire format, so go-openai's request and response types are the
// common currency; tests substitute fakes.
type Backend interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// openaiBackend wraps a go-openai client with an OTel span per call.
type openaiBackend struct {
	provider string
	client   *openai.Client
}

// NewOpenAIBackend builds a Backend from a go-openai client config.
// Timeouts are applied per attempt by the Executor through the context,
// so the HTTP client itself carries none.
func NewOpenAIBackend(provider string, cfg openai.ClientConfig) Backend {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: http.DefaultTransport}
	}
	return &openaiBackend{
		provider: provider,
		client:   openai.NewClientWithConfig(cfg),
	}
}

func (b *openaiBackend) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "llm.chat", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("llm.provider", b.provider),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.request.max_tokens", req.MaxTokens),
		attribute.Int("llm.request.messages", len(req.Messages)),
		attribute.Bool("llm.request.json_mode", req.ResponseFormat != nil),
	)
	if req.Temperature > 0 {
		span.SetAttributes(attribute.Float64("llm.request.temperature", float64(req.Temperature)))
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
		attribute.Int("llm.response.choices", len(resp.Choices)),
	)
	return resp, nil
}
