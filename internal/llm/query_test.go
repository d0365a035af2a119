package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if delays != nil {
			*delays = append(*delays, d)
		}
		return ctx.Err()
	}
}

func testExecutor(delays *[]time.Duration) *Executor {
	p := DefaultRetryPolicy()
	p.Sleep = noSleep(delays)
	return NewExecutor(WithRetryPolicy(p), WithAttemptTimeout(0))
}

func TestQuery_TransientFailureRetriesTenTimes(t *testing.T) {
	var delays []time.Duration
	fb := &fakeBackend{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}
	}}

	_, err := testExecutor(&delays).Query(context.Background(), Handle{Provider: "fake", Backend: fb, ModelName: "m"}, Request{UserMessage: "hi"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientBackend))
	assert.Equal(t, 10, fb.calls)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	}, delays)
}

func TestQuery_FatalFailureAttemptedOnce(t *testing.T) {
	fb := &fakeBackend{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}
	}}

	_, err := testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m"}, Request{UserMessage: "hi"})

	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTransientBackend))
	assert.Equal(t, 1, fb.calls)
	var be *BackendError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, KindRejected, be.Kind)
}

func TestQuery_SucceedsAfterTransientFailures(t *testing.T) {
	fb := &fakeBackend{fn: func(call int, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		if call < 3 {
			return openai.ChatCompletionResponse{}, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
		}
		return reply("done", 5, 2), nil
	}}

	res, err := testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m"}, Request{UserMessage: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, 3, res.Attempts)
}

func TestQuery_MessageOrderAndHistoryCopy(t *testing.T) {
	fb := &fakeBackend{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return reply("answer", 0, 0), nil
	}}
	history := make([]Message, 2, 8)
	history[0] = Message{Role: RoleUser, Content: "earlier question"}
	history[1] = Message{Role: RoleAssistant, Content: "earlier answer"}

	res, err := testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m"}, Request{
		SystemMessage: "be brief",
		UserMessage:   "now",
		History:       history,
	})
	require.NoError(t, err)

	sent := fb.reqs[0].Messages
	require.Len(t, sent, 4)
	assert.Equal(t, openai.ChatMessageRoleSystem, sent[0].Role)
	assert.Equal(t, "earlier question", sent[1].Content)
	assert.Equal(t, "earlier answer", sent[2].Content)
	assert.Equal(t, "now", sent[3].Content)

	require.Len(t, res.History, 4)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "answer"}, res.History[3])

	// caller's slice and backing array untouched
	assert.Len(t, history, 2)
	assert.Equal(t, Message{}, history[:3][2])
}

func TestQuery_StructuredDegradesOnRejection(t *testing.T) {
	fb := &fakeBackend{fn: func(_ int, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		if req.ResponseFormat != nil {
			return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: 400, Message: "response_format unsupported"}
		}
		return reply("score is 80", 0, 0), nil
	}}

	res, err := testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m", JSONMode: true}, Request{UserMessage: "judge", Structured: true})

	require.NoError(t, err)
	assert.Equal(t, "score is 80", res.Content)
	require.Equal(t, 2, fb.calls)
	assert.NotNil(t, fb.reqs[0].ResponseFormat)
	assert.Nil(t, fb.reqs[1].ResponseFormat)
}

func TestQuery_StructuredHintOnlyWhenSupported(t *testing.T) {
	fb := &fakeBackend{}
	_, err := testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m"}, Request{UserMessage: "x", Structured: true})
	require.NoError(t, err)
	assert.Nil(t, fb.reqs[0].ResponseFormat)

	fb = &fakeBackend{}
	_, err = testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m", JSONMode: true}, Request{UserMessage: "x", Structured: true})
	require.NoError(t, err)
	require.NotNil(t, fb.reqs[0].ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, fb.reqs[0].ResponseFormat.Type)
}

func TestQuery_UsageAndCost(t *testing.T) {
	fb := &fakeBackend{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return reply("x", 1000, 500), nil
	}}
	h := Handle{Backend: fb, ModelName: "m", Price: Price{InputPerMTok: 1, OutputPerMTok: 2}}

	res, err := testExecutor(nil).Query(context.Background(), h, Request{UserMessage: "x", Kwargs: GenerationKwargs{Temperature: 0.5, MaxTokens: 64}})

	require.NoError(t, err)
	assert.Equal(t, 1000, res.InputTokens)
	assert.Equal(t, 500, res.OutputTokens)
	assert.InDelta(t, 0.002, res.Cost, 1e-12)
	assert.Equal(t, float32(0.5), fb.reqs[0].Temperature)
	assert.Equal(t, 64, fb.reqs[0].MaxTokens)

	// missing usage is zero, not an error
	fb = &fakeBackend{}
	res, err = testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m"}, Request{UserMessage: "x"})
	require.NoError(t, err)
	assert.Zero(t, res.InputTokens)
	assert.Zero(t, res.OutputTokens)
	assert.Zero(t, res.Cost)
}

func TestQuery_CallerCancellationIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fb := &fakeBackend{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		cancel()
		return openai.ChatCompletionResponse{}, context.Canceled
	}}

	_, err := testExecutor(nil).Query(ctx, Handle{Backend: fb, ModelName: "m"}, Request{UserMessage: "x"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrTransientBackend))
	assert.Equal(t, 1, fb.calls)
}

func TestQuery_NoChoices(t *testing.T) {
	fb := &fakeBackend{fn: func(int, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, nil
	}}
	_, err := testExecutor(nil).Query(context.Background(), Handle{Backend: fb, ModelName: "m"}, Request{UserMessage: "x"})
	assert.Error(t, err)
}

func TestQuery_HTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer ollama", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","model":"llama3",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`)
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = srv.URL + "/v1/"
	h := Handle{Provider: "ollama", Backend: NewOpenAIBackend("ollama", cfg), ModelName: "llama3"}

	res, err := testExecutor(nil).Query(context.Background(), h, Request{UserMessage: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 3, res.InputTokens)
	assert.Equal(t, 1, res.OutputTokens)
}

func TestQuery_HTTPServerErrorIsTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream down","type":"server_error"}}`)
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("k")
	cfg.BaseURL = srv.URL
	h := Handle{Backend: NewOpenAIBackend("test", cfg), ModelName: "m"}

	p := DefaultRetryPolicy()
	p.MaxAttempts = 3
	p.Sleep = noSleep(nil)
	_, err := NewExecutor(WithRetryPolicy(p)).Query(context.Background(), h, Request{UserMessage: "hi"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientBackend))
	assert.Equal(t, int32(3), hits.Load())
}

func TestQuery_PerAttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("k")
	cfg.BaseURL = srv.URL
	h := Handle{Backend: NewOpenAIBackend("test", cfg), ModelName: "m"}

	p := DefaultRetryPolicy()
	p.MaxAttempts = 3
	p.Sleep = noSleep(nil)
	exec := NewExecutor(WithRetryPolicy(p), WithAttemptTimeout(20*time.Millisecond))

	_, err := exec.Query(context.Background(), h, Request{UserMessage: "hi"})

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientBackend))
	assert.Contains(t, err.Error(), "timeout")
	assert.Equal(t, int32(3), hits.Load())
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(40))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"rate limit", &openai.APIError{HTTPStatusCode: 429}, KindRateLimit},
		{"request timeout", &openai.RequestError{HTTPStatusCode: 408}, KindTimeout},
		{"server", &openai.RequestError{HTTPStatusCode: 500}, KindServer},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, KindRejected},
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindConnection},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindConnection},
		{"nxdomain", &net.DNSError{Err: "no such host", IsNotFound: true}, KindUnknown},
		{"dns temporary", &net.DNSError{Err: "server misbehaving", IsTemporary: true}, KindConnection},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := Classify(tt.err)
			require.NotNil(t, be)
			assert.Equal(t, tt.kind, be.Kind)
			assert.Equal(t, tt.kind.Transient(), errors.Is(be, ErrTransientBackend))
		})
	}
	assert.Nil(t, Classify(nil))
}
