package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrTransientBackend matches any BackendError of a retryable kind.
var ErrTransientBackend = errors.New("transient backend error")

// ErrorKind classifies a backend failure.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindRateLimit  ErrorKind = "rate_limit"
	KindTimeout    ErrorKind = "timeout"
	KindServer     ErrorKind = "server"
	KindRejected   ErrorKind = "rejected"
	KindUnknown    ErrorKind = "unknown"
)

// Transient reports whether failures of this kind are retried.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindConnection, KindRateLimit, KindTimeout, KindServer:
		return true
	}
	return false
}

// BackendError is a classified failure from a chat backend.
type BackendError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransientBackend) hold for retryable kinds.
func (e *BackendError) Is(target error) bool {
	return target == ErrTransientBackend && e.Kind.Transient()
}

// Classify maps a raw backend error to a BackendError. Deadline expiry is
// reported as a timeout; callers must check their own context first so
// that cancellation is never mistaken for a transient failure.
func Classify(err error) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	if status := statusCode(err); status > 0 {
		return &BackendError{Kind: kindForStatus(status), StatusCode: status, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &BackendError{Kind: KindTimeout, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// NXDOMAIN is definitive
		if dnsErr.IsNotFound {
			return &BackendError{Kind: KindUnknown, Err: err}
		}
		return &BackendError{Kind: KindConnection, Err: err}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &BackendError{Kind: KindConnection, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &BackendError{Kind: KindConnection, Err: err}
	}

	return &BackendError{Kind: KindUnknown, Err: err}
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500 && status < 600:
		return KindServer
	case status >= 400:
		return KindRejected
	}
	return KindUnknown
}

// RetryPolicy bounds retries of transient backend failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy mirrors the defaults of the [llm] config section.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// Delay returns the wait after the given 1-based attempt:
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do calls fn until it succeeds, fails with a non-transient error, or
// MaxAttempts is reached. onRetry, if set, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, onRetry func(attempt int, err *BackendError, wait time.Duration)) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *BackendError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, fmt.Errorf("%w: %v", ctxErr, err)
		}

		last = Classify(err)
		if !last.Kind.Transient() {
			return attempt, fmt.Errorf("non-retryable error on attempt %d: %w", attempt, last)
		}
		if attempt == maxAttempts {
			break
		}

		wait := p.Delay(attempt)
		if onRetry != nil {
			onRetry(attempt, last, wait)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return attempt, err
		}
	}

	return maxAttempts, fmt.Errorf("giving up after %d attempts: %w", maxAttempts, last)
}
