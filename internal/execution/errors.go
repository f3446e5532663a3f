package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrorCategory classifies upstream errors for retry decisions
type ErrorCategory int

const (
	// ErrorCategoryUnknown - unclassified error, default to not retryable
	ErrorCategoryUnknown ErrorCategory = iota

	// ErrorCategoryTransient - temporary failures that may succeed on retry
	// Examples: timeout, rate limit (429), server error (5xx), network error
	ErrorCategoryTransient

	// ErrorCategoryPermanent - errors that will not succeed on retry
	// Examples: auth error (401/403), bad request (400), parse error
	ErrorCategoryPermanent
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// UpstreamError wraps failures from an LLM backend or data tool server
type UpstreamError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int  // HTTP status code if applicable
	Retryable  bool // Explicit retryable flag
	RetryAfter int  // Seconds to wait before retry
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// IsRetryable determines if an error should be retried
func (e *UpstreamError) IsRetryable() bool {
	return e.Retryable
}

// ClassifyHTTPError classifies an HTTP response error
func ClassifyHTTPError(statusCode int, body string) *UpstreamError {
	err := &UpstreamError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}

	switch {
	// Rate limiting - always retryable
	case statusCode == http.StatusTooManyRequests:
		err.Category = ErrorCategoryTransient
		err.Retryable = true
		err.RetryAfter = 60

	// Server and gateway errors - retryable
	case statusCode >= 500 && statusCode < 600:
		err.Category = ErrorCategoryTransient
		err.Retryable = true

	case statusCode == http.StatusRequestTimeout:
		err.Category = ErrorCategoryTransient
		err.Retryable = true

	// Auth errors - NOT retryable
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		err.Category = ErrorCategoryPermanent

	case statusCode == http.StatusBadRequest,
		statusCode == http.StatusNotFound,
		statusCode == http.StatusUnprocessableEntity:
		err.Category = ErrorCategoryPermanent

	default:
		err.Category = ErrorCategoryUnknown
	}

	return err
}

// ClassifyError classifies a transport-level error
func ClassifyError(err error) *UpstreamError {
	if err == nil {
		return nil
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}

	errStr := err.Error()

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "context deadline exceeded") {
		return &UpstreamError{
			Category:  ErrorCategoryTransient,
			Message:   "Request timed out",
			Retryable: true,
			Cause:     err,
		}
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF") {
		return &UpstreamError{
			Category:  ErrorCategoryTransient,
			Message:   fmt.Sprintf("Network error: %s", truncateString(errStr, 100)),
			Retryable: true,
			Cause:     err,
		}
	}

	if strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "tls:") ||
		strings.Contains(errStr, "x509:") {
		return &UpstreamError{
			Category: ErrorCategoryPermanent,
			Message:  "TLS/Certificate error",
			Cause:    err,
		}
	}

	return &UpstreamError{
		Category: ErrorCategoryUnknown,
		Message:  truncateString(errStr, 200),
		Cause:    err,
	}
}

// StageErrorKind names why a stage ended in error
type StageErrorKind string

const (
	StageErrorTimeout   StageErrorKind = "timeout"
	StageErrorCancelled StageErrorKind = "cancelled"
	StageErrorPanic     StageErrorKind = "panic"
	StageErrorUpstream  StageErrorKind = "upstream"
	StageErrorExecutor  StageErrorKind = "executor"
)

// StageError is the failure recorded against a single stage.
// It never escapes the runner; it is rendered into the session's event log.
type StageError struct {
	Stage string
	Kind  StageErrorKind
	Cause error
}

func (e *StageError) Error() string {
	switch e.Kind {
	case StageErrorTimeout:
		return fmt.Sprintf("stage %s timed out", e.Stage)
	case StageErrorCancelled:
		return fmt.Sprintf("stage %s cancelled", e.Stage)
	}
	if e.Cause == nil {
		return fmt.Sprintf("stage %s failed (%s)", e.Stage, e.Kind)
	}
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Kind, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// NewStageError classifies an executor failure. ctx is the stage's own context,
// so a deadline on it means the per-stage timeout fired.
func NewStageError(ctx context.Context, stage string, err error) *StageError {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr
	}

	kind := StageErrorExecutor
	var upstream *UpstreamError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = StageErrorTimeout
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		kind = StageErrorCancelled
	case errors.As(err, &upstream):
		kind = StageErrorUpstream
	}
	return &StageError{Stage: stage, Kind: kind, Cause: err}
}

// BackoffCalculator computes retry delays with exponential backoff and jitter
type BackoffCalculator struct {
	initialDelay  time.Duration
	maxDelay      time.Duration
	multiplier    float64
	jitterPercent int
}

// NewBackoffCalculator creates a calculator with specified parameters
func NewBackoffCalculator(initialDelay, maxDelay time.Duration, multiplier float64, jitterPercent int) *BackoffCalculator {
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if multiplier <= 0 {
		multiplier = 2.0
	}
	if jitterPercent < 0 {
		jitterPercent = 20
	}

	return &BackoffCalculator{
		initialDelay:  initialDelay,
		maxDelay:      maxDelay,
		multiplier:    multiplier,
		jitterPercent: jitterPercent,
	}
}

// NextDelay calculates the delay for the given attempt number (0-indexed)
func (b *BackoffCalculator) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.initialDelay) * math.Pow(b.multiplier, float64(attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}

	if b.jitterPercent > 0 {
		jitterRange := delay * float64(b.jitterPercent) / 100.0
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = float64(b.initialDelay)
	}

	return time.Duration(delay)
}

// CircuitBreaker tracks consecutive failures per upstream (e.g. tool server URL).
// After threshold consecutive failures from the same source it trips. Once the
// cooldown has elapsed a single trial request is let through: success closes
// the circuit, failure re-opens it for another cooldown.
type CircuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails map[string]int
	trippedAt        map[string]time.Time
	probing          map[string]bool
	threshold        int
	cooldown         time.Duration
	now              func() time.Time
}

// DefaultBreakerCooldown is how long a tripped circuit stays open before a trial request
const DefaultBreakerCooldown = 30 * time.Second

// NewCircuitBreaker creates a circuit breaker with the given threshold and cooldown.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &CircuitBreaker{
		consecutiveFails: make(map[string]int),
		trippedAt:        make(map[string]time.Time),
		probing:          make(map[string]bool),
		threshold:        threshold,
		cooldown:         cooldown,
		now:              time.Now,
	}
}

// RecordFailure records a failure from the given source. Returns true if the
// circuit has now tripped (or was already tripped).
func (cb *CircuitBreaker) RecordFailure(source string) bool {
	if source == "" {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails[source]++
	if cb.probing[source] || cb.consecutiveFails[source] >= cb.threshold {
		cb.trippedAt[source] = cb.now()
		delete(cb.probing, source)
	}
	_, tripped := cb.trippedAt[source]
	return tripped
}

// RecordSuccess resets the failure count for the given source.
func (cb *CircuitBreaker) RecordSuccess(source string) {
	if source == "" {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.consecutiveFails, source)
	delete(cb.trippedAt, source)
	delete(cb.probing, source)
}

// Allow reports whether a request to source may proceed. While the circuit is
// open it returns false until the cooldown elapses, then true for exactly one
// trial request until that request's outcome is recorded.
func (cb *CircuitBreaker) Allow(source string) bool {
	if source == "" {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	at, tripped := cb.trippedAt[source]
	if !tripped {
		return true
	}
	if cb.probing[source] || cb.now().Sub(at) < cb.cooldown {
		return false
	}
	cb.probing[source] = true
	return true
}

// Release ends a trial request whose outcome said nothing about the upstream
// (e.g. the caller's context was cancelled), so the next caller may try.
func (cb *CircuitBreaker) Release(source string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.probing, source)
}

// IsTripped returns true if the circuit for the given source is open.
func (cb *CircuitBreaker) IsTripped(source string) bool {
	if source == "" {
		return false
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	_, tripped := cb.trippedAt[source]
	return tripped
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
