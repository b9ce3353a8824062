package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/model"
)

const maxResponseBytes = 10 << 20

// HTTPExecutor calls the remote skill execution service at
// POST {base_url}/skills/{skill_key}/execute. Each skill key gets its own
// circuit breaker.
type HTTPExecutor struct {
	baseURL string
	token   string
	client  *http.Client
	retry   config.RetryConfig
	breaker config.CircuitBreakerConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewHTTPExecutor creates a remote executor. token may be empty.
func NewHTTPExecutor(cfg config.SkillsConfig, token string, logger *zap.Logger, metrics *observability.Metrics) *HTTPExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPExecutor{
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout, Transport: transport},
		retry:    cfg.Retry,
		breaker:  cfg.CircuitBreaker,
		logger:   logger,
		metrics:  metrics,
		breakers: make(map[string]*Breaker),
	}
}

// Execute sends the request, retrying transient failures with exponential
// backoff.
func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (model.SkillResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.SkillResult{}, fmt.Errorf("skill: marshal request: %w", err)
	}
	endpoint := e.baseURL + "/skills/" + url.PathEscape(req.SkillKey) + "/execute"

	maxAttempts := e.retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.RecordSkillRetry(req.SkillKey)
			select {
			case <-ctx.Done():
				return model.SkillResult{}, model.NewSkillTimeoutError(req.SkillKey)
			case <-time.After(calculateBackoff(e.retry, attempt)):
			}
		}

		result, retryable, err := e.executeOnce(ctx, req, endpoint, body)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !retryable {
			return model.SkillResult{}, err
		}
		e.logger.Debug("retrying skill call",
			zap.String("skill_key", req.SkillKey),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
	}
	return model.SkillResult{}, lastErr
}

// executeOnce performs a single call. The boolean reports whether the
// failure is worth retrying.
func (e *HTTPExecutor) executeOnce(ctx context.Context, req Request, endpoint string, body []byte) (model.SkillResult, bool, error) {
	breaker := e.breakerFor(req.SkillKey)
	defer func() {
		e.metrics.SetSkillCircuitBreakerState(req.SkillKey, float64(breaker.State()))
	}()

	if !breaker.Allow() {
		return model.SkillResult{}, false, model.NewSkillUnavailableError(req.SkillKey)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return model.SkillResult{}, false, fmt.Errorf("skill: build request: %w", err)
	}
	e.setHeaders(ctx, httpReq, req)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		breaker.RecordFailure()
		if ctx.Err() != nil {
			return model.SkillResult{}, false, model.NewSkillTimeoutError(req.SkillKey)
		}
		if isTimeout(err) {
			return model.SkillResult{}, true, model.NewSkillTimeoutError(req.SkillKey)
		}
		if isConnectionError(err) {
			return model.SkillResult{}, true, model.NewSkillUnavailableError(req.SkillKey)
		}
		return model.SkillResult{}, true, fmt.Errorf("skill %s: request failed: %w", req.SkillKey, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		breaker.RecordFailure()
		return model.SkillResult{}, true, fmt.Errorf("skill %s: read response: %w", req.SkillKey, err)
	}

	switch {
	case resp.StatusCode >= 500:
		breaker.RecordFailure()
		return model.SkillResult{}, isRetryableStatus(resp.StatusCode), statusError(req.SkillKey, resp.StatusCode, respBody)
	case resp.StatusCode == http.StatusTooManyRequests:
		breaker.RecordFailure()
		return model.SkillResult{}, true, fmt.Errorf("skill %s: %w", req.SkillKey, model.NewRateLimitedError())
	case resp.StatusCode >= 400:
		// The skill rejected the call; the service itself is healthy.
		breaker.RecordSuccess()
		return model.SkillResult{}, false, statusError(req.SkillKey, resp.StatusCode, respBody)
	}

	breaker.RecordSuccess()

	var result model.SkillResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return model.SkillResult{}, false, fmt.Errorf("skill %s: decode result: %w", req.SkillKey, err)
	}
	return result, false, nil
}

func (e *HTTPExecutor) setHeaders(ctx context.Context, httpReq *http.Request, req Request) {
	h := httpReq.Header
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	if e.token != "" {
		h.Set("Authorization", "Bearer "+sanitizeHeader(e.token))
	}
	h.Set("X-Organization-Id", sanitizeHeader(req.OrganizationID))
	h.Set("X-User-Id", sanitizeHeader(req.UserID))
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	observability.InjectTraceHeaders(ctx, h)
}

// breakerFor returns the breaker for skillKey, creating it on first use.
func (e *HTTPExecutor) breakerFor(skillKey string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[skillKey]
	if !ok {
		b = NewBreaker(e.breaker)
		e.breakers[skillKey] = b
	}
	return b
}

// BreakerState reports the breaker state for a skill key.
func (e *HTTPExecutor) BreakerState(skillKey string) BreakerState {
	return e.breakerFor(skillKey).State()
}

// statusError turns a non-2xx response into an error, preferring the
// service's own error envelope when it sent one.
func statusError(skillKey string, status int, body []byte) error {
	var env model.ErrorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Code != "" {
		return fmt.Errorf("skill %s: status %d: %w", skillKey, status, &env)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("skill %s: status %d: %s", skillKey, status, msg)
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
