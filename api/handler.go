package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/yourusername/tokenbucket/clock"
	"github.com/yourusername/tokenbucket/core"
	"github.com/yourusername/tokenbucket/pkg/tokenbucket"
)

// maxWait bounds the wait_ms a caller may request.
const maxWait = 30 * time.Second

// KeyPrefix namespaces /check buckets so a client_id can never name a bucket
// owned by the HTTP middleware.
const KeyPrefix = "check:"

// Handler handles rate limit check requests
type Handler struct {
	buckets tokenbucket.Store
	policy  tokenbucket.BucketConfig
	clock   clock.Clock
	logger  *slog.Logger
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Buckets holds one bucket per client_id. Required.
	Buckets tokenbucket.Store
	// Policy is applied when a client's bucket is first created.
	Policy tokenbucket.BucketConfig
	// Clock must be the clock the buckets use. Default: clock.System{}
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewHandler creates a new API handler
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Buckets == nil {
		return nil, errors.New("api: nil bucket store")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{
		buckets: cfg.Buckets,
		policy:  cfg.Policy,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}, nil
}

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	ClientID string `json:"client_id"`        // Required: unique identifier (user ID, API key, IP)
	Tokens   *int64 `json:"tokens,omitempty"` // Optional: tokens to consume (default 1)
	WaitMs   int64  `json:"wait_ms,omitempty"` // Optional: block up to this long for tokens
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool  `json:"allowed"`                  // Whether request is allowed
	Remaining    int64 `json:"remaining"`                // Whole tokens remaining
	Limit        int64 `json:"limit"`                    // Total capacity
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if blocked)
	ResetAt      int64 `json:"reset_at"`                 // Unix timestamp when bucket is full
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /check requests
func (h *Handler) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	if req.ClientID == "" {
		sendError(w, http.StatusBadRequest, "missing_client_id", "client_id is required")
		return
	}
	tokens := int64(1)
	if req.Tokens != nil {
		tokens = *req.Tokens
	}
	if tokens < 0 {
		sendError(w, http.StatusBadRequest, "invalid_tokens", "tokens must not be negative")
		return
	}
	if req.WaitMs < 0 || time.Duration(req.WaitMs)*time.Millisecond > maxWait {
		sendError(w, http.StatusBadRequest, "invalid_wait", "wait_ms must be between 0 and 30000")
		return
	}

	bucket, err := h.buckets.GetBucket(KeyPrefix+req.ClientID, h.policy)
	if err != nil {
		h.logger.Error("bucket lookup failed", "client_id", req.ClientID, "error", err)
		sendError(w, http.StatusInternalServerError, "internal_error", "rate limiter unavailable")
		return
	}
	if tokens > bucket.Capacity() {
		sendError(w, http.StatusBadRequest, "exceeds_capacity", "tokens exceeds bucket capacity")
		return
	}

	var result core.CheckResult
	if req.WaitMs > 0 {
		result, err = h.wait(r.Context(), bucket, tokens, time.Duration(req.WaitMs)*time.Millisecond)
		if err != nil {
			h.logger.Error("wait failed", "client_id", req.ClientID, "error", err)
			sendError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
	} else {
		result = bucket.Take(tokens)
	}

	resp := h.describe(result, bucket.RefillRate())
	status := http.StatusOK
	if !result.Allowed {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, resp)
}

// wait blocks for tokens up to timeout. A timeout is a denial, not an error.
// The returned result is read after the wait ends.
func (h *Handler) wait(ctx context.Context, b *tokenbucket.Bucket, tokens int64, timeout time.Duration) (core.CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := b.Wait(ctx, tokens)
	switch {
	case err == nil:
		return b.Peek(0), nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		result := b.Peek(tokens)
		result.Allowed = false
		return result, nil
	default:
		return core.CheckResult{}, err
	}
}

func (h *Handler) describe(result core.CheckResult, refillRate float64) CheckResponse {
	toFull := core.RetryAfter(core.Config{Capacity: result.Limit, RefillPerSec: refillRate}, result.Remaining, result.Limit)

	resp := CheckResponse{
		Allowed:   result.Allowed,
		Remaining: int64(math.Floor(result.Remaining)),
		Limit:     int64(result.Limit),
		ResetAt:   h.clock.Now().Add(toFull).Unix(),
	}
	if !result.Allowed {
		resp.RetryAfterMs = int64(math.Ceil(float64(result.RetryAfter) / float64(time.Millisecond)))
	}
	return resp
}

func sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
