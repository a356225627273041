package tokenbucket

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
)

// Middleware rejects requests whose bucket is empty with 429 Too Many
// Requests. Every response carries X-RateLimit-Limit and
// X-RateLimit-Remaining; rejections also carry X-RateLimit-Reset (Unix
// seconds) and Retry-After (whole seconds, at least 1).
func (rl *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := rl.AllowRequest(r)
		if err != nil {
			if errors.Is(err, ErrKeyExtractionFailed) {
				rl.logger.Debug("rejecting request without client key", "path", r.URL.Path, "error", err)
				writeJSONError(w, http.StatusBadRequest, "missing_client_key", "Could not identify the client.")
				return
			}
			rl.logger.Error("rate limit check failed", "path", r.URL.Path, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error")
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))

		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retrySec := int64(math.Ceil(decision.RetryAfter.Seconds()))
		if retrySec < 1 {
			retrySec = 1
		}
		reset := rl.clockNowUnix() + retrySec
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		h.Set("Retry-After", strconv.FormatInt(retrySec, 10))

		rl.logger.Debug("request rate limited", "key", decision.Key, "route", decision.Route)
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":          "rate_limit_exceeded",
			"message":        "Too many requests. Please try again later.",
			"retry_after_ms": decision.RetryAfter.Milliseconds(),
		})
	})
}

// clockNowUnix returns the limiter clock's reading in Unix seconds.
func (rl *rateLimiter) clockNowUnix() int64 {
	return rl.clock.Now().Unix()
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
