package guardrail

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// defaultMaxBodyBytes caps how much request body the adapter buffers for
// payload inspection. Matches the scanner's own truncation bound.
const defaultMaxBodyBytes = 100 * 1024

// MiddlewareConfig adjusts the net/http adapter.
type MiddlewareConfig struct {
	// Options extracts per-request options (user id, email, token cost)
	// from the native request. Nil means zero options.
	Options func(r *http.Request) Options
	// MaxBodyBytes caps the buffered request body. Zero selects 100KB,
	// negative disables body capture.
	MaxBodyBytes int64
	// OnError handles Protect failures, which only occur under
	// FAIL_CLOSED. Nil writes a plain 503.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// FromHTTP converts a native request into the canonical shape, buffering up
// to maxBody bytes of the body and leaving r.Body readable for the next
// handler. maxBody zero selects the default cap, negative skips capture.
func FromHTTP(r *http.Request, maxBody int64) (*domain.Request, error) {
	req := &domain.Request{
		Method:     r.Method,
		URL:        requestURL(r),
		Headers:    r.Header,
		RemoteAddr: r.RemoteAddr,
	}

	if maxBody == 0 {
		maxBody = defaultMaxBodyBytes
	}
	if maxBody > 0 && r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("reading request body: %w", err)
		}
		req.Body = body
		// Downstream handlers see the full stream: the buffered prefix
		// first, then whatever remains past the cap.
		r.Body = bodyReplay{
			Reader: io.MultiReader(bytes.NewReader(body), r.Body),
			Closer: r.Body,
		}
	}

	return req, nil
}

type bodyReplay struct {
	io.Reader
	io.Closer
}

// requestURL reconstructs the absolute URL the client asked for.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Middleware wraps next with request protection. Every response carries the
// decision headers; denials are answered with the canonical JSON error
// shape and allowed requests continue down the chain.
func (g *Guardrail) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var opts Options
			if cfg.Options != nil {
				opts = cfg.Options(r)
			}

			req, err := FromHTTP(r, cfg.MaxBodyBytes)
			if err != nil {
				g.writeProtectError(w, r, cfg, err)
				return
			}

			decision, err := g.Protect(r.Context(), req, opts)
			if err != nil {
				g.writeProtectError(w, r, cfg, err)
				return
			}

			for key, value := range SecurityHeaders(decision) {
				w.Header().Set(key, value)
			}

			if decision.IsDenied() {
				g.writeDenial(w, decision)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guardrail) writeProtectError(w http.ResponseWriter, r *http.Request, cfg MiddlewareConfig, err error) {
	g.logger.Error("request protection failed", "error", err)
	if cfg.OnError != nil {
		cfg.OnError(w, r, err)
		return
	}
	http.Error(w, "service unavailable", http.StatusServiceUnavailable)
}

// writeDenial answers a denied request: 429 for rate and quota denials with
// the remaining balance, 403 for everything else.
func (g *Guardrail) writeDenial(w http.ResponseWriter, decision *domain.Decision) {
	status := http.StatusForbidden
	body := domain.ErrorResponse{Error: "FORBIDDEN", Message: "request denied"}

	if reason := decision.Reason; reason != nil {
		body.Error = string(reason.Kind)
		if reason.Message != "" {
			body.Message = reason.Message
		}
		if reason.Kind == domain.ReasonRateLimit || reason.Kind == domain.ReasonQuota {
			status = http.StatusTooManyRequests
			if reason.RateLimit != nil {
				remaining := reason.RateLimit.Remaining
				body.Remaining = &remaining
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode denial response", "error", err)
	}
}
