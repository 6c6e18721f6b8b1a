// Package retroapi forwards save-sync and auth traffic to the upstream
// Canvas64 API. The coordinator does not interpret these requests; it
// relays them verbatim behind a circuit breaker so a struggling upstream
// degrades into fast failures instead of tying up coordinator workers.
package retroapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"
)

// ErrUpstreamUnavailable is returned when the circuit breaker refuses a
// call, either because it is open or because the half-open probe budget
// is exhausted.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Doer is the slice of http.Client the forwarder needs. Tests substitute
// a fake to script upstream behavior without a network.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client relays HTTP requests to the upstream API origin.
type Client struct {
	origin string
	http   Doer
	cb     *gobreaker.CircuitBreaker
}

// New builds a Client for the given origin, e.g. "https://api.canvas64.dev".
func New(origin string) *Client {
	return NewWithHTTPClient(origin, &http.Client{Timeout: 30 * time.Second})
}

// NewWithHTTPClient is New with an injectable transport.
func NewWithHTTPClient(origin string, doer Doer) *Client {
	st := gobreaker.Settings{
		Name:        "retro-api",
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn(context.Background(), "Upstream circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		origin: strings.TrimRight(origin, "/"),
		http:   doer,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

// State reports the breaker state, for readiness probes.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

// Forward replays the inbound request against the upstream origin at
// upstreamPath, preserving method, query, body, and end-to-end headers.
// Upstream HTTP statuses, including 5xx, are answers and pass through;
// only transport failures count against the breaker.
func (c *Client) Forward(ctx context.Context, r *http.Request, upstreamPath string) (*http.Response, error) {
	target := c.origin + upstreamPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	out.ContentLength = r.ContentLength
	CopyEndToEndHeaders(out.Header, r.Header)

	resp, err := c.cb.Execute(func() (any, error) {
		return c.http.Do(out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues("retro-api").Inc()
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return nil, err
	}
	return resp.(*http.Response), nil
}

// hopByHopHeaders are connection-scoped per RFC 9110 §7.6.1 and must not
// be forwarded.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// CopyEndToEndHeaders copies src into dst minus the hop-by-hop set. Used
// on both legs of the passthrough: inbound request to upstream request,
// upstream response to inbound response.
func CopyEndToEndHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, hop := hopByHopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
