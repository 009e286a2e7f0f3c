package rate

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// requestCost is charged per generation request, whatever its batch size.
const requestCost = 1

// NewLimiter returns a new rate limiter. c must be validated.
func NewLimiter(c Config, logger logr.Logger) Limiter {
	log := logger.WithName("rate")
	l := Limiter{trustForwardedFor: c.TrustForwardedFor}
	switch {
	case !c.Enable:
		log.Info("Rate limiter is disabled")
		l.store = &noopStore{}
	case c.StoreType == storeTypeRedis:
		l.store = newRedisStore(c, log)
	default:
		l.store = newMemoryStore(c, log)
	}
	return l
}

// Limiter limits generation requests per client.
type Limiter struct {
	store             store
	trustForwardedFor bool
}

// Take charges one request to the client identified by key.
func (l *Limiter) Take(ctx context.Context, key string) (*Result, error) {
	return l.store.Take(ctx, key, requestCost)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// ClientKey identifies the client of the request.
func (l *Limiter) ClientKey(req *http.Request) string {
	return clientKey(req, l.trustForwardedFor)
}

// clientKey returns the remote host of the request, or the first
// X-Forwarded-For address when trusted and present.
func clientKey(req *http.Request, trustForwardedFor bool) string {
	if fwd := req.Header.Get("X-Forwarded-For"); trustForwardedFor && fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		return host
	}
	return req.RemoteAddr
}

// SetRateLimitHTTPHeaders sets rate limit headers to the response. Nothing
// is set when the limiter is disabled.
func SetRateLimitHTTPHeaders(w http.ResponseWriter, res *Result) {
	if res.Limit < 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit-Requests", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining-Requests", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset-Requests", res.ResetAfter.Truncate(time.Second).String())
	if res.Allowed {
		return
	}
	h.Set("X-RateLimit-RetryAfter", res.RetryAfter.Truncate(time.Second).String())
	h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
}
