package ssrf

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedTransport wraps a RoundTripper with a token-bucket limiter so a
// single room's router calls (or a burst of media downloads) cannot turn
// into a thundering herd against a single outbound host. Blocking happens
// per-request via Wait, so an exhausted bucket slows requests down rather
// than rejecting them outright.
type rateLimitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

// NewRateLimitedClient builds an *http.Client with the given timeout whose
// requests are smoothed through a token-bucket limiter (r events/sec,
// burst-sized bucket). Used by the router-LLM caller and the async-task
// media downloader so a single noisy room cannot monopolise outbound
// bandwidth to a provider (spec §4.7, §4.9, §4.10).
func NewRateLimitedClient(r rate.Limit, burst int, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &rateLimitedTransport{
			next:    http.DefaultTransport,
			limiter: rate.NewLimiter(r, burst),
		},
	}
}
