package release

import (
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/rehttp"
)

// NewHTTPClient returns a client that retries temporary network errors and
// transient server statuses with exponential jittered backoff.
func NewHTTPClient(maxRetries int, timeout time.Duration) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   10,
		ResponseHeaderTimeout: time.Minute,
	}

	retry := rehttp.RetryAll(
		rehttp.RetryMaxRetries(maxRetries),
		rehttp.RetryAny(
			rehttp.RetryTemporaryErr(),
			rehttp.RetryStatuses(
				http.StatusTooManyRequests,
				http.StatusInternalServerError,
				http.StatusBadGateway,
				http.StatusServiceUnavailable,
				http.StatusGatewayTimeout,
			),
		),
	)

	return &http.Client{
		Timeout:   timeout,
		Transport: rehttp.NewTransport(base, retry, rehttp.ExpJitterDelay(500*time.Millisecond, 10*time.Second)),
	}
}
