// Package fetch retrieves derived content for stored items: article bodies
// as markdown and video transcripts.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/TobiSchelling/AINews/internal/database"
	"golang.org/x/time/rate"
)

const userAgent = "Mozilla/5.0 (compatible; AINews/1.0; +https://github.com/TobiSchelling/AINews)"

// Status classifies a fetch attempt.
type Status int

const (
	// StatusSuccess means content was retrieved.
	StatusSuccess Status = iota
	// StatusUnavailable means the source has no content and never will.
	StatusUnavailable
	// StatusTransient means the attempt failed and may succeed later.
	StatusTransient
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnavailable:
		return "unavailable"
	case StatusTransient:
		return "transient"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome is the tagged result of fetching content for one item.
type Outcome struct {
	Status  Status
	Content string
	Reason  string
	Err     error
}

// Success wraps fetched content.
func Success(content string) Outcome {
	return Outcome{Status: StatusSuccess, Content: content}
}

// Unavailable reports permanently missing content.
func Unavailable(reason string) Outcome {
	return Outcome{Status: StatusUnavailable, Reason: reason}
}

// Transient reports a retryable failure.
func Transient(err error) Outcome {
	return Outcome{Status: StatusTransient, Err: err, Reason: err.Error()}
}

// Fetcher retrieves derived content for an item.
type Fetcher interface {
	Fetch(ctx context.Context, item database.Item) Outcome
}

// Options configures the HTTP side of a fetcher.
type Options struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL string
}

func (o Options) httpClient() (*http.Client, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if o.ProxyURL != "" {
		proxy, err := url.Parse(o.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}, nil
}

func (o Options) limiter() *rate.Limiter {
	if o.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), 1)
}

// statusOutcome maps an HTTP error status to an outcome. Gone pages are
// permanent; throttling, server errors and other client errors are retried.
func statusOutcome(code int) Outcome {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return Unavailable(fmt.Sprintf("HTTP %d", code))
	default:
		return Transient(fmt.Errorf("HTTP %d", code))
	}
}

func get(ctx context.Context, client *http.Client, limiter *rate.Limiter, target string, header http.Header) (*http.Response, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range header {
		req.Header[k] = v
	}
	return client.Do(req)
}
