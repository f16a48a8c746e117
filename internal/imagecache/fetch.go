package imagecache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// Fetcher downloads one image. Implementations perform exactly one attempt
// per call; the queue owns the retry policy.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// DownloadError wraps a failed fetch with its retry classification.
type DownloadError struct {
	URL       string
	Status    int
	Temporary bool
	Err       error
}

func (e *DownloadError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("download %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// IsTemporary reports whether err should be retried: network, timeout and
// connection failures plus throttling and server-side statuses. Content
// errors (404, non-image payloads) are permanent.
func IsTemporary(err error) bool {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Temporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type httpFetcher struct {
	client *resty.Client
}

// NewHTTPFetcher creates the production fetcher. The transport comes from
// retryablehttp for its connection pooling, but transport-level retries are
// disabled: the queue counts attempts itself.
func NewHTTPFetcher(timeout time.Duration) Fetcher {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "Orchard-ImageCache/1.0").
		SetTransport(retryClient.HTTPClient.Transport)

	return &httpFetcher{client: client}
}

func (f *httpFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.client.R().SetContext(ctx).Get(rawURL)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Temporary: IsTemporary(err), Err: err}
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return resp.Body(), nil
	case status == 429 || status >= 500:
		return nil, &DownloadError{URL: rawURL, Status: status, Temporary: true}
	default:
		return nil, &DownloadError{URL: rawURL, Status: status, Temporary: false}
	}
}
