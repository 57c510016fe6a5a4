package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/plansync/internal/resilience"
	"github.com/sells-group/plansync/internal/syncerr"
)

// ErrTooManyRedirects is returned when a download exceeds HTTPOptions.MaxRedirects.
var ErrTooManyRedirects = errors.New("too many redirects")

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	// HeaderTimeout bounds the wait for response headers. The body transfer of
	// a large archive is bounded only by the caller's context.
	HeaderTimeout time.Duration
	MaxRedirects  int
	Retry         resilience.RetryConfig
	RateLimit     rate.Limit
	Burst         int
}

// HTTPFetcher implements Fetcher using net/http with retry, redirect
// limiting and a request rate limiter.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *rate.Limiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.HeaderTimeout == 0 {
		opts.HeaderTimeout = 60 * time.Second
	}
	if opts.MaxRedirects == 0 {
		opts.MaxRedirects = 10
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "plansync/1.0"
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 2
	}
	if opts.Burst == 0 {
		opts.Burst = 1
	}

	maxRedirects := opts.MaxRedirects
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		TLSHandshakeTimeout:   15 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		opts:    opts,
		limiter: rate.NewLimiter(opts.RateLimit, opts.Burst),
	}
}

// Download fetches the URL and returns the response body. Transient failures
// (network errors, 408/429/5xx) are retried; every terminal failure is a
// *syncerr.FetchError.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	cfg := f.opts.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("fetcher.download")
	}

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*http.Response, error) {
		return f.get(ctx, rawURL)
	})
	if err != nil {
		var fe *syncerr.FetchError
		if errors.As(err, &fe) {
			return nil, fe
		}
		fe = &syncerr.FetchError{URL: rawURL, Err: err}
		var te *resilience.TransientError
		if errors.As(err, &te) {
			fe.StatusCode = te.StatusCode
		}
		return nil, fe
	}

	return &sizedBody{ReadCloser: resp.Body, size: resp.ContentLength}, nil
}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &syncerr.FetchError{URL: rawURL, Err: eris.Wrap(err, "create request")}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, &syncerr.FetchError{URL: rawURL, Err: eris.Wrapf(err, "stopped after %d redirects", f.opts.MaxRedirects)}
		}
		return nil, eris.Wrap(err, "http request")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		statusErr := eris.Errorf("unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			zap.L().Warn("fetcher: transient http status",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
			)
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, &syncerr.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: statusErr}
	}

	return resp, nil
}
