// Package fetcher retrieves remote source archives over HTTP(S) and FTP and
// spools them into scratch files.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/plansync/internal/syncerr"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body. The body may
	// implement Sizer when the remote size is known.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Sizer is implemented by bodies that know their total length.
type Sizer interface {
	Size() int64
}

// SizeOf returns the declared length of r, or -1 when unknown.
func SizeOf(r io.Reader) int64 {
	if s, ok := r.(Sizer); ok {
		return s.Size()
	}
	return -1
}

// sizedBody attaches a known length to a response body.
type sizedBody struct {
	io.ReadCloser
	size int64
}

func (b *sizedBody) Size() int64 { return b.size }

// SchemeFetcher routes downloads to a Fetcher by URL scheme.
type SchemeFetcher struct {
	bySchema map[string]Fetcher
}

// NewSchemeFetcher routes http/https to h and ftp to f. Either may be nil.
func NewSchemeFetcher(h *HTTPFetcher, f *FTPFetcher) *SchemeFetcher {
	m := make(map[string]Fetcher, 3)
	if h != nil {
		m["http"] = h
		m["https"] = h
	}
	if f != nil {
		m["ftp"] = f
	}
	return &SchemeFetcher{bySchema: m}
}

// Download implements Fetcher.
func (s *SchemeFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &syncerr.FetchError{URL: rawURL, Err: eris.Wrap(err, "parse url")}
	}
	f, ok := s.bySchema[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, &syncerr.FetchError{URL: rawURL, Err: eris.Errorf("unsupported scheme %q", u.Scheme)}
	}
	return f.Download(ctx, rawURL)
}
