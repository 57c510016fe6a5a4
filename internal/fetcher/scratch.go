package fetcher

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/syncerr"
)

// ProgressFunc returns a writer that observes downloaded bytes. total is -1
// when the remote size is unknown.
type ProgressFunc func(total int64) io.Writer

// ScratchFile is a downloaded archive spooled to local disk. Close removes it.
type ScratchFile struct {
	Path string
	Size int64
}

// Close removes the scratch file. It is safe to call more than once.
func (s *ScratchFile) Close() error {
	if s == nil || s.Path == "" {
		return nil
	}
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "fetcher: remove scratch %s", s.Path)
	}
	return nil
}

// FetchToScratch downloads url into a new temp file under dir without
// buffering the payload in memory. On any failure, including cancellation,
// the partial file is removed before returning.
func FetchToScratch(ctx context.Context, f Fetcher, url, dir string, progress ProgressFunc) (*ScratchFile, error) {
	log := zap.L().With(zap.String("component", "fetcher.scratch"), zap.String("url", url))

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "fetcher: create scratch dir %s", dir)
		}
	}

	body, err := f.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.CreateTemp(dir, "archive-*.zip")
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create scratch file")
	}
	scratch := &ScratchFile{Path: file.Name()}

	var dst io.Writer = file
	if progress != nil {
		if pw := progress(SizeOf(body)); pw != nil {
			dst = io.MultiWriter(file, pw)
		}
	}

	n, copyErr := io.Copy(dst, contextReader{ctx: ctx, r: body})
	closeErr := file.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = scratch.Close()
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetcher: download cancelled")
		}
		return nil, &syncerr.FetchError{URL: url, Err: eris.Wrapf(copyErr, "write scratch after %d bytes", n)}
	}

	scratch.Size = n
	log.Info("archive downloaded", zap.String("path", scratch.Path), zap.Int64("bytes", n))
	return scratch, nil
}

// contextReader stops a copy at the next read once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
