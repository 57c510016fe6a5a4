// Package syncerr defines the error taxonomy of an ingestion run.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// FetchError reports a failure retrieving the source archive: transport errors,
// timeouts, redirect loops and non-2xx terminal statuses.
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ArchiveError reports a malformed container or a missing primary entry.
type ArchiveError struct {
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// SchemaError reports a header mismatch or an exceeded rejection ceiling.
type SchemaError struct {
	Missing  []string // required columns absent from the header
	Rejected int64
	Total    int64
	Err      error
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("schema: missing required columns %v", e.Missing)
	}
	if e.Total > 0 {
		return fmt.Sprintf("schema: %d of %d rows rejected: %v", e.Rejected, e.Total, e.Err)
	}
	return fmt.Sprintf("schema: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Sink names used by WriteError.
const (
	SinkAnalytical = "analytical"
	SinkCache      = "cache"
)

// WriteError reports a sink failure. Sink names the store (SinkAnalytical, SinkCache).
// The cache is only written after the analytical snapshot is live, so a
// SinkCache failure means the two stores disagree until the next run.
type WriteError struct {
	Sink string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Sink, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// AlreadyRunningError is returned when a run is requested while another is active.
type AlreadyRunningError struct {
	RunID string // id of the active run, if known
}

func (e *AlreadyRunningError) Error() string {
	if e.RunID == "" {
		return "sync already running"
	}
	return fmt.Sprintf("sync already running (run %s)", e.RunID)
}

// IsAlreadyRunning reports whether err is, or wraps, an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var are *AlreadyRunningError
	return errors.As(err, &are)
}

// Kind returns a short classification of err for run metadata and API responses.
func Kind(err error) string {
	var (
		fe  *FetchError
		ae  *ArchiveError
		se  *SchemaError
		we  *WriteError
		are *AlreadyRunningError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &are):
		return "already_running"
	case errors.As(err, &fe):
		return "fetch"
	case errors.As(err, &ae):
		return "archive"
	case errors.As(err, &se):
		return "schema"
	case errors.As(err, &we):
		if we.Sink == SinkCache {
			return "cache_stale"
		}
		return "write"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}
