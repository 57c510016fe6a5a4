// Package parse streams delimited rows into raw records, enforcing a header
// contract and a shared rejection budget.
package parse

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/plansync/internal/syncerr"
)

// Options configures the streaming parser.
type Options struct {
	Delimiter  rune     // default ','
	Required   []string // columns that must be present in the header
	Encoding   string   // "", "utf-8", "windows-1252" or "latin1"
	LazyQuotes bool
	Buffer     int     // output channel capacity; default 256
	Budget     *Budget // required
}

// Decoder wraps r so that it yields UTF-8 for the named source encoding.
func Decoder(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.ReplaceAll(encoding, "_", "-")) {
	case "", "utf-8", "utf8":
		return r, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder().Reader(r), nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder().Reader(r), nil
	default:
		return nil, eris.Errorf("parse: unsupported encoding %q", encoding)
	}
}

// Stream decodes r row by row and sends records on the returned channel.
// The header is validated before any record is sent; a missing required
// column fails with *syncerr.SchemaError. Malformed rows are counted against
// opts.Budget and skipped. Both channels are closed when processing completes;
// at most one error is sent.
func Stream(ctx context.Context, r io.Reader, opts Options) (<-chan RawRecord, <-chan error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	rowCh := make(chan RawRecord, opts.Buffer)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)
		if err := stream(ctx, r, opts, rowCh); err != nil {
			errCh <- err
		}
	}()

	return rowCh, errCh
}

func stream(ctx context.Context, r io.Reader, opts Options, out chan<- RawRecord) error {
	log := zap.L().With(zap.String("component", "parse"))
	if opts.Budget == nil {
		return eris.New("parse: budget is required")
	}

	src, err := Decoder(r, opts.Encoding)
	if err != nil {
		return err
	}
	checkUTF8 := src == r

	reader := csv.NewReader(src)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1 // counts are validated against the header below

	raw, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &syncerr.SchemaError{Err: eris.New("empty input: no header row")}
	}
	if err != nil {
		return &syncerr.SchemaError{Err: eris.Wrap(err, "read header")}
	}
	header := NewHeader(raw)
	if missing := header.Missing(opts.Required); len(missing) > 0 {
		return &syncerr.SchemaError{Missing: missing, Err: eris.New("header mismatch")}
	}
	log.Debug("header accepted", zap.Int("columns", len(header.Names)))

	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "parse: context cancelled")
		}

		values, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}

		var pe *csv.ParseError
		switch {
		case err == nil:
		case errors.As(err, &pe):
			// The reader resumes at the next line after a parse error.
			log.Debug("malformed row", zap.Int("line", pe.StartLine), zap.Error(err))
			if rerr := reject(opts.Budget); rerr != nil {
				return rerr
			}
			continue
		default:
			return eris.Wrap(err, "parse: read row")
		}

		line, _ := reader.FieldPos(0)
		if len(values) != len(header.Names) || (checkUTF8 && !validUTF8(values)) {
			log.Debug("rejected row",
				zap.Int("line", line),
				zap.Int("fields", len(values)),
				zap.Int("expected", len(header.Names)),
			)
			if rerr := reject(opts.Budget); rerr != nil {
				return rerr
			}
			continue
		}

		opts.Budget.Row()
		select {
		case out <- RawRecord{Line: line, Header: header, Values: values}:
		case <-ctx.Done():
			return eris.Wrap(ctx.Err(), "parse: context cancelled")
		}
	}
}

func reject(b *Budget) error {
	b.Row()
	return b.Reject()
}

func validUTF8(values []string) bool {
	for _, v := range values {
		if !utf8.ValidString(v) {
			return false
		}
	}
	return true
}
