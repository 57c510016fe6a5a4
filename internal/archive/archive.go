// Package archive exposes the entries of a downloaded ZIP archive as lazily
// opened streams and picks out the primary data file.
package archive

import (
	"archive/zip"
	"errors"
	"io"
	"iter"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/syncerr"
)

// DefaultExtensions are the tabular file extensions recognized as data entries.
var DefaultExtensions = []string{".csv", ".txt", ".tsv"}

// Options controls primary-entry selection.
type Options struct {
	// Marker is matched case-insensitively against entry base names (e.g. "f_5500").
	Marker string
	// Extensions lists accepted tabular extensions; DefaultExtensions when empty.
	Extensions []string
}

// Entry is one file inside the archive. Open returns a fresh stream each call,
// so a consumer can restart reading from the beginning.
type Entry struct {
	Name string
	Size int64
	file *zip.File
}

// Open returns a new reader over the entry's decompressed bytes.
func (e Entry) Open() (io.ReadCloser, error) {
	rc, err := e.file.Open()
	if err != nil {
		return nil, eris.Wrapf(err, "archive: open entry %s", e.Name)
	}
	return rc, nil
}

// Archive is an opened ZIP container.
type Archive struct {
	path string
	opts Options
	zr   *zip.ReadCloser
}

// Open opens the ZIP at p. A malformed container is an *syncerr.ArchiveError.
func Open(p string, opts Options) (*Archive, error) {
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	zr, err := zip.OpenReader(p)
	if err != nil && errors.Is(err, zip.ErrInsecurePath) && zr != nil {
		// Unsafe names are filtered by Entries.
		err = nil
	}
	if err != nil {
		return nil, &syncerr.ArchiveError{Path: p, Err: eris.Wrap(err, "open zip")}
	}
	return &Archive{path: p, opts: opts, zr: zr}, nil
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	return a.zr.Close()
}

// Entries yields every regular, safely named file in the archive in
// directory order. Nothing is decompressed until Entry.Open is called.
func (a *Archive) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, f := range a.zr.File {
			if f.FileInfo().IsDir() || !safeName(f.Name) {
				continue
			}
			if !yield(Entry{Name: f.Name, Size: int64(f.UncompressedSize64), file: f}) {
				return
			}
		}
	}
}

// IsPrimary reports whether name matches the marker and a tabular extension.
func (a *Archive) IsPrimary(name string) bool {
	base := strings.ToLower(path.Base(name))
	if a.opts.Marker != "" && !strings.Contains(base, strings.ToLower(a.opts.Marker)) {
		return false
	}
	ext := path.Ext(base)
	for _, want := range a.opts.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

// Primary returns the first entry matching the primary-data rule. The rest
// are auxiliary schedules and are left unopened.
func (a *Archive) Primary() (Entry, error) {
	log := zap.L().With(zap.String("component", "archive"), zap.String("path", a.path))
	var (
		primary Entry
		found   bool
		aux     []string
	)
	for e := range a.Entries() {
		if !found && a.IsPrimary(e.Name) {
			primary, found = e, true
			continue
		}
		aux = append(aux, e.Name)
	}
	if !found {
		return Entry{}, &syncerr.ArchiveError{
			Path: a.path,
			Err:  eris.Errorf("no entry matches marker %q with extensions %v", a.opts.Marker, a.opts.Extensions),
		}
	}
	log.Info("primary entry selected",
		zap.String("entry", primary.Name),
		zap.Int64("uncompressed_bytes", primary.Size),
		zap.Strings("auxiliary", aux),
	)
	return primary, nil
}

// safeName rejects absolute paths and parent traversal.
func safeName(name string) bool {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return false
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}
