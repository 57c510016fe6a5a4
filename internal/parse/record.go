package parse

import "strings"

// Header is the normalized header row of a source file.
type Header struct {
	Names []string
	index map[string]int
}

// NewHeader normalizes raw header cells (trim, BOM strip, upper-case). The
// first occurrence of a duplicated name wins.
func NewHeader(raw []string) *Header {
	h := &Header{Names: make([]string, len(raw)), index: make(map[string]int, len(raw))}
	for i, name := range raw {
		n := NormalizeColumn(name)
		h.Names[i] = n
		if _, dup := h.index[n]; !dup {
			h.index[n] = i
		}
	}
	return h
}

// Index returns the position of column name, or -1.
func (h *Header) Index(name string) int {
	if i, ok := h.index[NormalizeColumn(name)]; ok {
		return i
	}
	return -1
}

// Missing returns the names in required that the header lacks.
func (h *Header) Missing(required []string) []string {
	var out []string
	for _, r := range required {
		if h.Index(r) < 0 {
			out = append(out, NormalizeColumn(r))
		}
	}
	return out
}

// NormalizeColumn canonicalizes a column name for matching.
func NormalizeColumn(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToUpper(strings.TrimSpace(s))
}

// RawRecord is one decoded row, addressable by column name.
type RawRecord struct {
	Line   int // 1-based line of the row's first field
	Header *Header
	Values []string
}

// Get returns the value of column name, or "" when the column is absent.
func (r RawRecord) Get(name string) string {
	if r.Header == nil {
		return ""
	}
	i := r.Header.Index(name)
	if i < 0 || i >= len(r.Values) {
		return ""
	}
	return r.Values[i]
}

// Map returns the row as column name -> value.
func (r RawRecord) Map() map[string]string {
	m := make(map[string]string, len(r.Values))
	for i, v := range r.Values {
		if i < len(r.Header.Names) {
			m[r.Header.Names[i]] = v
		}
	}
	return m
}
