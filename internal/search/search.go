// Package search defines the paginated plan lookup contract shared by the
// cache and analytical readers.
package search

import (
	"context"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/plansync/internal/model"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Source selects which store answers a query.
type Source string

const (
	SourceCache Source = "cache"
	SourceFull  Source = "full"
)

// ParseSource accepts "", "cache" and "full". The empty string means cache.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case "", SourceCache:
		return SourceCache, nil
	case SourceFull:
		return SourceFull, nil
	default:
		return "", eris.Errorf("search: unknown source %q (valid: cache, full)", s)
	}
}

// Query filters and pages plans. Results are always ordered by rank
// descending with ID ascending as the tie-break.
type Query struct {
	Text      string  // matched against plan name, sponsor name and ID
	State     string  // two-letter postal code
	PlanType  string  // two-character feature code, e.g. "2J"
	MinAssets float64 // inclusive lower bound on total assets
	Limit     int
	Offset    int
}

var planTypeRe = regexp.MustCompile(`^[0-9][A-Z]$`)

// Normalize clamps paging and canonicalizes filters.
func (q Query) Normalize() Query {
	q.Text = strings.TrimSpace(q.Text)
	q.State = strings.ToUpper(strings.TrimSpace(q.State))
	q.PlanType = strings.ToUpper(strings.TrimSpace(q.PlanType))
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.MinAssets < 0 {
		q.MinAssets = 0
	}
	return q
}

// Validate rejects filters that cannot match any plan.
func (q Query) Validate() error {
	if q.PlanType != "" && !planTypeRe.MatchString(q.PlanType) {
		return eris.Errorf("search: invalid plan type %q", q.PlanType)
	}
	if q.State != "" && len(q.State) != 2 {
		return eris.Errorf("search: invalid state %q", q.State)
	}
	return nil
}

// LikePattern returns Text as a LIKE pattern with wildcards escaped by '\'.
func (q Query) LikePattern() string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q.Text) + "%"
}

// Page is one page of results. Total is nil when the reader cannot count
// matches cheaply.
type Page struct {
	Plans   []model.Plan `json:"plans"`
	Total   *int64       `json:"total"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// NewPage builds a page from up to Limit+1 fetched rows. The extra row, if
// present, only signals that more results exist.
func NewPage(q Query, fetched []model.Plan, total *int64) Page {
	p := Page{Limit: q.Limit, Offset: q.Offset, Total: total}
	if len(fetched) > q.Limit {
		p.HasMore = true
		fetched = fetched[:q.Limit]
	}
	if total != nil {
		p.HasMore = int64(q.Offset+len(fetched)) < *total
	}
	if fetched == nil {
		fetched = []model.Plan{}
	}
	p.Plans = fetched
	return p
}

// Reader answers plan queries.
type Reader interface {
	Search(ctx context.Context, q Query) (Page, error)
}
