// Package rank scores canonical plans and orders them.
package rank

import (
	"math"
	"strings"

	"github.com/sells-group/plansync/internal/model"
)

// RelevantFields are the fields whose absence reduces a plan's rank.
const RelevantFields = model.FieldName | model.FieldSponsor | model.FieldState |
	model.FieldPlanType | model.FieldParticipants | model.FieldAssets

// Weights tunes the score.
type Weights struct {
	Assets         float64 `yaml:"assets" mapstructure:"assets"`
	Participants   float64 `yaml:"participants" mapstructure:"participants"`
	MissingPenalty float64 `yaml:"missing_penalty" mapstructure:"missing_penalty"`
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{Assets: 1.0, Participants: 0.5, MissingPenalty: 0.85}
}

// Score computes the rank of p. The result is finite and non-negative for
// finite non-negative weights, and 0 for a plan with no assets or participants.
func (w Weights) Score(p *model.Plan) float64 {
	s := w.Assets*logScale(p.TotalAssets) + w.Participants*logScale(float64(p.Participants))
	if n := (p.Missing & RelevantFields).Count(); n > 0 {
		s *= math.Pow(w.MissingPenalty, float64(n))
	}
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return 0
	}
	return s
}

func logScale(v float64) float64 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case math.IsInf(v, 1):
		return math.Log10(math.MaxFloat64)
	}
	return math.Log10(1 + v)
}

// Less reports whether a ranks ahead of b: rank descending, then ID ascending.
func Less(a, b *model.Plan) bool {
	if a.Rank != b.Rank {
		return a.Rank > b.Rank
	}
	return a.ID < b.ID
}

// Supersedes reports whether a replaces b when both carry the same ID:
// higher rank, then later filing date, then greater ack id.
func Supersedes(a, b *model.Plan) bool {
	if a.Rank != b.Rank {
		return a.Rank > b.Rank
	}
	at, bt := filed(a), filed(b)
	if at != bt {
		return at > bt
	}
	return strings.Compare(a.AckID, b.AckID) > 0
}

func filed(p *model.Plan) int64 {
	if p.FiledAt == nil {
		return math.MinInt64
	}
	return p.FiledAt.Unix()
}

// SupersedesSQL is Supersedes expressed as a predicate over an upsert's
// EXCLUDED row (the candidate) and the existing row t. Ack ids compare
// bytewise, matching Go string order.
const SupersedesSQL = `(EXCLUDED.rank, COALESCE(EXCLUDED.filed_at, '-infinity'::date), EXCLUDED.ack_id COLLATE "C") > ` +
	`(t.rank, COALESCE(t.filed_at, '-infinity'::date), t.ack_id COLLATE "C")`
