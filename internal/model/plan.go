// Package model holds the entities shared across the ingestion pipeline.
package model

import (
	"math/bits"
	"strings"
	"time"
)

// FieldSet is a bit set of canonical plan fields. Plans use it to record
// which source values were absent or unparsable.
type FieldSet uint16

const (
	FieldName FieldSet = 1 << iota
	FieldSponsor
	FieldCity
	FieldState
	FieldZip
	FieldPlanType
	FieldParticipants
	FieldAssets
	FieldPlanYearBegin
	FieldFiledAt
)

var fieldNames = []struct {
	f    FieldSet
	name string
}{
	{FieldName, "name"},
	{FieldSponsor, "sponsor_name"},
	{FieldCity, "city"},
	{FieldState, "state"},
	{FieldZip, "zip"},
	{FieldPlanType, "plan_type"},
	{FieldParticipants, "participants"},
	{FieldAssets, "total_assets"},
	{FieldPlanYearBegin, "plan_year_begin"},
	{FieldFiledAt, "filed_at"},
}

// Has reports whether every field in f is set.
func (s FieldSet) Has(f FieldSet) bool { return s&f == f }

// Count returns the number of fields in the set.
func (s FieldSet) Count() int { return bits.OnesCount16(uint16(s)) }

// Names returns the field names in declaration order.
func (s FieldSet) Names() []string {
	var out []string
	for _, fn := range fieldNames {
		if s.Has(fn.f) {
			out = append(out, fn.name)
		}
	}
	return out
}

// String implements fmt.Stringer.
func (s FieldSet) String() string {
	return strings.Join(s.Names(), ",")
}

// Plan is the canonical, ranked form of one Form 5500 filing.
type Plan struct {
	ID            string     `json:"id"` // EIN(9) + "-" + plan number(3)
	AckID         string     `json:"ack_id,omitempty"`
	EIN           string     `json:"ein"` // XX-XXXXXXX
	PlanNumber    string     `json:"plan_number"`
	Name          string     `json:"name"`
	SponsorName   string     `json:"sponsor_name"`
	City          string     `json:"city"`
	State         string     `json:"state"`
	Zip           string     `json:"zip"`
	PlanTypeCode  string     `json:"plan_type_code"`
	Participants  int64      `json:"participants"`
	TotalAssets   float64    `json:"total_assets"`
	PlanYearBegin *time.Time `json:"plan_year_begin,omitempty"`
	FiledAt       *time.Time `json:"filed_at,omitempty"`
	Missing       FieldSet   `json:"-"`
	Rank          float64    `json:"rank"`
	SourceYear    int        `json:"source_year"`
	LastUpdated   time.Time  `json:"last_updated"`
}

// MissingFields lists the names of fields that were absent in the source row.
func (p *Plan) MissingFields() []string {
	return p.Missing.Names()
}

// PlanTypeCodes splits the concatenated pension/welfare feature code string
// into its two-character codes ("2E2J3D" -> ["2E", "2J", "3D"]).
func (p *Plan) PlanTypeCodes() []string {
	code := strings.ReplaceAll(p.PlanTypeCode, " ", "")
	var out []string
	for len(code) >= 2 {
		out = append(out, code[:2])
		code = code[2:]
	}
	if code != "" {
		out = append(out, code)
	}
	return out
}
