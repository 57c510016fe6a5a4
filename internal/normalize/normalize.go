// Package normalize converts raw Form 5500 rows into canonical plans.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/parse"
)

// Columns maps canonical fields to source column names.
type Columns struct {
	AckID         string `yaml:"ack_id" mapstructure:"ack_id"`
	EIN           string `yaml:"ein" mapstructure:"ein"`
	PlanNumber    string `yaml:"plan_number" mapstructure:"plan_number"`
	Name          string `yaml:"name" mapstructure:"name"`
	Sponsor       string `yaml:"sponsor" mapstructure:"sponsor"`
	City          string `yaml:"city" mapstructure:"city"`
	State         string `yaml:"state" mapstructure:"state"`
	Zip           string `yaml:"zip" mapstructure:"zip"`
	PlanType      string `yaml:"plan_type" mapstructure:"plan_type"`
	Participants  string `yaml:"participants" mapstructure:"participants"`
	Assets        string `yaml:"assets" mapstructure:"assets"`
	PlanYearBegin string `yaml:"plan_year_begin" mapstructure:"plan_year_begin"`
	FiledAt       string `yaml:"filed_at" mapstructure:"filed_at"`
}

// DefaultColumns returns the column names used by the DOL Form 5500 dataset.
func DefaultColumns() Columns {
	return Columns{
		AckID:         "ACK_ID",
		EIN:           "SPONS_DFE_EIN",
		PlanNumber:    "SPONS_DFE_PN",
		Name:          "PLAN_NAME",
		Sponsor:       "SPONSOR_DFE_NAME",
		City:          "SPONS_DFE_MAIL_US_CITY",
		State:         "SPONS_DFE_MAIL_US_STATE",
		Zip:           "SPONS_DFE_MAIL_US_ZIP",
		PlanType:      "TYPE_PENSION_BNFT_CODE",
		Participants:  "TOT_PARTCP_BOY_CNT",
		Assets:        "TOT_ASSETS_EOY_AMT",
		PlanYearBegin: "FORM_PLAN_YEAR_BEGIN_DATE",
		FiledAt:       "DATE_RECEIVED",
	}
}

// withDefaults fills blank column names from DefaultColumns.
func (c Columns) withDefaults() Columns {
	d := DefaultColumns()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&c.AckID, d.AckID)
	fill(&c.EIN, d.EIN)
	fill(&c.PlanNumber, d.PlanNumber)
	fill(&c.Name, d.Name)
	fill(&c.Sponsor, d.Sponsor)
	fill(&c.City, d.City)
	fill(&c.State, d.State)
	fill(&c.Zip, d.Zip)
	fill(&c.PlanType, d.PlanType)
	fill(&c.Participants, d.Participants)
	fill(&c.Assets, d.Assets)
	fill(&c.PlanYearBegin, d.PlanYearBegin)
	fill(&c.FiledAt, d.FiledAt)
	return c
}

// Required lists the columns a source header must carry.
func (c Columns) Required() []string {
	c = c.withDefaults()
	return []string{c.EIN, c.PlanNumber, c.Name, c.Participants, c.Assets}
}

// Rejection reports a row that cannot become a canonical plan.
type Rejection struct {
	Line   int
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("normalize: line %d rejected: %s", r.Line, r.Reason)
}

// IsRejection reports whether err is a row rejection.
func IsRejection(err error) bool {
	var r *Rejection
	return errors.As(err, &r)
}

// Normalizer turns RawRecords into plans. It holds no mutable state and is
// safe for concurrent use.
type Normalizer struct {
	cols       Columns
	sourceYear int
	updated    time.Time
}

// New creates a Normalizer. Every plan it produces carries sourceYear and
// updated as provenance.
func New(cols Columns, sourceYear int, updated time.Time) *Normalizer {
	return &Normalizer{cols: cols.withDefaults(), sourceYear: sourceYear, updated: updated.UTC()}
}

// Normalize converts rec. The returned plan has no rank.
func (n *Normalizer) Normalize(rec parse.RawRecord) (model.Plan, error) {
	c := n.cols

	ein := digits(rec.Get(c.EIN))
	switch {
	case ein == "":
		return model.Plan{}, &Rejection{Line: rec.Line, Reason: "missing employer id"}
	case len(ein) > 9:
		return model.Plan{}, &Rejection{Line: rec.Line, Reason: fmt.Sprintf("employer id %q exceeds 9 digits", ein)}
	}
	ein = leftPad(ein, 9)

	pn := strings.TrimLeft(digits(rec.Get(c.PlanNumber)), "0")
	if len(pn) > 3 {
		return model.Plan{}, &Rejection{Line: rec.Line, Reason: fmt.Sprintf("plan number %q exceeds 3 digits", pn)}
	}
	pn = leftPad(pn, 3)

	p := model.Plan{
		ID:          ein + "-" + pn,
		AckID:       strings.TrimSpace(rec.Get(c.AckID)),
		EIN:         ein[:2] + "-" + ein[2:],
		PlanNumber:  pn,
		Name:        cleanText(rec.Get(c.Name)),
		SponsorName: cleanText(rec.Get(c.Sponsor)),
		City:        cleanText(rec.Get(c.City)),
		SourceYear:  n.sourceYear,
		LastUpdated: n.updated,
	}

	if p.Name == "" {
		p.Missing |= model.FieldName
	}
	if p.SponsorName == "" {
		p.Missing |= model.FieldSponsor
	}
	if p.City == "" {
		p.Missing |= model.FieldCity
	}

	p.State = strings.ToUpper(strings.TrimSpace(rec.Get(c.State)))
	if !ValidState(p.State) {
		p.Missing |= model.FieldState
	}

	var zipOK bool
	p.Zip, zipOK = formatZip(rec.Get(c.Zip))
	if !zipOK {
		p.Missing |= model.FieldZip
	}

	p.PlanTypeCode = strings.ToUpper(strings.Join(strings.Fields(rec.Get(c.PlanType)), ""))
	if p.PlanTypeCode == "" {
		p.Missing |= model.FieldPlanType
	}

	var ok bool
	if p.Participants, ok = parseCount(rec.Get(c.Participants)); !ok {
		p.Missing |= model.FieldParticipants
	}
	if p.TotalAssets, ok = parseAmount(rec.Get(c.Assets)); !ok {
		p.Missing |= model.FieldAssets
	}

	if p.PlanYearBegin = parseDate(rec.Get(c.PlanYearBegin)); p.PlanYearBegin == nil {
		p.Missing |= model.FieldPlanYearBegin
	}
	if p.FiledAt = parseDate(rec.Get(c.FiledAt)); p.FiledAt == nil {
		p.Missing |= model.FieldFiledAt
	}

	return p, nil
}
