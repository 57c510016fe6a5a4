// Package export writes ranked plans to spreadsheet files.
package export

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/normalize"
	"github.com/sells-group/plansync/internal/search"
)

// SheetName is the name of the worksheet written by WriteXLSX.
const SheetName = "Top Plans"

var header = []string{
	"Position", "ID", "EIN", "Plan Number", "Plan Name", "Sponsor", "City", "State", "Zip",
	"Plan Types", "Plan Type Descriptions", "Participants", "Total Assets",
	"Plan Year Begin", "Filed", "Missing Fields", "Rank", "Source Year",
}

// Collect pages through r in rank order until the results run out or max
// plans have been read. max <= 0 reads everything.
func Collect(ctx context.Context, r search.Reader, q search.Query, max int) ([]model.Plan, error) {
	q.Limit = search.MaxLimit
	q.Offset = 0

	var out []model.Plan
	for {
		page, err := r.Search(ctx, q)
		if err != nil {
			return nil, eris.Wrapf(err, "export: read page at offset %d", q.Offset)
		}
		out = append(out, page.Plans...)
		if max > 0 && len(out) >= max {
			return out[:max], nil
		}
		if !page.HasMore || len(page.Plans) == 0 {
			return out, nil
		}
		q.Offset += len(page.Plans)
	}
}

// WriteXLSX writes plans, in the given order, to a new workbook at path.
func WriteXLSX(path string, plans []model.Plan) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	row := sheet.AddRow()
	for _, h := range header {
		row.AddCell().SetString(h)
	}

	for i := range plans {
		p := &plans[i]
		row := sheet.AddRow()
		row.AddCell().SetInt(i + 1)
		row.AddCell().SetString(p.ID)
		row.AddCell().SetString(p.EIN)
		row.AddCell().SetString(p.PlanNumber)
		row.AddCell().SetString(p.Name)
		row.AddCell().SetString(p.SponsorName)
		row.AddCell().SetString(p.City)
		row.AddCell().SetString(p.State)
		row.AddCell().SetString(p.Zip)
		row.AddCell().SetString(strings.Join(p.PlanTypeCodes(), " "))
		row.AddCell().SetString(describe(p))
		row.AddCell().SetInt64(p.Participants)
		row.AddCell().SetFloat(p.TotalAssets)
		row.AddCell().SetString(date(p.PlanYearBegin))
		row.AddCell().SetString(date(p.FiledAt))
		row.AddCell().SetString(p.Missing.String())
		row.AddCell().SetFloat(p.Rank)
		row.AddCell().SetInt(p.SourceYear)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func describe(p *model.Plan) string {
	var parts []string
	for _, code := range p.PlanTypeCodes() {
		if d, ok := normalize.PlanTypeDescription(code); ok {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "; ")
}

func date(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.DateOnly)
}
