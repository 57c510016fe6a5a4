package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/search"
)

// pagedReader serves a fixed ranked slice through the paging contract.
type pagedReader struct {
	plans   []model.Plan
	offsets []int
	failAt  int
}

func (r *pagedReader) Search(_ context.Context, q search.Query) (search.Page, error) {
	q = q.Normalize()
	r.offsets = append(r.offsets, q.Offset)
	if r.failAt > 0 && q.Offset >= r.failAt {
		return search.Page{}, errors.New("boom")
	}
	end := min(q.Offset+q.Limit+1, len(r.plans))
	start := min(q.Offset, len(r.plans))
	total := int64(len(r.plans))
	return search.NewPage(q, r.plans[start:end], &total), nil
}

func makePlans(n int) []model.Plan {
	out := make([]model.Plan, n)
	for i := range out {
		out[i] = model.Plan{ID: fmt.Sprintf("%09d-001", i), Rank: float64(n - i)}
	}
	return out
}

func TestCollect_AllPages(t *testing.T) {
	r := &pagedReader{plans: makePlans(250)}
	got, err := Collect(context.Background(), r, search.Query{}, 0)
	require.NoError(t, err)
	require.Len(t, got, 250)
	assert.Equal(t, r.plans, got)
	assert.Equal(t, []int{0, 100, 200}, r.offsets)
}

func TestCollect_Max(t *testing.T) {
	r := &pagedReader{plans: makePlans(250)}
	got, err := Collect(context.Background(), r, search.Query{}, 120)
	require.NoError(t, err)
	require.Len(t, got, 120)
	assert.Equal(t, r.plans[119].ID, got[119].ID)
	assert.Equal(t, []int{0, 100}, r.offsets)
}

func TestCollect_Empty(t *testing.T) {
	got, err := Collect(context.Background(), &pagedReader{}, search.Query{}, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCollect_Error(t *testing.T) {
	r := &pagedReader{plans: makePlans(250), failAt: 100}
	_, err := Collect(context.Background(), r, search.Query{}, 0)
	assert.Error(t, err)
}

func TestWriteXLSX(t *testing.T) {
	filed := time.Date(2024, 7, 30, 0, 0, 0, 0, time.UTC)
	plans := []model.Plan{
		{
			ID: "123456789-001", EIN: "12-3456789", PlanNumber: "001",
			Name: "Acme 401(k) Plan", SponsorName: "Acme Corp", City: "Austin", State: "TX", Zip: "78701",
			PlanTypeCode: "2E2J", Participants: 1200, TotalAssets: 5.5e7, FiledAt: &filed,
			Missing: model.FieldPlanYearBegin, Rank: 9.4, SourceYear: 2023,
		},
		{ID: "987654321-002", Name: "Beta Plan"},
	}

	path := filepath.Join(t.TempDir(), "top.xlsx")
	require.NoError(t, WriteXLSX(path, plans))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sheet, ok := f.Sheet[SheetName]
	require.True(t, ok)
	require.Len(t, sheet.Rows, 3)

	assert.Equal(t, "Position", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "Plan Name", sheet.Rows[0].Cells[4].String())

	first := sheet.Rows[1].Cells
	assert.Equal(t, "1", first[0].String())
	assert.Equal(t, "123456789-001", first[1].String())
	assert.Equal(t, "Acme 401(k) Plan", first[4].String())
	assert.Equal(t, "2E 2J", first[9].String())
	assert.Contains(t, first[10].String(), "Profit-sharing")
	assert.Equal(t, "2024-07-30", first[14].String())
	assert.Equal(t, "plan_year_begin", first[15].String())

	second := sheet.Rows[2].Cells
	assert.Equal(t, "2", second[0].String())
	assert.Equal(t, "Beta Plan", second[4].String())
}
