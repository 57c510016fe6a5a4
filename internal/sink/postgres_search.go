package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/plansync/internal/db"
	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/search"
)

// searchTx reads the count and the page from one snapshot, so a swap that
// commits between them cannot split the result.
var searchTx = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// Search pages through the live analytical snapshot. Free-text queries are
// not counted, so their Total is nil.
func (p *Postgres) Search(ctx context.Context, q search.Query) (search.Page, error) {
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return search.Page{}, err
	}

	where, args := pgWhere(q)
	table := db.SanitizeTable(Schema + "." + LiveTable)

	tx, err := p.pool.BeginTx(ctx, searchTx)
	if err != nil {
		return search.Page{}, eris.Wrap(err, "sink: begin search")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var total *int64
	if q.Text == "" {
		var n int64
		if err := tx.QueryRow(ctx, "SELECT count(*) FROM "+table+where, args...).Scan(&n); err != nil {
			return search.Page{}, eris.Wrap(err, "sink: count plans")
		}
		total = &n
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY rank DESC, id ASC LIMIT $%d OFFSET $%d",
		strings.Join(planColumns, ", "), table, where, len(args)+1, len(args)+2)
	rows, err := tx.Query(ctx, sql, append(args, q.Limit+1, q.Offset)...)
	if err != nil {
		return search.Page{}, eris.Wrap(err, "sink: search plans")
	}
	defer rows.Close()

	var plans []model.Plan
	for rows.Next() {
		pl, err := scanPlan(rows)
		if err != nil {
			return search.Page{}, eris.Wrap(err, "sink: scan plan")
		}
		plans = append(plans, pl)
	}
	if err := rows.Err(); err != nil {
		return search.Page{}, eris.Wrap(err, "sink: search plans iterate")
	}
	rows.Close()
	if err := tx.Commit(ctx); err != nil {
		return search.Page{}, eris.Wrap(err, "sink: commit search")
	}
	return search.NewPage(q, plans, total), nil
}

func pgWhere(q search.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Text != "" {
		add("(name ILIKE $%[1]d OR sponsor_name ILIKE $%[1]d OR id LIKE $%[1]d)", q.LikePattern())
	}
	if q.State != "" {
		add("state = $%d", q.State)
	}
	if q.PlanType != "" {
		// codes are two characters wide, so anchor matches on even offsets
		add("plan_type_code ~ ('^(..)*' || $%d)", q.PlanType)
	}
	if q.MinAssets > 0 {
		add("total_assets >= $%d", q.MinAssets)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
