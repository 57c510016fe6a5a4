package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/plansync/internal/db"
	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/rank"
)

const (
	Schema    = "plansync"
	LiveTable = "plans"
	prevTable = "plans_prev"
)

// planColumns is the column order shared by the analytical table, its
// stages and the COPY rows built by planRow.
var planColumns = []string{
	"id", "ack_id", "ein", "plan_number", "name", "sponsor_name",
	"city", "state", "zip", "plan_type_code", "participants", "total_assets",
	"plan_year_begin", "filed_at", "missing", "rank", "source_year", "last_updated",
}

func planRow(p *model.Plan) []any {
	return []any{
		p.ID, p.AckID, p.EIN, p.PlanNumber, p.Name, p.SponsorName,
		p.City, p.State, p.Zip, p.PlanTypeCode, p.Participants, p.TotalAssets,
		p.PlanYearBegin, p.FiledAt, int32(p.Missing), p.Rank, int32(p.SourceYear), p.LastUpdated,
	}
}

// Postgres is the analytical store. Runs stage into their own table and
// publish by renaming it over plansync.plans.
type Postgres struct {
	pool        db.Pool
	lockTimeout time.Duration
}

// NewPostgres creates a Postgres analytical sink.
func NewPostgres(pool db.Pool) *Postgres {
	return &Postgres{pool: pool, lockTimeout: 30 * time.Second}
}

// StageTable returns the staging table for runID, e.g. "plans_stage_1a2b3c4d5e6f".
func StageTable(runID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(runID) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
		}
		if b.Len() == 12 {
			break
		}
	}
	return "plans_stage_" + b.String()
}

// Begin creates an empty stage shaped like the live table.
func (p *Postgres) Begin(ctx context.Context, runID string) (Stage, error) {
	table := Schema + "." + StageTable(runID)
	ident := db.SanitizeTable(table)

	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+ident); err != nil {
		return nil, eris.Wrapf(err, "sink: drop leftover stage %s", table)
	}
	create := fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", ident, db.SanitizeTable(Schema+"."+LiveTable))
	if _, err := p.pool.Exec(ctx, create); err != nil {
		return nil, eris.Wrapf(err, "sink: create stage %s", table)
	}

	zap.L().Debug("analytical stage created", zap.String("component", "sink.postgres"), zap.String("table", table))
	return &pgStage{pool: p.pool, table: table, lockTimeout: p.lockTimeout}, nil
}

type pgStage struct {
	pool        db.Pool
	table       string
	lockTimeout time.Duration
}

func (s *pgStage) Write(ctx context.Context, plans []model.Plan) error {
	rows := make([][]any, len(plans))
	for i := range plans {
		rows[i] = planRow(&plans[i])
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.table,
		Columns:      planColumns,
		ConflictKeys: []string{"id"},
		UpdateWhere:  rank.SupersedesSQL,
		Alias:        "t",
	}, rows)
	return eris.Wrapf(err, "sink: stage %d plans", len(plans))
}

func (s *pgStage) Commit(ctx context.Context) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "sink: begin swap")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := db.SanitizeTable(s.table)
	live := db.SanitizeTable(Schema + "." + LiveTable)
	prev := db.SanitizeTable(Schema + "." + prevTable)

	var count int64
	if err := tx.QueryRow(ctx, "SELECT count(*) FROM "+stage).Scan(&count); err != nil {
		return 0, eris.Wrap(err, "sink: count stage")
	}

	stmts := []string{
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds()),
		"DROP TABLE IF EXISTS " + prev,
		fmt.Sprintf("ALTER TABLE IF EXISTS %s RENAME TO %s", live, pgx.Identifier{prevTable}.Sanitize()),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", stage, pgx.Identifier{LiveTable}.Sanitize()),
		"DROP TABLE IF EXISTS " + prev,
	}
	for _, sql := range stmts {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return 0, eris.Wrapf(err, "sink: swap stage %s", s.table)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "sink: commit swap")
	}
	return count, nil
}

func (s *pgStage) Abort(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+db.SanitizeTable(s.table))
	return eris.Wrapf(err, "sink: drop stage %s", s.table)
}

// scanPlan reads one row selected with planColumns.
func scanPlan(row pgx.Row) (model.Plan, error) {
	var (
		p          model.Plan
		missing    int32
		sourceYear int32
	)
	err := row.Scan(
		&p.ID, &p.AckID, &p.EIN, &p.PlanNumber, &p.Name, &p.SponsorName,
		&p.City, &p.State, &p.Zip, &p.PlanTypeCode, &p.Participants, &p.TotalAssets,
		&p.PlanYearBegin, &p.FiledAt, &missing, &p.Rank, &sourceYear, &p.LastUpdated,
	)
	p.Missing = model.FieldSet(missing)
	p.SourceYear = int(sourceYear)
	return p, err
}
