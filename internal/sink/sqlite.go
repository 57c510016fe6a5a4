package sink

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/plansync/internal/model"
	"github.com/sells-group/plansync/internal/search"
)

const sqliteDate = "2006-01-02"

// SQLiteCache is the top-K cache. WAL mode lets readers continue against
// the previous contents while Replace runs.
type SQLiteCache struct {
	db *sql.DB
}

// OpenSQLiteCache opens (or creates) the cache database at path.
func OpenSQLiteCache(ctx context.Context, path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	c := &SQLiteCache{db: db}
	if err := c.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return c, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS top_plans (
	id              TEXT PRIMARY KEY,
	position        INTEGER NOT NULL,
	ack_id          TEXT NOT NULL DEFAULT '',
	ein             TEXT NOT NULL,
	plan_number     TEXT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	sponsor_name    TEXT NOT NULL DEFAULT '',
	city            TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT '',
	zip             TEXT NOT NULL DEFAULT '',
	plan_type_code  TEXT NOT NULL DEFAULT '',
	plan_types      TEXT NOT NULL DEFAULT '',
	participants    INTEGER NOT NULL DEFAULT 0,
	total_assets    REAL NOT NULL DEFAULT 0,
	plan_year_begin TEXT,
	filed_at        TEXT,
	missing         INTEGER NOT NULL DEFAULT 0,
	rank            REAL NOT NULL,
	source_year     INTEGER NOT NULL DEFAULT 0,
	last_updated    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_top_plans_position ON top_plans(position);
CREATE INDEX IF NOT EXISTS idx_top_plans_state ON top_plans(state);

CREATE TABLE IF NOT EXISTS cache_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

func (c *SQLiteCache) migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Replace swaps the cache contents for plans, which must already be in rank
// order. On error the previous contents remain.
func (c *SQLiteCache) Replace(ctx context.Context, runID string, plans []model.Plan) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM top_plans`); err != nil {
		return eris.Wrap(err, "sqlite: clear cache")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO top_plans (
		id, position, ack_id, ein, plan_number, name, sponsor_name, city, state, zip,
		plan_type_code, plan_types, participants, total_assets, plan_year_begin, filed_at,
		missing, rank, source_year, last_updated
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i := range plans {
		p := &plans[i]
		if _, err := stmt.ExecContext(ctx,
			p.ID, i, p.AckID, p.EIN, p.PlanNumber, p.Name, p.SponsorName, p.City, p.State, p.Zip,
			p.PlanTypeCode, planTypesKey(p), p.Participants, p.TotalAssets,
			formatDate(p.PlanYearBegin), formatDate(p.FiledAt),
			int64(p.Missing), p.Rank, p.SourceYear, p.LastUpdated.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert plan %s", p.ID)
		}
	}

	for k, v := range map[string]string{
		"run_id":     runID,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return eris.Wrapf(err, "sqlite: set meta %s", k)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace")
}

// RunID returns the run that last replaced the cache, or "" when empty.
func (c *SQLiteCache) RunID(ctx context.Context) (string, error) {
	var id string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = 'run_id'`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, eris.Wrap(err, "sqlite: get run id")
}

// Len returns the number of cached plans.
func (c *SQLiteCache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM top_plans`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count cache")
}

const sqliteSelect = `SELECT id, ack_id, ein, plan_number, name, sponsor_name, city, state, zip,
	plan_type_code, participants, total_assets, plan_year_begin, filed_at, missing, rank,
	source_year, last_updated FROM top_plans`

// Search pages through the cache. Totals are always exact.
func (c *SQLiteCache) Search(ctx context.Context, q search.Query) (search.Page, error) {
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return search.Page{}, err
	}
	where, args := sqliteWhere(q)

	var total int64
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM top_plans`+where, args...).Scan(&total); err != nil {
		return search.Page{}, eris.Wrap(err, "sqlite: count plans")
	}

	rows, err := c.db.QueryContext(ctx, sqliteSelect+where+` ORDER BY position LIMIT ? OFFSET ?`,
		append(args, q.Limit+1, q.Offset)...)
	if err != nil {
		return search.Page{}, eris.Wrap(err, "sqlite: search plans")
	}
	defer rows.Close() //nolint:errcheck

	var plans []model.Plan
	for rows.Next() {
		p, err := scanSQLitePlan(rows)
		if err != nil {
			return search.Page{}, err
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return search.Page{}, eris.Wrap(err, "sqlite: search plans iterate")
	}
	return search.NewPage(q, plans, &total), nil
}

func sqliteWhere(q search.Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Text != "" {
		pat := q.LikePattern()
		conds = append(conds, `(name LIKE ? ESCAPE '\' OR sponsor_name LIKE ? ESCAPE '\' OR id LIKE ? ESCAPE '\')`)
		args = append(args, pat, pat, pat)
	}
	if q.State != "" {
		conds = append(conds, `state = ?`)
		args = append(args, q.State)
	}
	if q.PlanType != "" {
		conds = append(conds, `instr(plan_types, ?) > 0`)
		args = append(args, ","+q.PlanType+",")
	}
	if q.MinAssets > 0 {
		conds = append(conds, `total_assets >= ?`)
		args = append(args, q.MinAssets)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanSQLitePlan(rows *sql.Rows) (model.Plan, error) {
	var (
		p                  model.Plan
		yearBegin, filedAt sql.NullString
		missing            int64
		lastUpdated        string
	)
	if err := rows.Scan(
		&p.ID, &p.AckID, &p.EIN, &p.PlanNumber, &p.Name, &p.SponsorName, &p.City, &p.State, &p.Zip,
		&p.PlanTypeCode, &p.Participants, &p.TotalAssets, &yearBegin, &filedAt, &missing, &p.Rank,
		&p.SourceYear, &lastUpdated,
	); err != nil {
		return model.Plan{}, eris.Wrap(err, "sqlite: scan plan")
	}
	p.Missing = model.FieldSet(missing)
	p.PlanYearBegin = parseDate(yearBegin)
	p.FiledAt = parseDate(filedAt)
	if t, err := time.Parse(time.RFC3339Nano, lastUpdated); err == nil {
		p.LastUpdated = t
	}
	return p, nil
}

// planTypesKey renders the plan's codes as ",2E,2J," for aligned matching.
func planTypesKey(p *model.Plan) string {
	codes := p.PlanTypeCodes()
	if len(codes) == 0 {
		return ""
	}
	return "," + strings.Join(codes, ",") + ","
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(sqliteDate)
}

func parseDate(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(sqliteDate, s.String)
	if err != nil {
		return nil
	}
	return &t
}
