package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/quote-desk/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. The pool is pinned
// to a single connection, which serializes every case transaction across all
// cases: a send holds that connection through delivery, so other requests
// wait up to the delivery budget. Use it for development and tests; serve
// production traffic from Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS quote_cases (
	id                   TEXT PRIMARY KEY,
	thread_ref           TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'NEW_THREAD',
	request_type         TEXT NOT NULL DEFAULT '',
	priority             TEXT NOT NULL DEFAULT 'normal',
	completeness         REAL NOT NULL DEFAULT 0,
	analysis_fingerprint TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS gaps (
	id          TEXT PRIMARY KEY,
	case_id     TEXT NOT NULL REFERENCES quote_cases(id),
	gap_key     TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	question    TEXT NOT NULL DEFAULT '',
	is_blocking INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'open',
	created_at  DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS pricing_runs (
	id                TEXT PRIMARY KEY,
	case_id           TEXT NOT NULL REFERENCES quote_cases(id),
	run_number        INTEGER NOT NULL,
	status            TEXT NOT NULL DEFAULT 'running',
	total_ht          REAL NOT NULL DEFAULT 0,
	total_ttc         REAL NOT NULL DEFAULT 0,
	currency          TEXT NOT NULL DEFAULT '',
	line_items        TEXT NOT NULL DEFAULT '[]',
	raw_response      TEXT,
	input_fingerprint TEXT NOT NULL DEFAULT '',
	failure_reason    TEXT NOT NULL DEFAULT '',
	started_at        DATETIME NOT NULL,
	completed_at      DATETIME,
	UNIQUE (case_id, run_number)
);

CREATE TABLE IF NOT EXISTS quotation_versions (
	id             TEXT PRIMARY KEY,
	case_id        TEXT NOT NULL REFERENCES quote_cases(id),
	version_number INTEGER NOT NULL,
	source_run_id  TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'draft',
	is_selected    INTEGER NOT NULL DEFAULT 0,
	snapshot       TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	created_by     TEXT NOT NULL,
	UNIQUE (case_id, version_number)
);

CREATE TABLE IF NOT EXISTS email_drafts (
	id             TEXT PRIMARY KEY,
	case_id        TEXT NOT NULL REFERENCES quote_cases(id),
	owner          TEXT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	recipients     TEXT NOT NULL DEFAULT '[]',
	body           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'draft',
	version_id     TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	sent_at        DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_quote_cases_active_thread ON quote_cases(thread_ref) WHERE status <> 'ARCHIVED';
CREATE UNIQUE INDEX IF NOT EXISTS uq_pricing_runs_running ON pricing_runs(case_id) WHERE status = 'running';
CREATE UNIQUE INDEX IF NOT EXISTS uq_quotation_versions_selected ON quotation_versions(case_id) WHERE is_selected = 1;
CREATE INDEX IF NOT EXISTS idx_quote_cases_status ON quote_cases(status);
CREATE INDEX IF NOT EXISTS idx_gaps_case_id ON gaps(case_id);
CREATE INDEX IF NOT EXISTS idx_email_drafts_case_id ON email_drafts(case_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateCase(ctx context.Context, c *model.QuoteCase) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quote_cases (`+caseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ThreadRef, string(c.Status), c.RequestType, string(c.Priority),
		c.Completeness, c.AnalysisFingerprint, c.CreatedAt, c.UpdatedAt,
	)
	if isSQLiteUnique(err) {
		return &model.InvariantError{Entity: "quote_case", ID: c.ThreadRef, Invariant: "one active case per thread"}
	}
	return eris.Wrap(err, "sqlite: insert case")
}

func (s *SQLiteStore) GetCase(ctx context.Context, caseID string) (*model.QuoteCase, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM quote_cases WHERE id = ?`, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("quote_case", caseID)
	}
	return c, eris.Wrap(err, "sqlite: get case")
}

func (s *SQLiteStore) FindActiveCase(ctx context.Context, threadRef string) (*model.QuoteCase, error) {
	c, err := scanCase(s.db.QueryRowContext(ctx,
		`SELECT `+caseColumns+` FROM quote_cases WHERE thread_ref = ? AND status <> ?`,
		threadRef, string(model.CaseStatusArchived),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, eris.Wrap(err, "sqlite: find active case")
}

func (s *SQLiteStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.QuoteCase, error) {
	query := `SELECT ` + caseColumns + ` FROM quote_cases WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ThreadRef != "" {
		query += ` AND thread_ref = ?`
		args = append(args, filter.ThreadRef)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cases")
	}
	defer rows.Close() //nolint:errcheck

	var cases []model.QuoteCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan case")
		}
		cases = append(cases, *c)
	}
	return cases, eris.Wrap(rows.Err(), "sqlite: list cases iterate")
}

func (s *SQLiteStore) CaseIDFor(ctx context.Context, entity Entity, id string) (string, error) {
	table, ok := entityTables[entity]
	if !ok {
		return "", eris.Errorf("sqlite: unknown entity %q", entity)
	}
	var caseID string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT case_id FROM %s WHERE id = ?`, table), id).Scan(&caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(string(entity), id)
	}
	return caseID, eris.Wrapf(err, "sqlite: resolve case for %s", entity)
}

func (s *SQLiteStore) WithCase(ctx context.Context, caseID string, fn func(tx CaseTx) error) error {
	return s.inCase(ctx, caseID, fn)
}

func (s *SQLiteStore) ReadCase(ctx context.Context, caseID string, fn func(tx CaseTx) error) error {
	return s.inCase(ctx, caseID, fn)
}

func (s *SQLiteStore) inCase(ctx context.Context, caseID string, fn func(tx CaseTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	c, err := scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM quote_cases WHERE id = ?`, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("quote_case", caseID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: load case")
	}

	if err := fn(&sqliteCaseTx{tx: tx, c: c}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// sqliteCaseTx implements CaseTx on a database/sql transaction.
type sqliteCaseTx struct {
	tx *sql.Tx
	c  *model.QuoteCase
}

func (t *sqliteCaseTx) Case() *model.QuoteCase { return t.c }

func (t *sqliteCaseTx) UpdateCase(ctx context.Context, c *model.QuoteCase) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE quote_cases SET status = ?, request_type = ?, priority = ?, completeness = ?,
		 analysis_fingerprint = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), c.RequestType, string(c.Priority), c.Completeness,
		c.AnalysisFingerprint, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case %s", c.ID)
	}
	return checkRowsAffected(res, "quote_case", c.ID)
}

func (t *sqliteCaseTx) InsertGap(ctx context.Context, g *model.Gap) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO gaps (`+gapColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, t.c.ID, g.GapKey, g.Category, g.Question, g.IsBlocking,
		string(g.Status), g.CreatedAt, g.ResolvedAt,
	)
	return eris.Wrap(err, "sqlite: insert gap")
}

func (t *sqliteCaseTx) GetGap(ctx context.Context, gapID string) (*model.Gap, error) {
	g, err := scanGap(t.tx.QueryRowContext(ctx,
		`SELECT `+gapColumns+` FROM gaps WHERE id = ? AND case_id = ?`, gapID, t.c.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("gap", gapID)
	}
	return g, eris.Wrap(err, "sqlite: get gap")
}

func (t *sqliteCaseTx) ResolveGap(ctx context.Context, gapID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE gaps SET status = ?, resolved_at = ? WHERE id = ? AND case_id = ? AND status = ?`,
		string(model.GapStatusResolved), at, gapID, t.c.ID, string(model.GapStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve gap %s", gapID)
	}
	return checkRowsAffected(res, "gap", gapID)
}

func (t *sqliteCaseTx) MarkGapBlocking(ctx context.Context, gapID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE gaps SET is_blocking = 1 WHERE id = ? AND case_id = ? AND status = ?`,
		gapID, t.c.ID, string(model.GapStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark gap %s blocking", gapID)
	}
	return checkRowsAffected(res, "gap", gapID)
}

func (t *sqliteCaseTx) ListGaps(ctx context.Context, openOnly bool) ([]model.Gap, error) {
	query := `SELECT ` + gapColumns + ` FROM gaps WHERE case_id = ?`
	args := []any{t.c.ID}
	if openOnly {
		query += ` AND status = ?`
		args = append(args, string(model.GapStatusOpen))
	}
	query += ` ORDER BY created_at, id`

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list gaps")
	}
	defer rows.Close() //nolint:errcheck

	var gaps []model.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan gap")
		}
		gaps = append(gaps, *g)
	}
	return gaps, eris.Wrap(rows.Err(), "sqlite: list gaps iterate")
}

func (t *sqliteCaseTx) NextRunNumber(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM pricing_runs WHERE case_id = ?`, t.c.ID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: next run number")
}

func (t *sqliteCaseTx) RunningRun(ctx context.Context) (*model.PricingRun, error) {
	r, err := scanRun(t.tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pricing_runs WHERE case_id = ? AND status = ?`,
		t.c.ID, string(model.RunStatusRunning)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, eris.Wrap(err, "sqlite: running run")
}

func (t *sqliteCaseTx) InsertRun(ctx context.Context, r *model.PricingRun) error {
	lines, err := marshalLines(r.LineItems)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO pricing_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, t.c.ID, r.RunNumber, string(r.Status), r.Totals.HT, r.Totals.TTC, r.Currency,
		string(lines), nullText(r.RawResponse), r.InputFingerprint, r.FailureReason, r.StartedAt, r.CompletedAt,
	)
	if isSQLiteUnique(err) {
		return &model.InvariantError{Entity: "pricing_run", ID: r.ID, Invariant: "run number and running run are unique per case"}
	}
	return eris.Wrap(err, "sqlite: insert run")
}

func (t *sqliteCaseTx) GetRun(ctx context.Context, runID string) (*model.PricingRun, error) {
	r, err := scanRun(t.tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pricing_runs WHERE id = ? AND case_id = ?`, runID, t.c.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("pricing_run", runID)
	}
	return r, eris.Wrap(err, "sqlite: get run")
}

func (t *sqliteCaseTx) FinishRun(ctx context.Context, r *model.PricingRun) error {
	lines, err := marshalLines(r.LineItems)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE pricing_runs SET status = ?, total_ht = ?, total_ttc = ?, currency = ?, line_items = ?,
		 raw_response = ?, failure_reason = ?, completed_at = ?
		 WHERE id = ? AND case_id = ? AND status = ?`,
		string(r.Status), r.Totals.HT, r.Totals.TTC, r.Currency, string(lines),
		nullText(r.RawResponse), r.FailureReason, r.CompletedAt,
		r.ID, t.c.ID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", r.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return &model.InvariantError{Entity: "pricing_run", ID: r.ID, Invariant: "only a running run can complete"}
	}
	return nil
}

func (t *sqliteCaseTx) ListRuns(ctx context.Context) ([]model.PricingRun, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pricing_runs WHERE case_id = ? ORDER BY run_number`, t.c.ID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PricingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (t *sqliteCaseTx) NextVersionNumber(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM quotation_versions WHERE case_id = ?`, t.c.ID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: next version number")
}

func (t *sqliteCaseTx) InsertVersion(ctx context.Context, v *model.QuotationVersion) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO quotation_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, t.c.ID, v.VersionNumber, v.SourceRunID, string(v.Status), v.IsSelected,
		string(v.Snapshot), v.CreatedAt, v.CreatedBy,
	)
	if isSQLiteUnique(err) {
		return &model.InvariantError{Entity: "quotation_version", ID: v.ID, Invariant: "version number is unique per case"}
	}
	return eris.Wrap(err, "sqlite: insert version")
}

func (t *sqliteCaseTx) GetVersion(ctx context.Context, versionID string) (*model.QuotationVersion, error) {
	v, err := scanVersion(t.tx.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM quotation_versions WHERE id = ? AND case_id = ?`, versionID, t.c.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("quotation_version", versionID)
	}
	return v, eris.Wrap(err, "sqlite: get version")
}

func (t *sqliteCaseTx) ListVersions(ctx context.Context) ([]model.QuotationVersion, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM quotation_versions WHERE case_id = ? ORDER BY version_number`, t.c.ID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list versions")
	}
	defer rows.Close() //nolint:errcheck

	var versions []model.QuotationVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "sqlite: list versions iterate")
}

func (t *sqliteCaseTx) SelectVersion(ctx context.Context, versionID string) error {
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE quotation_versions SET is_selected = 0 WHERE case_id = ? AND is_selected = 1`, t.c.ID,
	); err != nil {
		return eris.Wrap(err, "sqlite: clear selection")
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE quotation_versions SET is_selected = 1 WHERE id = ? AND case_id = ?`, versionID, t.c.ID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: select version %s", versionID)
	}
	return checkRowsAffected(res, "quotation_version", versionID)
}

func (t *sqliteCaseTx) TransitionVersion(ctx context.Context, versionID string, from, to model.VersionStatus) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE quotation_versions SET status = ? WHERE id = ? AND case_id = ? AND status = ?`,
		string(to), versionID, t.c.ID, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition version %s", versionID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (t *sqliteCaseTx) SupersedeOthers(ctx context.Context, keepID string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE quotation_versions SET status = ?, is_selected = 0 WHERE case_id = ? AND id <> ? AND status <> ?`,
		string(model.VersionStatusSuperseded), t.c.ID, keepID, string(model.VersionStatusSuperseded))
	return eris.Wrap(err, "sqlite: supersede versions")
}

func (t *sqliteCaseTx) InsertDraft(ctx context.Context, d *model.EmailDraft) error {
	to, err := marshalRecipients(d.Recipients)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO email_drafts (`+draftColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, t.c.ID, d.Owner, d.Subject, string(to), d.Body, string(d.Status),
		d.VersionID, d.CorrelationID, d.CreatedAt, d.SentAt,
	)
	return eris.Wrap(err, "sqlite: insert draft")
}

func (t *sqliteCaseTx) GetDraft(ctx context.Context, draftID string) (*model.EmailDraft, error) {
	d, err := scanDraft(t.tx.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM email_drafts WHERE id = ? AND case_id = ?`, draftID, t.c.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("email_draft", draftID)
	}
	return d, eris.Wrap(err, "sqlite: get draft")
}

func (t *sqliteCaseTx) MarkDraftSent(ctx context.Context, draftID, versionID, correlationID string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE email_drafts SET status = ?, version_id = ?, correlation_id = ?, sent_at = ?
		 WHERE id = ? AND case_id = ? AND status = ?`,
		string(model.DraftStatusSent), versionID, correlationID, at,
		draftID, t.c.ID, string(model.DraftStatusDraft),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark draft sent %s", draftID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			strings.Contains(se.Error(), "UNIQUE constraint failed")
	}
	return false
}

// nullText maps an empty raw message to NULL and anything else to TEXT.
func nullText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
