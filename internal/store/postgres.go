package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-desk/internal/db"
	"github.com/sells-group/quote-desk/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool. Case transactions lock the
// case row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, migrationFS, "migrations")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateCase(ctx context.Context, c *model.QuoteCase) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quote_cases (`+caseColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.ThreadRef, string(c.Status), c.RequestType, string(c.Priority),
		c.Completeness, c.AnalysisFingerprint, c.CreatedAt, c.UpdatedAt,
	)
	if isPgUnique(err) {
		return &model.InvariantError{Entity: "quote_case", ID: c.ThreadRef, Invariant: "one active case per thread"}
	}
	return eris.Wrap(err, "postgres: insert case")
}

func (s *PostgresStore) GetCase(ctx context.Context, caseID string) (*model.QuoteCase, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM quote_cases WHERE id = $1`, caseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("quote_case", caseID)
	}
	return c, eris.Wrap(err, "postgres: get case")
}

func (s *PostgresStore) FindActiveCase(ctx context.Context, threadRef string) (*model.QuoteCase, error) {
	c, err := scanCase(s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM quote_cases WHERE thread_ref = $1 AND status <> $2`,
		threadRef, string(model.CaseStatusArchived),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, eris.Wrap(err, "postgres: find active case")
}

func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.QuoteCase, error) {
	query := `SELECT ` + caseColumns + ` FROM quote_cases WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if filter.ThreadRef != "" {
		query += fmt.Sprintf(` AND thread_ref = $%d`, argN)
		args = append(args, filter.ThreadRef)
		argN++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argN)
	args = append(args, defaultLimit(filter.Limit))
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cases")
	}
	defer rows.Close()

	var cases []model.QuoteCase
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan case")
		}
		cases = append(cases, *c)
	}
	return cases, eris.Wrap(rows.Err(), "postgres: list cases iterate")
}

func (s *PostgresStore) CaseIDFor(ctx context.Context, entity Entity, id string) (string, error) {
	table, ok := entityTables[entity]
	if !ok {
		return "", eris.Errorf("postgres: unknown entity %q", entity)
	}
	var caseID string
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT case_id FROM %s WHERE id = $1`, table), id).Scan(&caseID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", notFound(string(entity), id)
	}
	return caseID, eris.Wrapf(err, "postgres: resolve case for %s", entity)
}

func (s *PostgresStore) WithCase(ctx context.Context, caseID string, fn func(tx CaseTx) error) error {
	return s.inCase(ctx, caseID, ` FOR UPDATE`, fn)
}

func (s *PostgresStore) ReadCase(ctx context.Context, caseID string, fn func(tx CaseTx) error) error {
	return s.inCase(ctx, caseID, ``, fn)
}

func (s *PostgresStore) inCase(ctx context.Context, caseID, lock string, fn func(tx CaseTx) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := scanCase(tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM quote_cases WHERE id = $1`+lock, caseID))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("quote_case", caseID)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: load case")
		}
		return fn(&pgCaseTx{tx: tx, c: c})
	})
}

// pgCaseTx implements CaseTx on a pgx transaction holding the case lock.
type pgCaseTx struct {
	tx pgx.Tx
	c  *model.QuoteCase
}

func (t *pgCaseTx) Case() *model.QuoteCase { return t.c }

func (t *pgCaseTx) UpdateCase(ctx context.Context, c *model.QuoteCase) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE quote_cases SET status = $1, request_type = $2, priority = $3, completeness = $4,
		 analysis_fingerprint = $5, updated_at = $6 WHERE id = $7`,
		string(c.Status), c.RequestType, string(c.Priority), c.Completeness,
		c.AnalysisFingerprint, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("quote_case", c.ID)
	}
	return nil
}

func (t *pgCaseTx) InsertGap(ctx context.Context, g *model.Gap) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO gaps (`+gapColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, t.c.ID, g.GapKey, g.Category, g.Question, g.IsBlocking,
		string(g.Status), g.CreatedAt, g.ResolvedAt,
	)
	return eris.Wrap(err, "postgres: insert gap")
}

func (t *pgCaseTx) GetGap(ctx context.Context, gapID string) (*model.Gap, error) {
	g, err := scanGap(t.tx.QueryRow(ctx,
		`SELECT `+gapColumns+` FROM gaps WHERE id = $1 AND case_id = $2`, gapID, t.c.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("gap", gapID)
	}
	return g, eris.Wrap(err, "postgres: get gap")
}

func (t *pgCaseTx) ResolveGap(ctx context.Context, gapID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE gaps SET status = $1, resolved_at = $2 WHERE id = $3 AND case_id = $4 AND status = $5`,
		string(model.GapStatusResolved), at, gapID, t.c.ID, string(model.GapStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve gap %s", gapID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("gap", gapID)
	}
	return nil
}

func (t *pgCaseTx) MarkGapBlocking(ctx context.Context, gapID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE gaps SET is_blocking = true WHERE id = $1 AND case_id = $2 AND status = $3`,
		gapID, t.c.ID, string(model.GapStatusOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark gap %s blocking", gapID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("gap", gapID)
	}
	return nil
}

func (t *pgCaseTx) ListGaps(ctx context.Context, openOnly bool) ([]model.Gap, error) {
	query := `SELECT ` + gapColumns + ` FROM gaps WHERE case_id = $1`
	args := []any{t.c.ID}
	if openOnly {
		query += ` AND status = $2`
		args = append(args, string(model.GapStatusOpen))
	}
	query += ` ORDER BY created_at, id`

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list gaps")
	}
	defer rows.Close()

	var gaps []model.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan gap")
		}
		gaps = append(gaps, *g)
	}
	return gaps, eris.Wrap(rows.Err(), "postgres: list gaps iterate")
}

func (t *pgCaseTx) NextRunNumber(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM pricing_runs WHERE case_id = $1`, t.c.ID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: next run number")
}

func (t *pgCaseTx) RunningRun(ctx context.Context) (*model.PricingRun, error) {
	r, err := scanRun(t.tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pricing_runs WHERE case_id = $1 AND status = $2`,
		t.c.ID, string(model.RunStatusRunning)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, eris.Wrap(err, "postgres: running run")
}

func (t *pgCaseTx) InsertRun(ctx context.Context, r *model.PricingRun) error {
	lines, err := marshalLines(r.LineItems)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO pricing_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		r.ID, t.c.ID, r.RunNumber, string(r.Status), r.Totals.HT, r.Totals.TTC, r.Currency,
		lines, nullJSON(r.RawResponse), r.InputFingerprint, r.FailureReason, r.StartedAt, r.CompletedAt,
	)
	if isPgUnique(err) {
		return &model.InvariantError{Entity: "pricing_run", ID: r.ID, Invariant: "run number and running run are unique per case"}
	}
	return eris.Wrap(err, "postgres: insert run")
}

func (t *pgCaseTx) GetRun(ctx context.Context, runID string) (*model.PricingRun, error) {
	r, err := scanRun(t.tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM pricing_runs WHERE id = $1 AND case_id = $2`, runID, t.c.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("pricing_run", runID)
	}
	return r, eris.Wrap(err, "postgres: get run")
}

func (t *pgCaseTx) FinishRun(ctx context.Context, r *model.PricingRun) error {
	lines, err := marshalLines(r.LineItems)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE pricing_runs SET status = $1, total_ht = $2, total_ttc = $3, currency = $4, line_items = $5,
		 raw_response = $6, failure_reason = $7, completed_at = $8
		 WHERE id = $9 AND case_id = $10 AND status = $11`,
		string(r.Status), r.Totals.HT, r.Totals.TTC, r.Currency, lines,
		nullJSON(r.RawResponse), r.FailureReason, r.CompletedAt,
		r.ID, t.c.ID, string(model.RunStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return &model.InvariantError{Entity: "pricing_run", ID: r.ID, Invariant: "only a running run can complete"}
	}
	return nil
}

func (t *pgCaseTx) ListRuns(ctx context.Context) ([]model.PricingRun, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+runColumns+` FROM pricing_runs WHERE case_id = $1 ORDER BY run_number`, t.c.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PricingRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (t *pgCaseTx) NextVersionNumber(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) + 1 FROM quotation_versions WHERE case_id = $1`, t.c.ID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: next version number")
}

func (t *pgCaseTx) InsertVersion(ctx context.Context, v *model.QuotationVersion) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO quotation_versions (`+versionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, t.c.ID, v.VersionNumber, v.SourceRunID, string(v.Status), v.IsSelected,
		[]byte(v.Snapshot), v.CreatedAt, v.CreatedBy,
	)
	if isPgUnique(err) {
		return &model.InvariantError{Entity: "quotation_version", ID: v.ID, Invariant: "version number is unique per case"}
	}
	return eris.Wrap(err, "postgres: insert version")
}

func (t *pgCaseTx) GetVersion(ctx context.Context, versionID string) (*model.QuotationVersion, error) {
	v, err := scanVersion(t.tx.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM quotation_versions WHERE id = $1 AND case_id = $2`, versionID, t.c.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("quotation_version", versionID)
	}
	return v, eris.Wrap(err, "postgres: get version")
}

func (t *pgCaseTx) ListVersions(ctx context.Context) ([]model.QuotationVersion, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+versionColumns+` FROM quotation_versions WHERE case_id = $1 ORDER BY version_number`, t.c.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list versions")
	}
	defer rows.Close()

	var versions []model.QuotationVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		versions = append(versions, *v)
	}
	return versions, eris.Wrap(rows.Err(), "postgres: list versions iterate")
}

func (t *pgCaseTx) SelectVersion(ctx context.Context, versionID string) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE quotation_versions SET is_selected = false WHERE case_id = $1 AND is_selected`, t.c.ID,
	); err != nil {
		return eris.Wrap(err, "postgres: clear selection")
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE quotation_versions SET is_selected = true WHERE id = $1 AND case_id = $2`, versionID, t.c.ID)
	if err != nil {
		return eris.Wrapf(err, "postgres: select version %s", versionID)
	}
	if tag.RowsAffected() == 0 {
		return notFound("quotation_version", versionID)
	}
	return nil
}

func (t *pgCaseTx) TransitionVersion(ctx context.Context, versionID string, from, to model.VersionStatus) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE quotation_versions SET status = $1 WHERE id = $2 AND case_id = $3 AND status = $4`,
		string(to), versionID, t.c.ID, string(from))
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition version %s", versionID)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgCaseTx) SupersedeOthers(ctx context.Context, keepID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE quotation_versions SET status = $1, is_selected = false WHERE case_id = $2 AND id <> $3 AND status <> $1`,
		string(model.VersionStatusSuperseded), t.c.ID, keepID)
	return eris.Wrap(err, "postgres: supersede versions")
}

func (t *pgCaseTx) InsertDraft(ctx context.Context, d *model.EmailDraft) error {
	to, err := marshalRecipients(d.Recipients)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO email_drafts (`+draftColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, t.c.ID, d.Owner, d.Subject, to, d.Body, string(d.Status),
		d.VersionID, d.CorrelationID, d.CreatedAt, d.SentAt,
	)
	return eris.Wrap(err, "postgres: insert draft")
}

func (t *pgCaseTx) GetDraft(ctx context.Context, draftID string) (*model.EmailDraft, error) {
	d, err := scanDraft(t.tx.QueryRow(ctx,
		`SELECT `+draftColumns+` FROM email_drafts WHERE id = $1 AND case_id = $2`, draftID, t.c.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("email_draft", draftID)
	}
	return d, eris.Wrap(err, "postgres: get draft")
}

func (t *pgCaseTx) MarkDraftSent(ctx context.Context, draftID, versionID, correlationID string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE email_drafts SET status = $1, version_id = $2, correlation_id = $3, sent_at = $4
		 WHERE id = $5 AND case_id = $6 AND status = $7`,
		string(model.DraftStatusSent), versionID, correlationID, at,
		draftID, t.c.ID, string(model.DraftStatusDraft),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark draft sent %s", draftID)
	}
	return tag.RowsAffected() == 1, nil
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
