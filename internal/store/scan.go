package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/quote-desk/internal/model"
)

// Column lists shared by both dialects. Scan order must match.
const (
	caseColumns    = `id, thread_ref, status, request_type, priority, completeness, analysis_fingerprint, created_at, updated_at`
	gapColumns     = `id, case_id, gap_key, category, question, is_blocking, status, created_at, resolved_at`
	runColumns     = `id, case_id, run_number, status, total_ht, total_ttc, currency, line_items, raw_response, input_fingerprint, failure_reason, started_at, completed_at`
	versionColumns = `id, case_id, version_number, source_run_id, status, is_selected, snapshot, created_at, created_by`
	draftColumns   = `id, case_id, owner, subject, recipients, body, status, version_id, correlation_id, created_at, sent_at`
)

type scannable interface {
	Scan(dest ...any) error
}

func scanCase(row scannable) (*model.QuoteCase, error) {
	var c model.QuoteCase
	err := row.Scan(&c.ID, &c.ThreadRef, &c.Status, &c.RequestType, &c.Priority,
		&c.Completeness, &c.AnalysisFingerprint, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanGap(row scannable) (*model.Gap, error) {
	var g model.Gap
	var resolvedAt *time.Time
	err := row.Scan(&g.ID, &g.CaseID, &g.GapKey, &g.Category, &g.Question,
		&g.IsBlocking, &g.Status, &g.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	g.ResolvedAt = utcPtr(resolvedAt)
	return &g, nil
}

func scanRun(row scannable) (*model.PricingRun, error) {
	var r model.PricingRun
	var lines, raw []byte
	var completedAt *time.Time
	err := row.Scan(&r.ID, &r.CaseID, &r.RunNumber, &r.Status, &r.Totals.HT, &r.Totals.TTC,
		&r.Currency, &lines, &raw, &r.InputFingerprint, &r.FailureReason, &r.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		if err := json.Unmarshal(lines, &r.LineItems); err != nil {
			return nil, eris.Wrapf(err, "unmarshal line items for run %s", r.ID)
		}
	}
	if len(raw) > 0 {
		r.RawResponse = json.RawMessage(raw)
	}
	r.CompletedAt = utcPtr(completedAt)
	return &r, nil
}

func scanVersion(row scannable) (*model.QuotationVersion, error) {
	var v model.QuotationVersion
	var snapshot []byte
	err := row.Scan(&v.ID, &v.CaseID, &v.VersionNumber, &v.SourceRunID, &v.Status,
		&v.IsSelected, &snapshot, &v.CreatedAt, &v.CreatedBy)
	if err != nil {
		return nil, err
	}
	v.Snapshot = json.RawMessage(snapshot)
	return &v, nil
}

func scanDraft(row scannable) (*model.EmailDraft, error) {
	var d model.EmailDraft
	var recipients []byte
	var sentAt *time.Time
	err := row.Scan(&d.ID, &d.CaseID, &d.Owner, &d.Subject, &recipients, &d.Body,
		&d.Status, &d.VersionID, &d.CorrelationID, &d.CreatedAt, &sentAt)
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &d.Recipients); err != nil {
			return nil, eris.Wrapf(err, "unmarshal recipients for draft %s", d.ID)
		}
	}
	d.SentAt = utcPtr(sentAt)
	return &d, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func marshalLines(lines []model.LineItem) ([]byte, error) {
	if lines == nil {
		lines = []model.LineItem{}
	}
	b, err := json.Marshal(lines)
	return b, eris.Wrap(err, "marshal line items")
}

func marshalRecipients(to []string) ([]byte, error) {
	if to == nil {
		to = []string{}
	}
	b, err := json.Marshal(to)
	return b, eris.Wrap(err, "marshal recipients")
}

// nullJSON maps an empty raw message to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
