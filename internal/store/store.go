package store

import (
	"context"
	"time"

	"github.com/sells-group/quote-desk/internal/model"
)

// CaseFilter specifies criteria for listing cases.
type CaseFilter struct {
	Status    model.CaseStatus `json:"status,omitempty"`
	ThreadRef string           `json:"thread_ref,omitempty"`
	Limit     int              `json:"limit,omitempty"`
	Offset    int              `json:"offset,omitempty"`
}

// Entity names a case-scoped table whose rows can be traced back to a case.
type Entity string

const (
	EntityGap     Entity = "gap"
	EntityRun     Entity = "pricing_run"
	EntityVersion Entity = "quotation_version"
	EntityDraft   Entity = "email_draft"
)

var entityTables = map[Entity]string{
	EntityGap:     "gaps",
	EntityRun:     "pricing_runs",
	EntityVersion: "quotation_versions",
	EntityDraft:   "email_drafts",
}

// Store defines the persistence interface for quote cases. Every
// read-modify-write on a case goes through WithCase so that concurrent
// callers on the same case serialize.
type Store interface {
	// Cases
	CreateCase(ctx context.Context, c *model.QuoteCase) error
	GetCase(ctx context.Context, caseID string) (*model.QuoteCase, error)
	FindActiveCase(ctx context.Context, threadRef string) (*model.QuoteCase, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]model.QuoteCase, error)

	// CaseIDFor resolves the owning case of a gap, run, version or draft.
	CaseIDFor(ctx context.Context, entity Entity, id string) (string, error)

	// WithCase locks the case row and runs fn in one transaction. fn's error
	// is returned unwrapped and rolls everything back.
	WithCase(ctx context.Context, caseID string, fn func(tx CaseTx) error) error
	// ReadCase runs fn in a read transaction without taking the case lock.
	ReadCase(ctx context.Context, caseID string, fn func(tx CaseTx) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// CaseTx is the view of one case inside a Store transaction. All lookups are
// scoped to the case: an id belonging to another case is not found.
type CaseTx interface {
	Case() *model.QuoteCase
	UpdateCase(ctx context.Context, c *model.QuoteCase) error

	// Gaps
	InsertGap(ctx context.Context, g *model.Gap) error
	GetGap(ctx context.Context, gapID string) (*model.Gap, error)
	ResolveGap(ctx context.Context, gapID string, at time.Time) error
	// MarkGapBlocking raises an open gap to blocking.
	MarkGapBlocking(ctx context.Context, gapID string) error
	ListGaps(ctx context.Context, openOnly bool) ([]model.Gap, error)

	// Pricing runs
	NextRunNumber(ctx context.Context) (int, error)
	RunningRun(ctx context.Context) (*model.PricingRun, error)
	InsertRun(ctx context.Context, r *model.PricingRun) error
	GetRun(ctx context.Context, runID string) (*model.PricingRun, error)
	// FinishRun writes the terminal state of a running run. A run that is no
	// longer running yields an InvariantError.
	FinishRun(ctx context.Context, r *model.PricingRun) error
	ListRuns(ctx context.Context) ([]model.PricingRun, error)

	// Quotation versions
	NextVersionNumber(ctx context.Context) (int, error)
	InsertVersion(ctx context.Context, v *model.QuotationVersion) error
	GetVersion(ctx context.Context, versionID string) (*model.QuotationVersion, error)
	ListVersions(ctx context.Context) ([]model.QuotationVersion, error)
	// SelectVersion clears every selection on the case then selects versionID.
	SelectVersion(ctx context.Context, versionID string) error
	// TransitionVersion moves versionID from one status to another and
	// reports whether the row was in the expected status.
	TransitionVersion(ctx context.Context, versionID string, from, to model.VersionStatus) (bool, error)
	// SupersedeOthers marks every draft or final version except keepID as
	// superseded.
	SupersedeOthers(ctx context.Context, keepID string) error

	// Email drafts
	InsertDraft(ctx context.Context, d *model.EmailDraft) error
	GetDraft(ctx context.Context, draftID string) (*model.EmailDraft, error)
	// MarkDraftSent flips a draft to sent only if it is still a draft and
	// reports whether this call won.
	MarkDraftSent(ctx context.Context, draftID, versionID, correlationID string, at time.Time) (bool, error)
}

func notFound(entity, id string) error {
	return &model.NotFoundError{Entity: entity, ID: id}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
