// Package versions turns successful pricing runs into numbered, immutable
// quotation snapshots and tracks which one is selected for delivery.
package versions

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/lifecycle"
	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/store"
)

// creatable lists the case statuses in which a new version may be cut.
var creatable = map[model.CaseStatus]bool{
	model.CaseStatusPricedDraft:     true,
	model.CaseStatusHumanReview:     true,
	model.CaseStatusQuotedVersioned: true,
}

// Service manages quotation versions.
type Service struct {
	store store.Store
}

// NewService creates a version Service backed by st.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// CreateVersion snapshots a successful run of the case as the next draft
// version. A nil snapshot freezes the run's lines, totals and currency.
func (s *Service) CreateVersion(ctx context.Context, caseID, runID string, snapshot json.RawMessage, createdBy string) (*model.QuotationVersion, error) {
	createdBy = strings.TrimSpace(createdBy)
	if createdBy == "" {
		return nil, model.ErrNotAuthenticated
	}
	if len(snapshot) > 0 && !json.Valid(snapshot) {
		return nil, &model.ValidationError{Field: "snapshot", Message: "must be valid JSON"}
	}

	var out *model.QuotationVersion
	err := s.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if !creatable[c.Status] {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "create_version"}
		}

		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != model.RunStatusSuccess {
			return &model.InvariantError{Entity: string(store.EntityRun), ID: run.ID, Invariant: "versions derive from successful runs only"}
		}

		if len(snapshot) == 0 {
			snapshot, err = json.Marshal(model.QuotationSnapshot{
				RunNumber: run.RunNumber,
				LineItems: run.LineItems,
				Totals:    run.Totals,
				Currency:  run.Currency,
			})
			if err != nil {
				return eris.Wrap(err, "versions: marshal snapshot")
			}
		}

		n, err := tx.NextVersionNumber(ctx)
		if err != nil {
			return err
		}
		v := &model.QuotationVersion{
			ID:            uuid.New().String(),
			CaseID:        c.ID,
			VersionNumber: n,
			SourceRunID:   run.ID,
			Status:        model.VersionStatusDraft,
			Snapshot:      snapshot,
			CreatedAt:     time.Now().UTC(),
			CreatedBy:     createdBy,
		}
		if err := tx.InsertVersion(ctx, v); err != nil {
			return err
		}

		zap.L().Info("quotation version created",
			zap.String("case_id", c.ID),
			zap.Int("version_number", n),
			zap.Int("run_number", run.RunNumber),
			zap.String("created_by", createdBy),
		)
		out = v
		return nil
	})
	return out, err
}

// SelectVersion makes versionID the case's only selected version and moves
// a HUMAN_REVIEW case to QUOTED_VERSIONED.
func (s *Service) SelectVersion(ctx context.Context, versionID string) (*model.QuotationVersion, error) {
	caseID, err := s.store.CaseIDFor(ctx, store.EntityVersion, versionID)
	if err != nil {
		return nil, err
	}

	var out *model.QuotationVersion
	err = s.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if !lifecycle.Allowed(c.Status, lifecycle.EventVersionSelected) {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: string(lifecycle.EventVersionSelected)}
		}

		v, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v.Status == model.VersionStatusSuperseded {
			return &model.InvariantError{Entity: string(store.EntityVersion), ID: v.ID, Invariant: "superseded versions cannot be selected"}
		}

		if err := tx.SelectVersion(ctx, v.ID); err != nil {
			return err
		}
		v.IsSelected = true
		if _, err := lifecycle.Fire(ctx, tx, lifecycle.EventVersionSelected); err != nil {
			return err
		}

		zap.L().Info("quotation version selected",
			zap.String("case_id", c.ID),
			zap.Int("version_number", v.VersionNumber),
		)
		out = v
		return nil
	})
	return out, err
}

// Finalize freezes a draft version. Any other status is an invariant
// violation.
func (s *Service) Finalize(ctx context.Context, versionID string) (*model.QuotationVersion, error) {
	caseID, err := s.store.CaseIDFor(ctx, store.EntityVersion, versionID)
	if err != nil {
		return nil, err
	}

	var out *model.QuotationVersion
	err = s.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if c.IsArchived() {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "finalize_version", Reason: "case is archived"}
		}

		v, err := tx.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		ok, err := tx.TransitionVersion(ctx, v.ID, model.VersionStatusDraft, model.VersionStatusFinal)
		if err != nil {
			return err
		}
		if !ok {
			return &model.InvariantError{Entity: string(store.EntityVersion), ID: v.ID, Invariant: "only a draft version can be finalized, status is " + string(v.Status)}
		}
		v.Status = model.VersionStatusFinal
		out = v
		return nil
	})
	return out, err
}

// List returns the case's versions ordered by version number.
func (s *Service) List(ctx context.Context, caseID string) ([]model.QuotationVersion, error) {
	var out []model.QuotationVersion
	err := s.store.ReadCase(ctx, caseID, func(tx store.CaseTx) error {
		var err error
		out, err = tx.ListVersions(ctx)
		return err
	})
	return out, err
}

// Get returns one version by id.
func (s *Service) Get(ctx context.Context, versionID string) (*model.QuotationVersion, error) {
	caseID, err := s.store.CaseIDFor(ctx, store.EntityVersion, versionID)
	if err != nil {
		return nil, err
	}
	var out *model.QuotationVersion
	err = s.store.ReadCase(ctx, caseID, func(tx store.CaseTx) error {
		var err error
		out, err = tx.GetVersion(ctx, versionID)
		return err
	})
	return out, err
}

// Selected returns the case's selected version, or a NotFoundError when
// nothing has been selected yet.
func (s *Service) Selected(ctx context.Context, caseID string) (*model.QuotationVersion, error) {
	all, err := s.List(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].IsSelected {
			return &all[i], nil
		}
	}
	return nil, &model.NotFoundError{Entity: "selected version for case", ID: caseID}
}
