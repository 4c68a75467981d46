package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/quote-desk/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newCase(threadRef string, status model.CaseStatus) *model.QuoteCase {
	now := time.Now().UTC()
	return &model.QuoteCase{
		ID:        uuid.New().String(),
		ThreadRef: threadRef,
		Status:    status,
		Priority:  model.PriorityNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func mustCreateCase(t *testing.T, s Store, threadRef string, status model.CaseStatus) *model.QuoteCase {
	t.Helper()
	c := newCase(threadRef, status)
	require.NoError(t, s.CreateCase(context.Background(), c))
	return c
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetCase", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c := newCase("thread-1", model.CaseStatusNewThread)
		c.RequestType = "road_freight"
		c.Completeness = 0.4
		require.NoError(t, s.CreateCase(ctx, c))

		got, err := s.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, got.ID)
		assert.Equal(t, "thread-1", got.ThreadRef)
		assert.Equal(t, model.CaseStatusNewThread, got.Status)
		assert.Equal(t, "road_freight", got.RequestType)
		assert.InDelta(t, 0.4, got.Completeness, 1e-9)
	})

	t.Run("GetCaseNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetCase(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, model.IsNotFound(err))
	})

	t.Run("OneActiveCasePerThread", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := mustCreateCase(t, s, "thread-dup", model.CaseStatusNewThread)
		err := s.CreateCase(ctx, newCase("thread-dup", model.CaseStatusNewThread))
		var inv *model.InvariantError
		require.ErrorAs(t, err, &inv)
		assert.Equal(t, "quote_case", inv.Entity)

		// Archiving the first frees the thread.
		require.NoError(t, s.WithCase(ctx, first.ID, func(tx CaseTx) error {
			c := tx.Case()
			c.Status = model.CaseStatusArchived
			return tx.UpdateCase(ctx, c)
		}))
		second := mustCreateCase(t, s, "thread-dup", model.CaseStatusNewThread)

		active, err := s.FindActiveCase(ctx, "thread-dup")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, second.ID, active.ID)
	})

	t.Run("FindActiveCaseMissing", func(t *testing.T) {
		s := newStore(t)
		c, err := s.FindActiveCase(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("ListCasesFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		mustCreateCase(t, s, "t1", model.CaseStatusNewThread)
		mustCreateCase(t, s, "t2", model.CaseStatusNeedInfo)
		mustCreateCase(t, s, "t3", model.CaseStatusNeedInfo)

		all, err := s.ListCases(ctx, CaseFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		needInfo, err := s.ListCases(ctx, CaseFilter{Status: model.CaseStatusNeedInfo})
		require.NoError(t, err)
		assert.Len(t, needInfo, 2)

		byThread, err := s.ListCases(ctx, CaseFilter{ThreadRef: "t1"})
		require.NoError(t, err)
		require.Len(t, byThread, 1)
		assert.Equal(t, "t1", byThread[0].ThreadRef)

		limited, err := s.ListCases(ctx, CaseFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("WithCaseRollsBackOnError", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreateCase(t, s, "t-rb", model.CaseStatusReadyToPrice)

		sentinel := &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "test"}
		err := s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			cc := tx.Case()
			cc.Status = model.CaseStatusPricingRunning
			require.NoError(t, tx.UpdateCase(ctx, cc))
			return sentinel
		})
		assert.Same(t, sentinel, err)

		got, err := s.GetCase(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CaseStatusReadyToPrice, got.Status)
	})

	t.Run("WithCaseNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.WithCase(context.Background(), "missing", func(CaseTx) error { return nil })
		assert.True(t, model.IsNotFound(err))
	})

	t.Run("Gaps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreateCase(t, s, "t-gaps", model.CaseStatusNeedInfo)
		now := time.Now().UTC()

		blocking := &model.Gap{ID: uuid.New().String(), GapKey: "weight", Category: "cargo", Question: "Gross weight?", IsBlocking: true, Status: model.GapStatusOpen, CreatedAt: now}
		advisory := &model.Gap{ID: uuid.New().String(), GapKey: "incoterm", Category: "terms", Question: "Incoterm?", Status: model.GapStatusOpen, CreatedAt: now.Add(time.Millisecond)}

		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			require.NoError(t, tx.InsertGap(ctx, blocking))
			return tx.InsertGap(ctx, advisory)
		}))

		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			open, err := tx.ListGaps(ctx, true)
			require.NoError(t, err)
			assert.Len(t, open, 2)

			require.NoError(t, tx.ResolveGap(ctx, blocking.ID, now.Add(time.Minute)))
			// Second resolve finds no open row.
			assert.True(t, model.IsNotFound(tx.ResolveGap(ctx, blocking.ID, now)))

			g, err := tx.GetGap(ctx, blocking.ID)
			require.NoError(t, err)
			assert.Equal(t, model.GapStatusResolved, g.Status)
			require.NotNil(t, g.ResolvedAt)
			assert.True(t, g.IsBlocking)
			assert.Equal(t, c.ID, g.CaseID)

			open, err = tx.ListGaps(ctx, true)
			require.NoError(t, err)
			require.Len(t, open, 1)
			assert.Equal(t, "incoterm", open[0].GapKey)

			all, err := tx.ListGaps(ctx, false)
			require.NoError(t, err)
			assert.Len(t, all, 2)
			return nil
		}))

		owner, err := s.CaseIDFor(ctx, EntityGap, blocking.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, owner)
	})

	t.Run("MarkGapBlocking", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreateCase(t, s, "t-raise", model.CaseStatusFactsPartial)
		now := time.Now().UTC()
		gap := &model.Gap{ID: uuid.New().String(), GapKey: "weight", Status: model.GapStatusOpen, CreatedAt: now}

		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			require.NoError(t, tx.InsertGap(ctx, gap))
			require.NoError(t, tx.MarkGapBlocking(ctx, gap.ID))

			g, err := tx.GetGap(ctx, gap.ID)
			require.NoError(t, err)
			assert.True(t, g.IsBlocking)

			require.NoError(t, tx.ResolveGap(ctx, gap.ID, now))
			assert.True(t, model.IsNotFound(tx.MarkGapBlocking(ctx, gap.ID)))
			return nil
		}))
	})

	t.Run("GapsAreCaseScoped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := mustCreateCase(t, s, "t-a", model.CaseStatusNeedInfo)
		b := mustCreateCase(t, s, "t-b", model.CaseStatusNeedInfo)
		gap := &model.Gap{ID: uuid.New().String(), GapKey: "k", Status: model.GapStatusOpen, CreatedAt: time.Now().UTC()}

		require.NoError(t, s.WithCase(ctx, a.ID, func(tx CaseTx) error { return tx.InsertGap(ctx, gap) }))
		err := s.ReadCase(ctx, b.ID, func(tx CaseTx) error {
			_, err := tx.GetGap(ctx, gap.ID)
			return err
		})
		assert.True(t, model.IsNotFound(err))
	})

	t.Run("Runs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreateCase(t, s, "t-runs", model.CaseStatusReadyToPrice)

		run := &model.PricingRun{ID: uuid.New().String(), Status: model.RunStatusRunning, InputFingerprint: "abc", StartedAt: time.Now().UTC()}
		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			n, err := tx.NextRunNumber(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			run.RunNumber = n

			none, err := tx.RunningRun(ctx)
			require.NoError(t, err)
			assert.Nil(t, none)
			return tx.InsertRun(ctx, run)
		}))

		// A second running run violates the partial unique index.
		err := s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			return tx.InsertRun(ctx, &model.PricingRun{ID: uuid.New().String(), RunNumber: 2, Status: model.RunStatusRunning, StartedAt: time.Now().UTC()})
		})
		var inv *model.InvariantError
		require.ErrorAs(t, err, &inv)

		raw := json.RawMessage(`{"historical_suggestions":[{"description":"fuel","amount":12.5}]}`)
		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			running, err := tx.RunningRun(ctx)
			require.NoError(t, err)
			require.NotNil(t, running)
			assert.Equal(t, run.ID, running.ID)

			done := time.Now().UTC()
			running.Status = model.RunStatusSuccess
			running.LineItems = []model.LineItem{{Description: "Linehaul", Quantity: 1, UnitPrice: 100, Amount: 100}}
			running.Totals = model.Totals{HT: 100, TTC: 120}
			running.Currency = "EUR"
			running.RawResponse = raw
			running.CompletedAt = &done
			require.NoError(t, tx.FinishRun(ctx, running))

			// Terminal runs are immutable.
			running.Status = model.RunStatusFailed
			err = tx.FinishRun(ctx, running)
			var inv *model.InvariantError
			require.ErrorAs(t, err, &inv)
			assert.Equal(t, "pricing_run", inv.Entity)

			n, err := tx.NextRunNumber(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			return nil
		}))

		require.NoError(t, s.ReadCase(ctx, c.ID, func(tx CaseTx) error {
			runs, err := tx.ListRuns(ctx)
			require.NoError(t, err)
			require.Len(t, runs, 1)
			got := runs[0]
			assert.Equal(t, model.RunStatusSuccess, got.Status)
			assert.Equal(t, 120.0, got.Totals.TTC)
			assert.Equal(t, "EUR", got.Currency)
			require.Len(t, got.LineItems, 1)
			assert.Equal(t, "Linehaul", got.LineItems[0].Description)
			assert.JSONEq(t, string(raw), string(got.RawResponse))
			require.Len(t, got.HistoricalSuggestions(), 1)
			assert.NotNil(t, got.CompletedAt)
			assert.Equal(t, "abc", got.InputFingerprint)
			return nil
		}))
	})

	t.Run("VersionsSingleSelection", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreateCase(t, s, "t-versions", model.CaseStatusHumanReview)
		runID := uuid.New().String()

		var ids []string
		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			require.NoError(t, tx.InsertRun(ctx, &model.PricingRun{ID: runID, RunNumber: 1, Status: model.RunStatusSuccess, StartedAt: time.Now().UTC()}))
			for i := 0; i < 3; i++ {
				n, err := tx.NextVersionNumber(ctx)
				require.NoError(t, err)
				v := &model.QuotationVersion{
					ID:            uuid.New().String(),
					VersionNumber: n,
					SourceRunID:   runID,
					Status:        model.VersionStatusDraft,
					Snapshot:      json.RawMessage(`{"n":1}`),
					CreatedAt:     time.Now().UTC(),
					CreatedBy:     "alice",
				}
				require.NoError(t, tx.InsertVersion(ctx, v))
				ids = append(ids, v.ID)
			}
			return nil
		}))

		for _, id := range []string{ids[0], ids[2], ids[1]} {
			require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error { return tx.SelectVersion(ctx, id) }))
		}

		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			versions, err := tx.ListVersions(ctx)
			require.NoError(t, err)
			require.Len(t, versions, 3)
			selected := 0
			for i, v := range versions {
				assert.Equal(t, i+1, v.VersionNumber)
				if v.IsSelected {
					selected++
					assert.Equal(t, ids[1], v.ID)
				}
			}
			assert.Equal(t, 1, selected)

			ok, err := tx.TransitionVersion(ctx, ids[1], model.VersionStatusDraft, model.VersionStatusFinal)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = tx.TransitionVersion(ctx, ids[1], model.VersionStatusDraft, model.VersionStatusFinal)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, tx.SupersedeOthers(ctx, ids[1]))
			versions, err = tx.ListVersions(ctx)
			require.NoError(t, err)
			for _, v := range versions {
				if v.ID == ids[1] {
					assert.Equal(t, model.VersionStatusFinal, v.Status)
					assert.True(t, v.IsSelected)
				} else {
					assert.Equal(t, model.VersionStatusSuperseded, v.Status)
					assert.False(t, v.IsSelected)
				}
			}
			return nil
		}))
	})

	t.Run("DraftSendCompareAndSet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		c := mustCreateCase(t, s, "t-draft", model.CaseStatusQuotedVersioned)

		d := &model.EmailDraft{
			ID:         uuid.New().String(),
			Owner:      "alice",
			Subject:    "Your quotation",
			Recipients: []string{"buyer@example.com"},
			Status:     model.DraftStatusDraft,
			CreatedAt:  time.Now().UTC(),
		}
		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error { return tx.InsertDraft(ctx, d) }))

		sentAt := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.WithCase(ctx, c.ID, func(tx CaseTx) error {
			won, err := tx.MarkDraftSent(ctx, d.ID, "v1", "corr-1", sentAt)
			require.NoError(t, err)
			assert.True(t, won)

			won, err = tx.MarkDraftSent(ctx, d.ID, "v1", "corr-2", time.Now().UTC())
			require.NoError(t, err)
			assert.False(t, won)
			return nil
		}))

		require.NoError(t, s.ReadCase(ctx, c.ID, func(tx CaseTx) error {
			got, err := tx.GetDraft(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, model.DraftStatusSent, got.Status)
			assert.Equal(t, "corr-1", got.CorrelationID)
			assert.Equal(t, []string{"buyer@example.com"}, got.Recipients)
			require.NotNil(t, got.SentAt)
			assert.True(t, sentAt.Equal(*got.SentAt))
			return nil
		}))

		owner, err := s.CaseIDFor(ctx, EntityDraft, d.ID)
		require.NoError(t, err)
		assert.Equal(t, c.ID, owner)

		_, err = s.CaseIDFor(ctx, EntityDraft, "missing")
		assert.True(t, model.IsNotFound(err))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_MigrateIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}
