package send

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/resilience"
	"github.com/sells-group/quote-desk/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "send.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    2,
		AttemptTimeout: 30 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Service:        "delivery",
		Operation:      "deliver",
	}
}

type fixture struct {
	store    store.Store
	caseID   string
	selected string
	other    string
	draftID  string
}

// seedSendable creates a case in status with two versions, the first one
// selected, and a draft owned by alice.
func seedSendable(t *testing.T, status model.CaseStatus) *fixture {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c := &model.QuoteCase{
		ID: uuid.New().String(), ThreadRef: "thread-" + uuid.New().String(),
		Status: status, Priority: model.PriorityNormal, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateCase(ctx, c))

	f := &fixture{store: s, caseID: c.ID, selected: uuid.New().String(), other: uuid.New().String(), draftID: uuid.New().String()}
	runID := uuid.New().String()
	require.NoError(t, s.WithCase(ctx, c.ID, func(tx store.CaseTx) error {
		if err := tx.InsertRun(ctx, &model.PricingRun{
			ID: runID, RunNumber: 1, Status: model.RunStatusSuccess, Currency: "EUR",
			Totals: model.Totals{HT: 100, TTC: 120}, StartedAt: now, CompletedAt: &now,
		}); err != nil {
			return err
		}
		for i, id := range []string{f.selected, f.other} {
			if err := tx.InsertVersion(ctx, &model.QuotationVersion{
				ID: id, VersionNumber: i + 1, SourceRunID: runID, Status: model.VersionStatusDraft,
				Snapshot: []byte(`{"totals":{"ht":100,"ttc":120}}`), CreatedAt: now, CreatedBy: "alice",
			}); err != nil {
				return err
			}
		}
		if err := tx.SelectVersion(ctx, f.selected); err != nil {
			return err
		}
		return tx.InsertDraft(ctx, &model.EmailDraft{
			ID: f.draftID, Owner: "alice", Subject: "Your quotation",
			Recipients: []string{"buyer@client.example"}, Body: "Hello",
			Status: model.DraftStatusDraft, CreatedAt: now,
		})
	}))
	return f
}

func (f *fixture) request() Request {
	return Request{CaseID: f.caseID, VersionID: f.selected, DraftID: f.draftID}
}

func (f *fixture) draft(t *testing.T) *model.EmailDraft {
	t.Helper()
	var d *model.EmailDraft
	require.NoError(t, f.store.ReadCase(context.Background(), f.caseID, func(tx store.CaseTx) error {
		var err error
		d, err = tx.GetDraft(context.Background(), f.draftID)
		return err
	}))
	return d
}

func (f *fixture) versions(t *testing.T) map[string]model.QuotationVersion {
	t.Helper()
	out := map[string]model.QuotationVersion{}
	require.NoError(t, f.store.ReadCase(context.Background(), f.caseID, func(tx store.CaseTx) error {
		all, err := tx.ListVersions(context.Background())
		for _, v := range all {
			out[v.ID] = v
		}
		return err
	}))
	return out
}

func (f *fixture) status(t *testing.T) model.CaseStatus {
	t.Helper()
	c, err := f.store.GetCase(context.Background(), f.caseID)
	require.NoError(t, err)
	return c.Status
}

func TestSend_Success(t *testing.T) {
	f := seedSendable(t, model.CaseStatusQuotedVersioned)
	m := &recordingMailer{}
	exp := &stubExporter{}
	p := NewPipeline(f.store, m, fastRetry(), WithExporter(exp))

	res, err := p.Send(context.Background(), f.request(), "alice")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Idempotent)
	assert.NotEmpty(t, res.CorrelationID)
	assert.False(t, res.SentAt.IsZero())

	d := f.draft(t)
	assert.Equal(t, model.DraftStatusSent, d.Status)
	require.NotNil(t, d.SentAt)
	assert.True(t, res.SentAt.Equal(*d.SentAt))
	assert.Equal(t, f.selected, d.VersionID)
	assert.Equal(t, res.CorrelationID, d.CorrelationID)
	assert.Equal(t, model.CaseStatusSent, f.status(t))

	vs := f.versions(t)
	assert.Equal(t, model.VersionStatusFinal, vs[f.selected].Status)
	assert.True(t, vs[f.selected].IsSelected)
	assert.Equal(t, model.VersionStatusSuperseded, vs[f.other].Status)

	msgs := m.delivered()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"buyer@client.example"}, msgs[0].To)
	assert.Equal(t, res.CorrelationID, msgs[0].CorrelationID)
	assert.Len(t, msgs[0].IdempotencyKey, 64)
	assert.Equal(t, "https://files.example/"+f.selected+".xlsx", msgs[0].AttachmentURL)
	assert.Equal(t, 1, exp.calls)
}

func TestSend_ReplayIsIdempotent(t *testing.T) {
	f := seedSendable(t, model.CaseStatusQuotedVersioned)
	m := &recordingMailer{}
	p := NewPipeline(f.store, m, fastRetry())
	ctx := context.Background()

	first, err := p.Send(ctx, f.request(), "alice")
	require.NoError(t, err)
	second, err := p.Send(ctx, f.request(), "alice")
	require.NoError(t, err)

	assert.False(t, first.Idempotent)
	assert.True(t, second.Idempotent)
	assert.True(t, second.Success)
	assert.True(t, first.SentAt.Equal(second.SentAt))
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Len(t, m.delivered(), 1)
	assert.Equal(t, model.CaseStatusSent, f.status(t))
}

func TestSend_SentAtSurvivesTimestamptz(t *testing.T) {
	f := seedSendable(t, model.CaseStatusQuotedVersioned)
	p := NewPipeline(f.store, &recordingMailer{}, fastRetry())

	first, err := p.Send(context.Background(), f.request(), "alice")
	require.NoError(t, err)
	assert.Equal(t, first.SentAt, first.SentAt.Truncate(time.Millisecond))

	// Round-trip through the binary codec Postgres uses for timestamptz.
	types := pgtype.NewMap()
	buf, err := types.Encode(pgtype.TimestamptzOID, pgtype.BinaryFormatCode, first.SentAt, nil)
	require.NoError(t, err)
	var stored time.Time
	require.NoError(t, types.Scan(pgtype.TimestamptzOID, pgtype.BinaryFormatCode, buf, &stored))

	stored = stored.UTC()
	replayed := replay(&model.EmailDraft{ID: f.draftID, CaseID: f.caseID, SentAt: &stored, CorrelationID: first.CorrelationID})

	want, err := json.Marshal(first)
	require.NoError(t, err)
	got, err := json.Marshal(replayed)
	require.NoError(t, err)

	var a, b map[string]any
	require.NoError(t, json.Unmarshal(want, &a))
	require.NoError(t, json.Unmarshal(got, &b))
	assert.Equal(t, a["sent_at"], b["sent_at"])
}

func TestSend_ConcurrentCallsDeliverOnce(t *testing.T) {
	f := seedSendable(t, model.CaseStatusQuotedVersioned)
	m := &recordingMailer{}
	p := NewPipeline(f.store, m, fastRetry())

	const callers = 8
	results := make([]*model.SendResult, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			res, err := p.Send(context.Background(), f.request(), "alice")
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	fresh := 0
	for _, r := range results {
		require.NotNil(t, r)
		assert.True(t, r.Success)
		if !r.Idempotent {
			fresh++
		}
		assert.True(t, results[0].SentAt.Equal(r.SentAt))
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, m.delivered(), 1)
}

func TestSend_GuardOutsideQuotedVersioned(t *testing.T) {
	for _, status := range []model.CaseStatus{
		model.CaseStatusReadyToPrice,
		model.CaseStatusPricedDraft,
		model.CaseStatusHumanReview,
		model.CaseStatusArchived,
	} {
		t.Run(string(status), func(t *testing.T) {
			f := seedSendable(t, status)
			m := &recordingMailer{}
			p := NewPipeline(f.store, m, fastRetry())

			res, err := p.Send(context.Background(), f.request(), "alice")
			assert.Nil(t, res)
			var gv *model.GuardViolationError
			require.ErrorAs(t, err, &gv)
			assert.Equal(t, status, gv.From)

			assert.Equal(t, model.DraftStatusDraft, f.draft(t).Status)
			assert.Nil(t, f.draft(t).SentAt)
			assert.Equal(t, model.VersionStatusDraft, f.versions(t)[f.selected].Status)
			assert.Equal(t, status, f.status(t))
			assert.Empty(t, m.delivered())
		})
	}
}

func TestSend_Preconditions(t *testing.T) {
	t.Run("not authenticated", func(t *testing.T) {
		f := seedSendable(t, model.CaseStatusQuotedVersioned)
		_, err := NewPipeline(f.store, &recordingMailer{}, fastRetry()).Send(context.Background(), f.request(), " ")
		assert.ErrorIs(t, err, model.ErrNotAuthenticated)
		assert.Equal(t, model.DraftStatusDraft, f.draft(t).Status)
	})

	t.Run("missing field", func(t *testing.T) {
		f := seedSendable(t, model.CaseStatusQuotedVersioned)
		req := f.request()
		req.VersionID = ""
		_, err := NewPipeline(f.store, &recordingMailer{}, fastRetry()).Send(context.Background(), req, "alice")
		var ve *model.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "version_id", ve.Field)
	})

	t.Run("draft of another user", func(t *testing.T) {
		f := seedSendable(t, model.CaseStatusQuotedVersioned)
		m := &recordingMailer{}
		_, err := NewPipeline(f.store, m, fastRetry()).Send(context.Background(), f.request(), "mallory")
		var gv *model.GuardViolationError
		require.ErrorAs(t, err, &gv)
		assert.Contains(t, gv.Reason, "another user")
		assert.Empty(t, m.delivered())
	})

	t.Run("version not selected", func(t *testing.T) {
		f := seedSendable(t, model.CaseStatusQuotedVersioned)
		m := &recordingMailer{}
		req := f.request()
		req.VersionID = f.other
		_, err := NewPipeline(f.store, m, fastRetry()).Send(context.Background(), req, "alice")
		var gv *model.GuardViolationError
		require.ErrorAs(t, err, &gv)
		assert.Contains(t, gv.Reason, "selected")
		assert.Equal(t, model.DraftStatusDraft, f.draft(t).Status)
		assert.Empty(t, m.delivered())
	})

	t.Run("unknown draft", func(t *testing.T) {
		f := seedSendable(t, model.CaseStatusQuotedVersioned)
		req := f.request()
		req.DraftID = "missing"
		_, err := NewPipeline(f.store, &recordingMailer{}, fastRetry()).Send(context.Background(), req, "alice")
		assert.True(t, model.IsNotFound(err))
	})
}

func TestSend_DeliveryFailureRollsBack(t *testing.T) {
	f := seedSendable(t, model.CaseStatusQuotedVersioned)
	m := &recordingMailer{err: resilience.NewTransientError(errors.New("relay down"), 503)}
	p := NewPipeline(f.store, m, fastRetry())

	_, err := p.Send(context.Background(), f.request(), "alice")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	assert.Equal(t, model.DraftStatusDraft, f.draft(t).Status)
	assert.Equal(t, model.CaseStatusQuotedVersioned, f.status(t))
	vs := f.versions(t)
	assert.Equal(t, model.VersionStatusDraft, vs[f.selected].Status)
	assert.Equal(t, model.VersionStatusDraft, vs[f.other].Status)

	// The relay recovers and the retry goes through.
	m.mu.Lock()
	m.err = nil
	m.mu.Unlock()
	res, err := p.Send(context.Background(), f.request(), "alice")
	require.NoError(t, err)
	assert.False(t, res.Idempotent)
	assert.Len(t, m.delivered(), 1)
}

func TestSend_DeliveryTimeout(t *testing.T) {
	f := seedSendable(t, model.CaseStatusQuotedVersioned)
	p := NewPipeline(f.store, &recordingMailer{block: true}, fastRetry())

	_, err := p.Send(context.Background(), f.request(), "alice")
	var ute *resilience.UpstreamTimeoutError
	require.ErrorAs(t, err, &ute)
	assert.Equal(t, 2, ute.Attempts)
	assert.Equal(t, model.DraftStatusDraft, f.draft(t).Status)
	assert.Equal(t, model.CaseStatusQuotedVersioned, f.status(t))
}

func TestCreateAndGetDraft(t *testing.T) {
	f := seedSendable(t, model.CaseStatusHumanReview)
	p := NewPipeline(f.store, &recordingMailer{}, fastRetry())
	ctx := context.Background()

	d, err := p.CreateDraft(ctx, f.caseID, "bob", NewDraft{
		Subject:    "Offer",
		Recipients: []string{"ops@client.example"},
		Body:       "See attached",
	})
	require.NoError(t, err)
	assert.Equal(t, model.DraftStatusDraft, d.Status)
	assert.Equal(t, "bob", d.Owner)

	got, err := p.GetDraft(ctx, d.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"ops@client.example"}, got.Recipients)

	_, err = p.GetDraft(ctx, d.ID, "alice")
	assert.True(t, model.IsNotFound(err), "drafts are private to their owner")

	_, err = p.CreateDraft(ctx, f.caseID, "", NewDraft{Subject: "x", Recipients: []string{"a@b.c"}})
	assert.ErrorIs(t, err, model.ErrNotAuthenticated)

	_, err = p.CreateDraft(ctx, f.caseID, "bob", NewDraft{Subject: "x"})
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestCreateDraft_TerminalCase(t *testing.T) {
	f := seedSendable(t, model.CaseStatusArchived)
	p := NewPipeline(f.store, &recordingMailer{}, fastRetry())

	_, err := p.CreateDraft(context.Background(), f.caseID, "bob", NewDraft{Subject: "x", Recipients: []string{"a@b.c"}})
	assert.True(t, model.IsGuardViolation(err))
}

func caseStatus(t *testing.T, st store.Store, caseID string) model.CaseStatus {
	t.Helper()
	c, err := st.GetCase(context.Background(), caseID)
	require.NoError(t, err)
	return c.Status
}
