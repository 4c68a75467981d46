// Package send delivers the selected quotation version to the client at most
// once per draft.
package send

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/fingerprint"
	"github.com/sells-group/quote-desk/internal/lifecycle"
	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/internal/resilience"
	"github.com/sells-group/quote-desk/internal/store"
	"github.com/sells-group/quote-desk/pkg/mailer"
	"github.com/sells-group/quote-desk/pkg/quotedoc"
)

// Request identifies what to send.
type Request struct {
	CaseID    string `json:"case_id" validate:"required"`
	VersionID string `json:"version_id" validate:"required"`
	DraftID   string `json:"draft_id" validate:"required"`
}

// NewDraft is the caller-supplied content of an email draft.
type NewDraft struct {
	Subject    string   `json:"subject" validate:"required,max=255"`
	Recipients []string `json:"recipients" validate:"required,min=1,dive,email"`
	Body       string   `json:"body"`
}

// Exporter produces the downloadable artifact attached to a delivery.
type Exporter interface {
	Export(c *model.QuoteCase, v *model.QuotationVersion) (*quotedoc.Artifact, error)
}

// Pipeline runs the send protocol.
type Pipeline struct {
	store    store.Store
	mailer   mailer.Mailer
	retry    resilience.RetryConfig
	exporter Exporter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithExporter attaches a rendered quotation link to every delivery.
func WithExporter(e Exporter) Option {
	return func(p *Pipeline) {
		p.exporter = e
	}
}

// NewPipeline creates a send Pipeline. retry governs the delivery call.
func NewPipeline(st store.Store, m mailer.Mailer, retry resilience.RetryConfig, opts ...Option) *Pipeline {
	p := &Pipeline{store: st, mailer: m, retry: retry}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CreateDraft records a new email draft owned by caller.
func (p *Pipeline) CreateDraft(ctx context.Context, caseID, caller string, in NewDraft) (*model.EmailDraft, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return nil, model.ErrNotAuthenticated
	}
	if strings.TrimSpace(in.Subject) == "" {
		return nil, &model.ValidationError{Field: "subject", Message: "must not be empty"}
	}
	if len(in.Recipients) == 0 {
		return nil, &model.ValidationError{Field: "recipients", Message: "at least one recipient is required"}
	}

	var out *model.EmailDraft
	err := p.store.WithCase(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if lifecycle.Terminal(c.Status) {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: "create_draft"}
		}
		d := &model.EmailDraft{
			ID:         uuid.New().String(),
			CaseID:     c.ID,
			Owner:      caller,
			Subject:    in.Subject,
			Recipients: in.Recipients,
			Body:       in.Body,
			Status:     model.DraftStatusDraft,
			CreatedAt:  time.Now().UTC(),
		}
		if err := tx.InsertDraft(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	return out, err
}

// GetDraft returns a draft visible to caller.
func (p *Pipeline) GetDraft(ctx context.Context, draftID, caller string) (*model.EmailDraft, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, model.ErrNotAuthenticated
	}
	caseID, err := p.store.CaseIDFor(ctx, store.EntityDraft, draftID)
	if err != nil {
		return nil, err
	}
	var out *model.EmailDraft
	err = p.store.ReadCase(ctx, caseID, func(tx store.CaseTx) error {
		d, err := tx.GetDraft(ctx, draftID)
		if err != nil {
			return err
		}
		if d.Owner != caller {
			return &model.NotFoundError{Entity: string(store.EntityDraft), ID: draftID}
		}
		out = d
		return nil
	})
	return out, err
}

// Send delivers the selected version with the caller's draft. A draft that
// was already sent yields an idempotent replay carrying the original sent_at
// and nothing is delivered again. Every precondition failure leaves the
// draft, the versions and the case untouched; so does a failed delivery.
func (p *Pipeline) Send(ctx context.Context, req Request, caller string) (*model.SendResult, error) {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return nil, model.ErrNotAuthenticated
	}
	for _, f := range [][2]string{{"case_id", req.CaseID}, {"version_id", req.VersionID}, {"draft_id", req.DraftID}} {
		if strings.TrimSpace(f[1]) == "" {
			return nil, &model.ValidationError{Field: f[0], Message: "is required"}
		}
	}

	var result *model.SendResult
	err := p.store.WithCase(ctx, req.CaseID, func(tx store.CaseTx) error {
		c := tx.Case()

		d, err := tx.GetDraft(ctx, req.DraftID)
		if err != nil {
			return err
		}
		if d.Owner != caller {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: string(lifecycle.EventSent), Reason: "draft belongs to another user"}
		}
		if d.Status == model.DraftStatusSent {
			result = replay(d)
			return nil
		}

		if !lifecycle.Allowed(c.Status, lifecycle.EventSent) {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: string(lifecycle.EventSent)}
		}
		v, err := tx.GetVersion(ctx, req.VersionID)
		if err != nil {
			return err
		}
		if !v.IsSelected {
			return &model.GuardViolationError{CaseID: c.ID, From: c.Status, Action: string(lifecycle.EventSent), Reason: "version is not the selected version"}
		}

		// Millisecond precision survives every store, so replays echo it exactly.
		sentAt := time.Now().UTC().Truncate(time.Millisecond)
		correlationID := uuid.New().String()
		won, err := tx.MarkDraftSent(ctx, d.ID, v.ID, correlationID, sentAt)
		if err != nil {
			return err
		}
		if !won {
			// Another sender flipped the draft first.
			d, err = tx.GetDraft(ctx, req.DraftID)
			if err != nil {
				return err
			}
			result = replay(d)
			return nil
		}

		if v.Status == model.VersionStatusDraft {
			if _, err := tx.TransitionVersion(ctx, v.ID, model.VersionStatusDraft, model.VersionStatusFinal); err != nil {
				return err
			}
			v.Status = model.VersionStatusFinal
		}
		if err := tx.SupersedeOthers(ctx, v.ID); err != nil {
			return err
		}
		if _, err := lifecycle.Fire(ctx, tx, lifecycle.EventSent); err != nil {
			return err
		}

		msg := mailer.Message{
			CaseID:         c.ID,
			DraftID:        d.ID,
			VersionID:      v.ID,
			VersionNumber:  v.VersionNumber,
			To:             d.Recipients,
			Subject:        d.Subject,
			Body:           d.Body,
			CorrelationID:  correlationID,
			IdempotencyKey: idempotencyKey(req),
			SentAt:         sentAt,
		}
		if p.exporter != nil {
			art, err := p.exporter.Export(c, v)
			if err != nil {
				return err
			}
			msg.AttachmentURL = art.URL
		}

		// Delivery is the last step so a failure rolls the whole send back.
		if err := resilience.Do(ctx, p.retry, func(ctx context.Context) error {
			return p.mailer.Deliver(ctx, msg)
		}); err != nil {
			zap.L().Warn("quotation delivery failed",
				zap.String("case_id", c.ID),
				zap.String("draft_id", d.ID),
				zap.String("correlation_id", correlationID),
				zap.Error(err),
			)
			return err
		}

		zap.L().Info("quotation sent",
			zap.String("case_id", c.ID),
			zap.String("draft_id", d.ID),
			zap.Int("version_number", v.VersionNumber),
			zap.String("correlation_id", correlationID),
		)
		result = &model.SendResult{
			Success:       true,
			SentAt:        sentAt,
			CorrelationID: correlationID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func replay(d *model.EmailDraft) *model.SendResult {
	zap.L().Info("send replayed",
		zap.String("case_id", d.CaseID),
		zap.String("draft_id", d.ID),
		zap.String("correlation_id", d.CorrelationID),
	)
	res := &model.SendResult{
		Success:       true,
		Idempotent:    true,
		CorrelationID: d.CorrelationID,
	}
	if d.SentAt != nil {
		res.SentAt = *d.SentAt
	}
	return res
}

// idempotencyKey is stable for one (case, version, draft) triple so a relay
// can recognise a delivery retried after an ambiguous failure.
func idempotencyKey(req Request) string {
	key, err := fingerprint.Sum(map[string]any{
		"case_id":    req.CaseID,
		"version_id": req.VersionID,
		"draft_id":   req.DraftID,
	})
	if err != nil {
		return ""
	}
	return key
}
