package send

import (
	"context"
	"sync"

	"github.com/sells-group/quote-desk/internal/model"
	"github.com/sells-group/quote-desk/pkg/mailer"
	"github.com/sells-group/quote-desk/pkg/quotedoc"
)

// recordingMailer captures deliveries and optionally fails them.
type recordingMailer struct {
	mu       sync.Mutex
	messages []mailer.Message
	err      error
	block    bool
}

func (m *recordingMailer) Deliver(ctx context.Context, msg mailer.Message) error {
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *recordingMailer) delivered() []mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailer.Message(nil), m.messages...)
}

// stubExporter hands out a fixed artifact URL per version.
type stubExporter struct {
	calls int
}

func (e *stubExporter) Export(_ *model.QuoteCase, v *model.QuotationVersion) (*quotedoc.Artifact, error) {
	e.calls++
	return &quotedoc.Artifact{FileName: v.ID + ".xlsx", URL: "https://files.example/" + v.ID + ".xlsx"}, nil
}

// --- Ensure interface compliance ---
var (
	_ mailer.Mailer = (*recordingMailer)(nil)
	_ Exporter      = (*stubExporter)(nil)
	_ Exporter      = (*quotedoc.Exporter)(nil)
)
