// Package quotedoc renders a quotation version as a downloadable Excel
// artifact.
package quotedoc

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/quote-desk/internal/model"
)

const (
	sheetName    = "Quotation"
	amountFormat = "#,##0.00"
)

// Artifact is a generated document and where it can be downloaded.
type Artifact struct {
	FileName string `json:"file_name"`
	Path     string `json:"-"`
	URL      string `json:"url"`
}

// Exporter writes xlsx quotations into a directory served under a base URL.
type Exporter struct {
	dir     string
	baseURL string
	printer *message.Printer
}

// NewExporter creates an Exporter. locale is a BCP 47 tag used for money
// formatting in text cells.
func NewExporter(dir, baseURL, locale string) (*Exporter, error) {
	if dir == "" {
		return nil, eris.New("quotedoc: export dir is required")
	}
	tag := language.French
	if locale != "" {
		parsed, err := language.Parse(locale)
		if err != nil {
			return nil, eris.Wrapf(err, "quotedoc: parse locale %q", locale)
		}
		tag = parsed
	}
	return &Exporter{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		printer: message.NewPrinter(tag),
	}, nil
}

// FileName returns the artifact name for a version.
func FileName(c *model.QuoteCase, v *model.QuotationVersion) string {
	short := c.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("quote-%s-v%d.xlsx", short, v.VersionNumber)
}

// Export renders v and writes it under the export directory. Exporting the
// same version again overwrites the file with identical content.
func (e *Exporter) Export(c *model.QuoteCase, v *model.QuotationVersion) (*Artifact, error) {
	var snap model.QuotationSnapshot
	if len(v.Snapshot) > 0 {
		if err := json.Unmarshal(v.Snapshot, &snap); err != nil {
			return nil, eris.Wrapf(err, "quotedoc: decode snapshot of version %d", v.VersionNumber)
		}
	}

	f, err := e.render(c, v, snap)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "quotedoc: create export dir")
	}
	name := FileName(c, v)
	path := filepath.Join(e.dir, name)
	if err := f.Save(path); err != nil {
		return nil, eris.Wrapf(err, "quotedoc: save %s", name)
	}

	return &Artifact{FileName: name, Path: path, URL: e.url(name)}, nil
}

func (e *Exporter) url(name string) string {
	if e.baseURL == "" {
		return "/exports/" + url.PathEscape(name)
	}
	return e.baseURL + "/" + url.PathEscape(name)
}

func (e *Exporter) render(c *model.QuoteCase, v *model.QuotationVersion, snap model.QuotationSnapshot) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return nil, eris.Wrap(err, "quotedoc: add sheet")
	}

	pairs := [][2]string{
		{"Case", c.ID},
		{"Thread", c.ThreadRef},
		{"Version", fmt.Sprintf("%d", v.VersionNumber)},
		{"Status", string(v.Status)},
		{"Created by", v.CreatedBy},
		{"Created at", v.CreatedAt.UTC().Format("2006-01-02 15:04 MST")},
	}
	for _, p := range pairs {
		row := sheet.AddRow()
		row.AddCell().SetString(p[0])
		row.AddCell().SetString(p[1])
	}
	sheet.AddRow()

	header := sheet.AddRow()
	for _, h := range []string{"Code", "Description", "Quantity", "Unit", "Unit price", "Amount"} {
		header.AddCell().SetString(h)
	}
	for _, l := range snap.LineItems {
		row := sheet.AddRow()
		row.AddCell().SetString(l.Code)
		row.AddCell().SetString(l.Description)
		row.AddCell().SetFloat(l.Quantity)
		row.AddCell().SetString(l.Unit)
		row.AddCell().SetFloatWithFormat(l.UnitPrice, amountFormat)
		row.AddCell().SetFloatWithFormat(l.Amount, amountFormat)
	}
	sheet.AddRow()

	for _, total := range []struct {
		label  string
		amount float64
	}{
		{"Total HT", snap.Totals.HT},
		{"Total TTC", snap.Totals.TTC},
	} {
		row := sheet.AddRow()
		row.AddCell().SetString(total.label)
		row.AddCell().SetString(e.FormatMoney(total.amount, snap.Currency))
	}
	if snap.Terms != "" {
		row := sheet.AddRow()
		row.AddCell().SetString("Terms")
		row.AddCell().SetString(snap.Terms)
	}
	return f, nil
}

// FormatMoney renders amount in the exporter's locale with the currency
// symbol. Unknown currency codes fall back to the bare code.
func (e *Exporter) FormatMoney(amount float64, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return strings.TrimSpace(e.printer.Sprintf("%.2f %s", amount, code))
	}
	return e.printer.Sprint(currency.Symbol(unit.Amount(amount)))
}
