package quotedoc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/quote-desk/internal/model"
)

func testVersion(t *testing.T) (*model.QuoteCase, *model.QuotationVersion) {
	t.Helper()
	snap, err := json.Marshal(model.QuotationSnapshot{
		RunNumber: 1,
		LineItems: []model.LineItem{
			{Code: "OF", Description: "Ocean freight", Quantity: 2, Unit: "TEU", UnitPrice: 1500, Amount: 3000},
			{Code: "THC", Description: "Terminal handling", Quantity: 2, Unit: "TEU", UnitPrice: 180, Amount: 360},
		},
		Totals:   model.Totals{HT: 3360, TTC: 4032},
		Currency: "EUR",
		Terms:    "Valid 15 days",
	})
	require.NoError(t, err)

	c := &model.QuoteCase{ID: "0f8fad5b-d9cb-469f-a165-70867728950e", ThreadRef: "thread-9"}
	v := &model.QuotationVersion{
		ID:            "v-1",
		CaseID:        c.ID,
		VersionNumber: 3,
		Status:        model.VersionStatusFinal,
		Snapshot:      snap,
		CreatedAt:     time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC),
		CreatedBy:     "alice",
	}
	return c, v
}

func TestNewExporter(t *testing.T) {
	_, err := NewExporter("", "", "")
	require.Error(t, err)

	_, err = NewExporter(t.TempDir(), "", "not a locale!")
	require.Error(t, err)

	e, err := NewExporter(t.TempDir(), "https://files.example/exports/", "en-GB")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/exports", e.baseURL)
}

func TestExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "exports")
	e, err := NewExporter(dir, "https://files.example/exports", "fr-FR")
	require.NoError(t, err)

	c, v := testVersion(t)
	art, err := e.Export(c, v)
	require.NoError(t, err)
	assert.Equal(t, "quote-0f8fad5b-v3.xlsx", art.FileName)
	assert.Equal(t, "https://files.example/exports/quote-0f8fad5b-v3.xlsx", art.URL)
	_, err = os.Stat(art.Path)
	require.NoError(t, err)

	f, err := xlsx.OpenFile(art.Path)
	require.NoError(t, err)
	sheet, ok := f.Sheet[sheetName]
	require.True(t, ok)

	var labels []string
	for _, row := range sheet.Rows {
		if len(row.Cells) > 0 {
			labels = append(labels, row.Cells[0].String())
		}
	}
	assert.Contains(t, labels, "Case")
	assert.Contains(t, labels, "OF")
	assert.Contains(t, labels, "THC")
	assert.Contains(t, labels, "Total TTC")
	assert.Contains(t, labels, "Terms")

	assert.Equal(t, "thread-9", sheet.Rows[1].Cells[1].String())
	assert.Equal(t, "3", sheet.Rows[2].Cells[1].String())
}

func TestExport_DefaultURL(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "", "")
	require.NoError(t, err)

	c, v := testVersion(t)
	art, err := e.Export(c, v)
	require.NoError(t, err)
	assert.Equal(t, "/exports/quote-0f8fad5b-v3.xlsx", art.URL)
}

func TestExport_BadSnapshot(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "", "")
	require.NoError(t, err)

	c, v := testVersion(t)
	v.Snapshot = json.RawMessage(`[1,2]`)
	_, err = e.Export(c, v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode snapshot")
}

func TestFormatMoney(t *testing.T) {
	e, err := NewExporter(t.TempDir(), "", "en-US")
	require.NoError(t, err)

	assert.Contains(t, e.FormatMoney(1234.5, "EUR"), "€")
	assert.Contains(t, e.FormatMoney(99, "USD"), "$")
	assert.Contains(t, e.FormatMoney(10, "XYZ1"), "XYZ1")
}
