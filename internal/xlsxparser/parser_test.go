package xlsxparser

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/usage-reconciler/internal/csvparser"
)

func writeMasterWorkbook(t *testing.T, path string) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	rows := [][]any{
		{"Client Master"},
		{},
		{"Name", "Acct #", "NetSuite ID", "Tabs ID"},
		{"Acme", "12-34", 881, "CUST1"},
		{"Beta", "5678"},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow(sheet, cell, &r))
	}
	require.NoError(t, f.SaveAs(path))
}

func TestParseFile_DetectsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.xlsx")
	writeMasterWorkbook(t, path)

	match := csvparser.TokenMatcher([]string{"acct #"}, []string{"netsuite"})
	table, err := ParseFile(path, "", 500, match)
	require.NoError(t, err)

	assert.Equal(t, []string{"Name", "Acct #", "NetSuite ID", "Tabs ID"}, table.Headers)
	require.Len(t, table.Rows, 2)
	assert.Equal(t, "881", table.Rows[0]["NetSuite ID"])
	assert.Equal(t, "CUST1", table.Rows[0]["Tabs ID"])
	assert.Equal(t, "", table.Rows[1]["Tabs ID"], "short rows padded")
	assert.Equal(t, path, table.SourceFile)
}

func TestParseFile_UnknownSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.xlsx")
	writeMasterWorkbook(t, path)

	_, err := ParseFile(path, "Nope", 500, nil)
	assert.ErrorContains(t, err, "not found")
}

func TestIsWorkbook(t *testing.T) {
	assert.True(t, IsWorkbook("a/b/Master.XLSX"))
	assert.False(t, IsWorkbook("master.csv"))
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.xlsx")
	err := WriteFile(path, []Sheet{
		{Name: "Usage", Headers: []string{"customer_id", "value"}, Rows: []map[string]string{{"customer_id": "C1", "value": "5"}}},
		{Name: "Unmapped", Headers: []string{"customer_id", "value"}},
	})
	require.NoError(t, err)

	table, err := ParseFile(path, "Usage", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []map[string]string{{"customer_id": "C1", "value": "5"}}, table.Rows)

	table, err = ParseFile(path, "Unmapped", 0, nil)
	require.NoError(t, err)
	assert.Empty(t, table.Rows)

	assert.Error(t, WriteFile(path, nil))
}
