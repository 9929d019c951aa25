package csvparser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/usage-reconciler/internal/config"
)

var masterMatcher = TokenMatcher(
	[]string{"acct#", "acct #", "accountid", "account id"},
	[]string{"netsuite", "external id"},
)

func TestParse_SkipsBannerLines(t *testing.T) {
	input := strings.Join([]string{
		"Customer Master Report",
		"Generated 2024-03-01,,",
		"",
		"\ufeffName,  Acct #  ,NetSuite ID,",
		"Acme,12-34,881.0,",
		",,,",
		"Beta,5678,990,",
	}, "\n")

	table, err := Parse(strings.NewReader(input), config.CSVSettings{HeaderScanLimit: 500}, masterMatcher)
	require.NoError(t, err)

	assert.Equal(t, 2, table.HeaderRow, "blank lines are not records")
	assert.Equal(t, []string{"Name", "Acct #", "NetSuite ID", "Column_4"}, table.Headers)
	require.Len(t, table.Rows, 2, "blank row skipped")
	assert.Equal(t, "12-34", table.Rows[0]["Acct #"])
	assert.Equal(t, "990", table.Rows[1]["NetSuite ID"])
}

func TestParse_NoMatchDefaultsToFirstRecord(t *testing.T) {
	input := "Name,Account\nAcme,1\n"
	table, err := Parse(strings.NewReader(input), config.CSVSettings{}, masterMatcher)
	require.NoError(t, err)

	assert.Equal(t, 0, table.HeaderRow)
	assert.Equal(t, []string{"Name", "Account"}, table.Headers)
	assert.Len(t, table.Rows, 1)
}

func TestParse_ScanLimitBoundsSearch(t *testing.T) {
	input := "banner\nbanner\nName,Acct#,NetSuite\nAcme,1,2\n"
	table, err := Parse(strings.NewReader(input), config.CSVSettings{HeaderScanLimit: 2}, masterMatcher)
	require.NoError(t, err)
	assert.Equal(t, 0, table.HeaderRow)
}

func TestParse_RaggedRowsAndDelimiter(t *testing.T) {
	input := "a|b|c\n1|2\n4|5|6|7\n"
	table, err := Parse(strings.NewReader(input), config.CSVSettings{Delimiter: "pipe"}, nil)
	require.NoError(t, err)

	require.Len(t, table.Rows, 2)
	assert.Equal(t, "", table.Rows[0]["c"])
	assert.Equal(t, "6", table.Rows[1]["c"])
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader(""), config.CSVSettings{}, nil)
	assert.Error(t, err)
}

func TestCleanHeaders(t *testing.T) {
	got := cleanHeaders([]string{"\ufeff\"Customer   Name\"", " ", "Units"})
	assert.Equal(t, []string{"Customer Name", "Column_2", "Units"}, got)
}

func TestStreamingParser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk.csv")
	require.NoError(t, os.WriteFile(path, []byte("customer_id,value\n\nC1,3\nC1,4\n"), 0o644))

	p, err := NewStreamingParser(path, config.CSVSettings{})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, []string{"customer_id", "value"}, p.Headers())

	var values []string
	for p.Next() {
		values = append(values, p.Row()["value"])
	}
	require.NoError(t, p.Err())
	assert.Equal(t, []string{"3", "4"}, values)
	assert.Equal(t, 3, p.RowNumber())
}

func TestParseFile_SetsSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.csv")
	require.NoError(t, os.WriteFile(path, []byte("Name,Units\nAcme,5\n"), 0o644))

	table, err := ParseFile(path, config.CSVSettings{}, nil)
	require.NoError(t, err)
	assert.Equal(t, path, table.SourceFile)
	assert.Equal(t, 1, table.RowCount())

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.csv"), config.CSVSettings{}, nil)
	assert.Error(t, err)
}
