package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/usage-reconciler/internal/config"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
)

var masterHeaders = []string{"Name", "Account Name", "Acct #", "NetSuite", "ID", "Rev. Type", "Billing Type"}

func masterRow(name, acctName, acct, ns, id, rev, bill string) map[string]string {
	return map[string]string{
		"Name": name, "Account Name": acctName, "Acct #": acct, "NetSuite": ns,
		"ID": id, "Rev. Type": rev, "Billing Type": bill,
	}
}

func build(t *testing.T, rows ...map[string]string) *Table {
	t.Helper()
	table, err := Build(&types.Table{Headers: masterHeaders, Rows: rows}, BuildOptions{})
	require.NoError(t, err)
	return table
}

func TestBuild_AccountAndNameLookups(t *testing.T) {
	table := build(t,
		masterRow("Acme", "Acme Corp", "12-34", "881.0", "CUST1", "", ""),
		masterRow("Beta", "", "5678", "", "", "", ""),
	)

	id, ok := table.ByAccount("1234")
	assert.True(t, ok)
	assert.Equal(t, "CUST1", id)

	id, ok = table.ByAccount("12 34")
	assert.True(t, ok)
	assert.Equal(t, "CUST1", id)

	id, ok = table.ByName("ACME")
	assert.True(t, ok)
	assert.Equal(t, "CUST1", id)

	ext, ok := table.ByAccountToExternal("12-34")
	assert.True(t, ok)
	assert.Equal(t, "881", ext)

	_, ok = table.ByAccount("5678")
	assert.False(t, ok, "rows without an id do not map accounts")
	_, ok = table.ByName("Beta")
	assert.False(t, ok)

	base, ok := table.BaseName("5678")
	assert.True(t, ok)
	assert.Equal(t, "Beta", base)
}

func TestBuild_AccountKeysAreInjective(t *testing.T) {
	var rows []map[string]string
	for i := 0; i < 50; i++ {
		acct := fmt.Sprintf("%03d-%02d", i, i%7)
		rows = append(rows, masterRow(fmt.Sprintf("Customer %d", i), "", acct, "", fmt.Sprintf("ID%d", i), "", ""))
	}
	table := build(t, rows...)

	for i, row := range rows {
		id, ok := table.ByAccount(row["Acct #"])
		require.True(t, ok, row["Acct #"])
		assert.Equal(t, fmt.Sprintf("ID%d", i), id)
	}
	assert.Empty(t, table.Conflicts)
}

func TestBuild_AccountConflictKeepsFirst(t *testing.T) {
	table := build(t,
		masterRow("Acme", "", "1234", "", "CUST1", "", ""),
		masterRow("Acme Dup", "", "12-34", "", "CUST2", "", ""),
		masterRow("Acme Same", "", "1234", "", "CUST1", "", ""),
	)

	id, _ := table.ByAccount("1234")
	assert.Equal(t, "CUST1", id)
	require.Len(t, table.Conflicts, 1)
	assert.Equal(t, Conflict{AccountKey: "1234", KeptID: "CUST1", IgnoredID: "CUST2", Row: 2}, table.Conflicts[0])
}

func TestBuild_DisplayOverrideOnlyForSharedNames(t *testing.T) {
	table := build(t,
		masterRow("Finastra", "East", "100", "", "P1", "", ""),
		masterRow("Finastra", "West", "200", "", "P1", "", ""),
		masterRow("Finastra", "finastra", "300", "", "P1", "", ""),
		masterRow("Solo", "Solo Sub", "400", "", "S1", "", ""),
	)

	name, ok := table.DisplayOverride("100")
	assert.True(t, ok)
	assert.Equal(t, "Finastra - East", name)

	name, _ = table.DisplayOverride("200")
	assert.Equal(t, "Finastra - West", name)

	_, ok = table.DisplayOverride("300")
	assert.False(t, ok, "differentiator equal to base is skipped")

	_, ok = table.DisplayOverride("400")
	assert.False(t, ok, "unique names need no differentiator")

	assert.Equal(t, 3, table.NameMultiplicity("FINASTRA"))
	assert.Equal(t, 0, table.NameMultiplicity("nobody"))
}

func TestBuild_EventOverrides(t *testing.T) {
	table := build(t,
		masterRow("A", "", "1", "", "A1", "Income", "Units"),
		masterRow("B", "", "2", "", "B1", "LBPA", "Per App"),
		masterRow("C", "", "3", "", "C1", "LoanBeam Per Application", "units based"),
		masterRow("D", "", "4", "", "D1", "Income", ""),
	)

	ev, ok := table.EventOverride("1", types.FeedIncome)
	assert.True(t, ok)
	assert.Equal(t, types.EventUnit, ev)
	_, ok = table.EventOverride("1", types.FeedLBPA)
	assert.False(t, ok)

	ev, _ = table.EventOverride("2", types.FeedLBPA)
	assert.Equal(t, types.EventLBPAApp, ev)

	ev, _ = table.EventOverride("3", types.FeedLBPA)
	assert.Equal(t, types.EventLBPAUnit, ev)

	_, ok = table.EventOverride("4", types.FeedIncome)
	assert.False(t, ok, "blank billing type leaves the default")
}

func TestBuild_NilMaster(t *testing.T) {
	_, err := Build(nil, BuildOptions{})
	assert.Error(t, err)
	assert.True(t, New().Empty())
}

func TestLoadMaster_CSVWithBanner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.csv")
	content := "Client Master Export,,,\n" +
		"Generated 2024-05-01,,,\n" +
		"Name,Acct #,NetSuite ID,Tabs ID\n" +
		"Acme,12-34,881,CUST1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := config.Default()
	table, err := LoadMaster(path, OptionsFromConfig(cfg, nil))
	require.NoError(t, err)

	id, ok := table.ByAccount("1234")
	assert.True(t, ok)
	assert.Equal(t, "CUST1", id)
	assert.Equal(t, "Acct #", table.Columns[FieldAccount])
	assert.Equal(t, path, table.Source)
}

func TestSnapshot_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_mappings.json")

	_, found, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.False(t, found)

	table := build(t, masterRow("Acme", "", "1234", "881", "CUST1", "Income", "Units"))
	require.NoError(t, table.Save(path))

	loaded, found, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.True(t, found)
	id, _ := loaded.ByAccount("1234")
	assert.Equal(t, "CUST1", id)
	ev, _ := loaded.EventOverride("1234", types.FeedIncome)
	assert.Equal(t, types.EventUnit, ev)
}

func TestLoadSnapshot_FillsMissingMaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name_to_id":{"acme":"CUST1"}}`), 0o644))

	loaded, found, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.True(t, found)
	id, ok := loaded.ByName("Acme")
	assert.True(t, ok)
	assert.Equal(t, "CUST1", id)
	_, ok = loaded.ByAccount("1")
	assert.False(t, ok)
}
