package mapping

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/config"
	"github.com/ginjaninja78/usage-reconciler/internal/csvparser"
	"github.com/ginjaninja78/usage-reconciler/internal/schema"
	"github.com/ginjaninja78/usage-reconciler/internal/store"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/internal/xlsxparser"
)

// LoadOptions configures LoadMaster.
type LoadOptions struct {
	CSV   config.CSVSettings
	Sheet string

	// AccountTokens and ExternalTokens locate the header row below any
	// banner lines.
	AccountTokens  []string
	ExternalTokens []string

	Build BuildOptions
}

// OptionsFromConfig derives LoadOptions from the application config.
func OptionsFromConfig(cfg *config.MainConfig, log *zap.Logger) LoadOptions {
	return LoadOptions{
		CSV:            cfg.CSV,
		Sheet:          cfg.Mapping.Sheet,
		AccountTokens:  cfg.Mapping.HeaderAccountTokens,
		ExternalTokens: cfg.Mapping.HeaderExternalTokens,
		Build: BuildOptions{
			Fields: schema.Override(DefaultFields(), cfg.Columns.Master),
			Logger: log,
		},
	}
}

// LoadMaster reads a master list (.xlsx or delimited text) and builds the
// mapping table from it.
func LoadMaster(path string, opts LoadOptions) (*Table, error) {
	match := csvparser.TokenMatcher(opts.AccountTokens, opts.ExternalTokens)

	var (
		table *types.Table
		err   error
	)
	if xlsxparser.IsWorkbook(path) {
		table, err = xlsxparser.ParseFile(path, opts.Sheet, opts.CSV.HeaderScanLimit, match)
	} else {
		table, err = csvparser.ParseFile(path, opts.CSV, match)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read master list: %w", err)
	}

	return Build(table, opts.Build)
}

// Save persists the table as a JSON snapshot.
func (t *Table) Save(path string) error {
	if err := store.WriteJSON(path, t); err != nil {
		return fmt.Errorf("failed to save mapping snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by Save. found is false when no
// snapshot exists.
func LoadSnapshot(path string) (t *Table, found bool, err error) {
	t = New()
	found, err = store.ReadJSON(path, t)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load mapping snapshot: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	t.fillNil()
	return t, true, nil
}

// fillNil replaces maps a hand-edited or older snapshot left out.
func (t *Table) fillNil() {
	empty := New()
	if t.NameToID == nil {
		t.NameToID = empty.NameToID
	}
	if t.AccountToID == nil {
		t.AccountToID = empty.AccountToID
	}
	if t.AccountToExternal == nil {
		t.AccountToExternal = empty.AccountToExternal
	}
	if t.AccountToIncomeEvent == nil {
		t.AccountToIncomeEvent = empty.AccountToIncomeEvent
	}
	if t.AccountToLBPAEvent == nil {
		t.AccountToLBPAEvent = empty.AccountToLBPAEvent
	}
	if t.AccountToDisplay == nil {
		t.AccountToDisplay = empty.AccountToDisplay
	}
	if t.AccountToBaseName == nil {
		t.AccountToBaseName = empty.AccountToBaseName
	}
	if t.NameCounts == nil {
		t.NameCounts = empty.NameCounts
	}
	if t.Columns == nil {
		t.Columns = empty.Columns
	}
}
