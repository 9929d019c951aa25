// =============================================================================
// Usage Reconciler - Master Mapping Table
// =============================================================================
//
// The mapping table is built once per master list and answers every
// identity question the aggregator asks:
//
//   ByName(name)            customer name (or alias)  -> canonical id
//   ByAccount(acct)         account number             -> canonical id
//   ByAccountToExternal()   account number             -> foreign id
//   EventOverride(acct, f)  account number, feed       -> event type
//   DisplayOverride(acct)   account number             -> "Base - Sub" label
//
// Names are keyed with normalize.Name and account numbers with
// normalize.Digits, so lookups are insensitive to case, punctuation and
// separators.
//
// ACCOUNT KEYS:
//   An account key maps to exactly one canonical id. When the master list
//   repeats an account with a different id, the first row wins and the
//   clash is recorded in Conflicts.
//
// =============================================================================

package mapping

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/normalize"
	"github.com/ginjaninja78/usage-reconciler/internal/schema"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
)

// Logical master fields.
const (
	FieldName           = "name"
	FieldAccountName    = "account_name"
	FieldNameWithPrefix = "name_with_prefix"
	FieldCustomerID     = "customer_id"
	FieldAccount        = "account"
	FieldExternalID     = "external_id"
	FieldDifferentiator = "differentiator"
	FieldRevenueType    = "revenue_type"
	FieldBillingType    = "billing_type"
)

// DefaultFields lists the candidate header spellings for each master field,
// in priority order.
func DefaultFields() []schema.FieldSpec {
	return []schema.FieldSpec{
		{Field: FieldName, Candidates: []string{"name", "customer", "customername"}},
		{Field: FieldAccountName, Candidates: []string{"account name", "accountname"}},
		{Field: FieldNameWithPrefix, Candidates: []string{"namewithprefix", "name with prefix"}},
		{Field: FieldCustomerID, Candidates: []string{"id", "tabs id", "tabs_customer_id", "tabscustomerid", "customerid", "customer id"}},
		{Field: FieldAccount, Candidates: []string{"acct#", "acct #", "acctno", "acct no", "acct", "accountid", "account id", "accountnumber", "account number", "acctnum"}},
		{Field: FieldExternalID, Candidates: []string{"netsuite", "netsuite id", "netsuiteid", "ns id", "external id", "netsuite internal id"}},
		{Field: FieldDifferentiator, Candidates: []string{"account name", "name with prefix", "subsidiary", "subsidiary name"}},
		{Field: FieldRevenueType, Candidates: []string{"rev. type", "rev type", "revenue type", "rev"}},
		{Field: FieldBillingType, Candidates: []string{"billing type", "billing", "bill type"}},
	}
}

// Conflict records a master row whose account key was already mapped to a
// different canonical id.
type Conflict struct {
	AccountKey string `json:"account_key"`
	KeptID     string `json:"kept_id"`
	IgnoredID  string `json:"ignored_id"`
	Row        int    `json:"row"`
}

// Table holds the lookup indexes. The exported maps are the persisted
// snapshot form; use the lookup methods rather than reading them directly.
type Table struct {
	NameToID             map[string]string            `json:"name_to_id"`
	AccountToID          map[string]string            `json:"account_to_id"`
	AccountToExternal    map[string]string            `json:"account_to_external_id"`
	AccountToIncomeEvent map[string]types.BillingKind `json:"account_to_income_event"`
	AccountToLBPAEvent   map[string]types.BillingKind `json:"account_to_lbpa_event"`
	AccountToDisplay     map[string]string            `json:"account_to_display_name"`
	AccountToBaseName    map[string]string            `json:"account_to_base_name"`
	NameCounts           map[string]int               `json:"name_counts"`

	// Columns is the resolved field -> header mapping of the master file.
	Columns   map[string]string `json:"columns"`
	Conflicts []Conflict        `json:"conflicts,omitempty"`

	Source  string    `json:"source"`
	Rows    int       `json:"rows"`
	BuiltAt time.Time `json:"built_at"`
}

// New returns an empty table. Every lookup on it misses.
func New() *Table {
	return &Table{
		NameToID:             map[string]string{},
		AccountToID:          map[string]string{},
		AccountToExternal:    map[string]string{},
		AccountToIncomeEvent: map[string]types.BillingKind{},
		AccountToLBPAEvent:   map[string]types.BillingKind{},
		AccountToDisplay:     map[string]string{},
		AccountToBaseName:    map[string]string{},
		NameCounts:           map[string]int{},
		Columns:              map[string]string{},
	}
}

// BuildOptions configures Build.
type BuildOptions struct {
	// Fields overrides DefaultFields.
	Fields []schema.FieldSpec
	Logger *zap.Logger
	Now    func() time.Time
}

// Build indexes the rows of a master table.
//
// PARAMETERS:
//   - master: The parsed master list (header already detected).
//   - opts: Field candidates and logger.
//
// RETURNS:
//   - The mapping table. Missing master columns only disable the lookups
//     that need them.
//   - An error if master is nil.
func Build(master *types.Table, opts BuildOptions) (*Table, error) {
	if master == nil {
		return nil, fmt.Errorf("master table is nil")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	fields := opts.Fields
	if len(fields) == 0 {
		fields = DefaultFields()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	s := schema.Resolve(master.Headers, fields)
	log.Info("master columns resolved",
		zap.String("source", master.SourceFile),
		zap.Int("header_row", master.HeaderRow),
		zap.String("columns", s.String()))
	for _, f := range []string{FieldCustomerID, FieldName, FieldAccount} {
		if !s.Has(f) {
			log.Warn("master column not found, lookup disabled", zap.String("field", f))
		}
	}

	t := New()
	t.Columns = s.Columns()
	t.Source = master.SourceFile
	t.Rows = master.RowCount()
	t.BuiltAt = now().UTC()

	value := func(row map[string]string, field string) string {
		return normalize.Clean(s.Value(row, field))
	}

	// multiplicity first: display overrides depend on it
	for _, row := range master.Rows {
		if key := normalize.Name(value(row, FieldName)); key != "" {
			t.NameCounts[key]++
		}
	}

	for i, row := range master.Rows {
		id := value(row, FieldCustomerID)
		name := value(row, FieldName)
		acct := normalize.Digits(value(row, FieldAccount))

		if id != "" {
			t.addName(name, id)
			t.addName(value(row, FieldNameWithPrefix), id)

			if acct != "" {
				if kept, ok := t.AccountToID[acct]; ok && kept != id {
					t.Conflicts = append(t.Conflicts, Conflict{AccountKey: acct, KeptID: kept, IgnoredID: id, Row: i + 1})
					log.Warn("account number mapped to multiple customer ids, keeping first",
						zap.String("account", acct),
						zap.String("kept_id", kept),
						zap.String("ignored_id", id),
						zap.Int("row", i+1))
				} else if !ok {
					t.AccountToID[acct] = id
				}
			}
		}

		if acct == "" {
			continue
		}

		if ext := normalize.ExternalID(value(row, FieldExternalID)); ext != "" {
			t.AccountToExternal[acct] = ext
		}

		base := name
		if base == "" {
			base = value(row, FieldAccountName)
		}
		if base != "" {
			t.AccountToBaseName[acct] = base
		}

		if diff := value(row, FieldDifferentiator); diff != "" && name != "" {
			if t.NameCounts[normalize.Name(name)] > 1 && normalize.Name(diff) != normalize.Name(name) {
				t.AccountToDisplay[acct] = name + " - " + diff
			}
		}

		t.addEventOverride(acct, value(row, FieldRevenueType), value(row, FieldBillingType))
	}

	log.Info("mapping table built",
		zap.Int("rows", t.Rows),
		zap.Int("names", len(t.NameToID)),
		zap.Int("accounts", len(t.AccountToID)),
		zap.Int("external_ids", len(t.AccountToExternal)),
		zap.Int("conflicts", len(t.Conflicts)))

	return t, nil
}

func (t *Table) addName(name, id string) {
	key := normalize.Name(name)
	if key == "" {
		return
	}
	if _, ok := t.NameToID[key]; !ok {
		t.NameToID[key] = id
	}
}

// addEventOverride derives the billing kind from the billing type column and
// attaches it to whichever feeds the revenue type names.
func (t *Table) addEventOverride(acct, revType, billType string) {
	rev := strings.ToLower(revType)
	bill := strings.ToLower(billType)

	var kind types.BillingKind
	switch {
	case strings.Contains(bill, "unit"):
		kind = types.BillingUnits
	case bill != "":
		kind = types.BillingPerApplication
	default:
		return
	}

	if strings.Contains(rev, "income") {
		t.AccountToIncomeEvent[acct] = kind
	}
	if strings.Contains(rev, "lbpa") || strings.Contains(rev, "l b p a") || strings.Contains(rev, "loanbeam per application") {
		t.AccountToLBPAEvent[acct] = kind
	}
}

// =============================================================================
// LOOKUPS
// =============================================================================

// ByName resolves a customer name or alias.
func (t *Table) ByName(name string) (string, bool) {
	id, ok := t.NameToID[normalize.Name(name)]
	return id, ok && id != ""
}

// ByAccount resolves an account number (any formatting).
func (t *Table) ByAccount(account string) (string, bool) {
	id, ok := t.AccountToID[normalize.Digits(account)]
	return id, ok && id != ""
}

// ByAccountToExternal returns the foreign id recorded for an account.
func (t *Table) ByAccountToExternal(account string) (string, bool) {
	ext, ok := t.AccountToExternal[normalize.Digits(account)]
	return ext, ok && ext != ""
}

// EventOverride returns the event type the master list assigns to an
// account for a feed.
func (t *Table) EventOverride(account string, feed types.FeedKind) (string, bool) {
	key := normalize.Digits(account)
	var (
		kind types.BillingKind
		ok   bool
	)
	switch feed {
	case types.FeedIncome:
		kind, ok = t.AccountToIncomeEvent[key]
	case types.FeedLBPA:
		kind, ok = t.AccountToLBPAEvent[key]
	}
	if !ok {
		return "", false
	}
	return types.EventTypeFor(feed, kind), true
}

// DisplayOverride returns the "Base - Sub" label for an account whose base
// name is shared by several master rows.
func (t *Table) DisplayOverride(account string) (string, bool) {
	name, ok := t.AccountToDisplay[normalize.Digits(account)]
	return name, ok && name != ""
}

// BaseName returns the master name recorded for an account.
func (t *Table) BaseName(account string) (string, bool) {
	name, ok := t.AccountToBaseName[normalize.Digits(account)]
	return name, ok && name != ""
}

// NameMultiplicity returns how many master rows carry name.
func (t *Table) NameMultiplicity(name string) int {
	return t.NameCounts[normalize.Name(name)]
}

// Empty reports whether the table has no identity indexes at all.
func (t *Table) Empty() bool {
	return t == nil || (len(t.NameToID) == 0 && len(t.AccountToID) == 0 && len(t.AccountToExternal) == 0)
}
