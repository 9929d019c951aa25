// =============================================================================
// Usage Reconciler - Shared Types
// =============================================================================
//
// This package contains shared types used across multiple modules to avoid
// import cycles. Types defined here are used by:
//   - csvparser / xlsxparser (Table)
//   - ingest, aggregate (UsageRecord, AggregatedUsage)
//   - chunker, output, pipeline (Chunk, upload column layout)
//
// =============================================================================

package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TABLES
// =============================================================================

// Table is a parsed tabular input: a header row plus data rows keyed by
// header. Both the delimited-text reader and the workbook reader produce it.
type Table struct {
	// Headers in file order, cleaned (trimmed, BOM stripped, blanks named
	// Column_N).
	Headers []string

	// Rows keyed by header. Every row carries every header.
	Rows []map[string]string

	// SourceFile is the path the table was read from, for error reporting.
	SourceFile string

	// HeaderRow is the zero-based record index the header was found at.
	// Non-zero when banner lines precede the real header.
	HeaderRow int
}

// RowCount returns the number of data rows.
func (t *Table) RowCount() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// =============================================================================
// FEEDS AND EVENT TYPES
// =============================================================================

// FeedKind identifies which upstream feed a record came from.
type FeedKind string

const (
	FeedIncome FeedKind = "Income"
	FeedLBPA   FeedKind = "LBPA"
)

// Feeds lists the feeds in processing order.
var Feeds = []FeedKind{FeedIncome, FeedLBPA}

// BillingKind is how a customer is billed for a feed.
type BillingKind string

const (
	BillingPerApplication BillingKind = "Per Application"
	BillingUnits          BillingKind = "Units"
)

// DefaultBilling returns the billing kind a feed uses when the master list
// carries no override for the account.
func (f FeedKind) DefaultBilling() BillingKind {
	if f == FeedLBPA {
		return BillingUnits
	}
	return BillingPerApplication
}

// Event type vocabulary of the downstream billing system.
const (
	EventApp      = "app"
	EventUnit     = "unit"
	EventLBPAApp  = "LBPA app"
	EventLBPAUnit = "LBPA unit"
)

// EventTypes is the full vocabulary.
var EventTypes = []string{EventApp, EventUnit, EventLBPAApp, EventLBPAUnit}

// EventTypeFor maps feed origin and billing kind to an event type.
func EventTypeFor(feed FeedKind, billing BillingKind) string {
	switch {
	case feed == FeedLBPA && billing == BillingUnits:
		return EventLBPAUnit
	case feed == FeedLBPA:
		return EventLBPAApp
	case billing == BillingUnits:
		return EventUnit
	default:
		return EventApp
	}
}

// IsUnitEvent reports whether an event type is billed on units.
func IsUnitEvent(eventType string) bool {
	return strings.Contains(strings.ToLower(eventType), "unit")
}

// IsKnownEvent reports whether eventType is part of the vocabulary.
func IsKnownEvent(eventType string) bool {
	for _, e := range EventTypes {
		if e == eventType {
			return true
		}
	}
	return false
}

// =============================================================================
// USAGE RECORDS
// =============================================================================

// UsageRecord is one transaction row from a feed, as read by the ingestor.
// Records are never modified after ingestion.
type UsageRecord struct {
	Feed FeedKind

	// Row is the one-based data row number in the source file.
	Row int

	// Name is the primary customer name used for grouping and lookup.
	Name string

	// OriginalName is the untouched secondary account label, kept verbatim
	// because sub-account differentiation depends on it.
	OriginalName string

	AccountNumber string
	AccountKey    string

	// Timestamp is zero when RawTimestamp could not be parsed.
	Timestamp    time.Time
	RawTimestamp string

	// Quantity is the feed's primary quantity. Empty or invalid cells are 0.
	Quantity decimal.Decimal

	// Applications and Units are the per-kind quantity columns. HasX is false
	// when the feed has no such column.
	Applications    decimal.Decimal
	HasApplications bool
	Units           decimal.Decimal
	HasUnits        bool

	// Fields and Headers keep the source row for per-customer split files.
	Fields  map[string]string
	Headers []string
}

// ValueFor returns the quantity this record contributes to an event type.
func (r UsageRecord) ValueFor(eventType string) decimal.Decimal {
	if IsUnitEvent(eventType) {
		if r.HasUnits {
			return r.Units
		}
		return r.Quantity
	}
	if r.HasApplications {
		return r.Applications
	}
	return r.Quantity
}

// =============================================================================
// AGGREGATED USAGE
// =============================================================================

// Upload column layout expected by the billing system.
const (
	ColCustomerID      = "customer_id"
	ColCustomerName    = "CustomerName"
	ColEventType       = "event_type_name"
	ColDatetime        = "datetime"
	ColApplicationType = "ApplicationTypeName"
	ColUnits           = "UnitsAsPerSubmission"
	ColApplications    = "IsInitialSubmission"
	ColValue           = "value"
	ColDifferentiator  = "differentiator"
	ColAccountID       = "account_id"
	ColGroupKey        = "group_key"
)

// UploadHeaders is the column order of the upload and unmapped tables.
var UploadHeaders = []string{
	ColCustomerID,
	ColCustomerName,
	ColEventType,
	ColDatetime,
	ColApplicationType,
	ColUnits,
	ColApplications,
	ColValue,
	ColDifferentiator,
}

// InternalHeaders extends UploadHeaders with the audit columns.
var InternalHeaders = append(append([]string(nil), UploadHeaders...), ColAccountID, ColGroupKey)

// AggregatedUsage is one output row.
type AggregatedUsage struct {
	CustomerID     string
	CustomerName   string
	EventType      string
	Date           string
	Feed           FeedKind
	Units          decimal.Decimal
	Applications   decimal.Decimal
	Value          decimal.Decimal
	Differentiator string
	AccountKey     string
	GroupKey       string
}

// ToRow renders the row in the InternalHeaders layout. Writers pick the
// columns they need.
func (a AggregatedUsage) ToRow() map[string]string {
	return map[string]string{
		ColCustomerID:      a.CustomerID,
		ColCustomerName:    a.CustomerName,
		ColEventType:       a.EventType,
		ColDatetime:        a.Date,
		ColApplicationType: string(a.Feed),
		ColUnits:           a.Units.String(),
		ColApplications:    a.Applications.String(),
		ColValue:           a.Value.String(),
		ColDifferentiator:  a.Differentiator,
		ColAccountID:       a.AccountKey,
		ColGroupKey:        a.GroupKey,
	}
}

// UsageRows converts rows for writing.
func UsageRows(rows []AggregatedUsage) []map[string]string {
	out := make([]map[string]string, len(rows))
	for i, r := range rows {
		out[i] = r.ToRow()
	}
	return out
}

// =============================================================================
// CHUNKS
// =============================================================================

// Chunk is a bounded run of rows that share one group key.
type Chunk struct {
	// Key is the group key value shared by every row.
	Key string

	// Part is one-based; Parts is the number of chunks for Key.
	Part  int
	Parts int

	FileName string
	Headers  []string
	Rows     []map[string]string
}
