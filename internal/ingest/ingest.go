// =============================================================================
// Usage Reconciler - Feed Ingestor
// =============================================================================
//
// Turns one parsed feed file (Income or LBPA) into immutable UsageRecords.
//
// COLUMN RESOLUTION:
//   Each feed declares its logical fields with ordered candidate spellings
//   (see DefaultFields). The resolved schema is logged so a reader can see
//   exactly which header fed which field.
//
// TOLERATED GAPS:
//   - No timestamp column: every row is stamped with Options.Today.
//   - Name column present but entirely empty: the account-name column is
//     used instead when it has any value.
//   - Empty or non-numeric quantity cells count as 0.
//   - Unparseable timestamps keep the raw text and a zero Timestamp.
//
// FATAL:
//   A missing name or quantity column returns a *MissingColumnError.
//
// =============================================================================

package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/normalize"
	"github.com/ginjaninja78/usage-reconciler/internal/schema"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// Logical feed fields.
const (
	FieldName         = "name"
	FieldOriginalName = "original_name"
	FieldAccount      = "account"
	FieldTimestamp    = "timestamp"
	FieldQuantity     = "quantity"
	FieldApplications = "applications"
	FieldUnits        = "units"
)

// ErrMissingColumn is the FatalIngestion sentinel.
var ErrMissingColumn = errors.New("required column missing")

// MissingColumnError names the feed and logical field that could not be
// resolved, along with the spellings that were tried.
type MissingColumnError struct {
	Feed       types.FeedKind
	Field      string
	Candidates []string
	Source     string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("%s feed %s: %s column not found (tried %s)",
		e.Feed, e.Source, e.Field, strings.Join(e.Candidates, ", "))
}

func (e *MissingColumnError) Unwrap() error { return ErrMissingColumn }

// DefaultFields returns the field declarations for a feed.
func DefaultFields(feed types.FeedKind) []schema.FieldSpec {
	quantity := []string{"isinitialsubmission", "perapplication", "applicationcount"}
	if feed == types.FeedLBPA {
		quantity = []string{"unitsaspersubmission", "units", "unitcount"}
	}
	return []schema.FieldSpec{
		{Field: FieldName, Candidates: []string{"customername", "accountname", "name"}, Required: true},
		{Field: FieldOriginalName, Candidates: []string{"accountname"}},
		{Field: FieldAccount, Candidates: []string{"accountid", "acct#", "acct", "account number", "accountnumber"}},
		{Field: FieldTimestamp, Candidates: []string{"submissiondate", "date", "createdon", "datetime"}},
		{Field: FieldQuantity, Candidates: quantity, Required: true},
		{Field: FieldApplications, Candidates: []string{types.ColApplications}},
		{Field: FieldUnits, Candidates: []string{types.ColUnits}},
	}
}

// Options configures Ingest.
type Options struct {
	Feed types.FeedKind

	// Fields overrides DefaultFields(Feed).
	Fields []schema.FieldSpec

	// Today stamps rows of a feed with no timestamp column. Zero means the
	// current UTC date.
	Today time.Time

	Logger *zap.Logger
}

// Stats summarises one ingestion.
type Stats struct {
	Rows           int
	MalformedDates int
	EmptyQuantity  int
	UsedToday      bool
	NameFallback   bool
}

// Result is the ingested feed.
type Result struct {
	Feed    types.FeedKind
	Source  string
	Records []types.UsageRecord
	Schema  schema.Schema
	Stats   Stats
}

// Ingest converts a parsed feed table into usage records.
//
// PARAMETERS:
//   - table: The parsed feed file.
//   - opts: Feed kind, optional field overrides, the fallback date and logger.
//
// RETURNS:
//   - The records in file order, with the resolved schema and counters.
//   - A *MissingColumnError when the name or quantity column is absent.
func Ingest(table *types.Table, opts Options) (*Result, error) {
	if table == nil {
		return nil, fmt.Errorf("%s feed: no table", opts.Feed)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	fields := opts.Fields
	if len(fields) == 0 {
		fields = DefaultFields(opts.Feed)
	}

	s := schema.Resolve(table.Headers, fields)
	for _, spec := range fields {
		if spec.Required && !s.Has(spec.Field) {
			return nil, &MissingColumnError{
				Feed:       opts.Feed,
				Field:      spec.Field,
				Candidates: spec.Candidates,
				Source:     table.SourceFile,
			}
		}
	}

	res := &Result{Feed: opts.Feed, Source: table.SourceFile, Schema: s}
	log.Info("feed columns resolved",
		zap.String("feed", string(opts.Feed)),
		zap.String("source", table.SourceFile),
		zap.String("columns", s.String()))

	today := opts.Today
	if today.IsZero() {
		today = utils.Today()
	}
	if !s.Has(FieldTimestamp) {
		res.Stats.UsedToday = true
		log.Warn("feed has no timestamp column, using today",
			zap.String("feed", string(opts.Feed)),
			zap.String("date", utils.FormatDate(today)))
	}

	nameField := FieldName
	if allBlank(table.Rows, s, FieldName) && s.Has(FieldOriginalName) && !allBlank(table.Rows, s, FieldOriginalName) {
		nameField = FieldOriginalName
		res.Stats.NameFallback = true
		log.Warn("name column is empty, falling back to account name",
			zap.String("feed", string(opts.Feed)))
	}

	_, hasApps := s.Column(FieldApplications)
	_, hasUnits := s.Column(FieldUnits)

	res.Records = make([]types.UsageRecord, 0, len(table.Rows))
	for i, row := range table.Rows {
		rec := types.UsageRecord{
			Feed:            opts.Feed,
			Row:             i + 1,
			Name:            normalize.Clean(s.Value(row, nameField)),
			OriginalName:    originalLabel(row, s),
			AccountNumber:   normalize.Clean(s.Value(row, FieldAccount)),
			HasApplications: hasApps,
			HasUnits:        hasUnits,
			Fields:          row,
			Headers:         table.Headers,
		}
		rec.AccountKey = normalize.Digits(rec.AccountNumber)

		raw := s.Value(row, FieldQuantity)
		rec.Quantity = parseQuantity(raw)
		if normalize.IsBlank(raw) {
			res.Stats.EmptyQuantity++
		}
		if hasApps {
			rec.Applications = parseQuantity(s.Value(row, FieldApplications))
		}
		if hasUnits {
			rec.Units = parseQuantity(s.Value(row, FieldUnits))
		}

		if res.Stats.UsedToday {
			rec.Timestamp = today
			rec.RawTimestamp = utils.FormatDate(today)
		} else {
			rec.RawTimestamp = s.Value(row, FieldTimestamp)
			ts, ok := utils.ParseTimestamp(rec.RawTimestamp)
			if ok {
				rec.Timestamp = ts
			} else {
				res.Stats.MalformedDates++
				log.Debug("malformed timestamp",
					zap.String("feed", string(opts.Feed)),
					zap.Int("row", rec.Row),
					zap.String("value", rec.RawTimestamp))
			}
		}

		res.Records = append(res.Records, rec)
	}
	res.Stats.Rows = len(res.Records)

	if res.Stats.MalformedDates > 0 {
		log.Warn("rows with unparseable timestamps",
			zap.String("feed", string(opts.Feed)),
			zap.Int("count", res.Stats.MalformedDates))
	}
	return res, nil
}

// originalLabel keeps the account label verbatim; only spreadsheet null
// spellings are blanked.
func originalLabel(row map[string]string, s schema.Schema) string {
	h, ok := s.Column(FieldOriginalName)
	if !ok {
		return ""
	}
	if normalize.IsBlank(row[h]) {
		return ""
	}
	return row[h]
}

func allBlank(rows []map[string]string, s schema.Schema, field string) bool {
	for _, row := range rows {
		if !normalize.IsBlank(s.Value(row, field)) {
			return false
		}
	}
	return true
}

// parseQuantity reads a numeric cell. Thousands separators are tolerated;
// blanks and garbage are 0. Flag columns exported as true/false count 1/0.
func parseQuantity(raw string) decimal.Decimal {
	v := normalize.Clean(raw)
	switch strings.ToLower(v) {
	case "":
		return decimal.Zero
	case "true":
		return decimal.NewFromInt(1)
	case "false":
		return decimal.Zero
	}
	v = strings.ReplaceAll(v, ",", "")
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
