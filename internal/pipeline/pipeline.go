// =============================================================================
// Usage Reconciler - Pipeline
// =============================================================================
//
// Runs one reconciliation end to end.
//
// PIPELINE:
//   1. Rebuild the mapping table when a master list is given
//   2. Read and ingest the Income and LBPA feeds
//   3. Aggregate and resolve customers
//   4. Validate the mapped rows
//   5. Write the usage tables
//   6. Chunk mapped usage per group key
//   7. Chunk the raw feed rows per group key (split files)
//   8. Archive inputs, write the run summary and error log
//
// A validation error stops the run after step 5 unless ContinueOnError is
// set, so no chunk is ever produced from rows that would be rejected.
//
// =============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/aggregate"
	"github.com/ginjaninja78/usage-reconciler/internal/chunker"
	"github.com/ginjaninja78/usage-reconciler/internal/clock"
	"github.com/ginjaninja78/usage-reconciler/internal/config"
	"github.com/ginjaninja78/usage-reconciler/internal/csvparser"
	"github.com/ginjaninja78/usage-reconciler/internal/ingest"
	"github.com/ginjaninja78/usage-reconciler/internal/output"
	"github.com/ginjaninja78/usage-reconciler/internal/schema"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/internal/validation"
	"github.com/ginjaninja78/usage-reconciler/internal/xlsxparser"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// Chunk subdirectories of the configured chunk directory.
const (
	UsageChunkDir = "usage_chunks"
	SplitChunkDir = "split_chunks"
)

var (
	// ErrNoFeeds is returned when neither feed file is given.
	ErrNoFeeds = errors.New("no feed files given")

	// ErrValidationFailed is returned when mapped rows fail validation and
	// ContinueOnError is off. The usage tables have been written; chunks
	// have not.
	ErrValidationFailed = errors.New("validation failed")
)

// =============================================================================
// INPUTS AND RESULT
// =============================================================================

// Inputs names the files of one run.
type Inputs struct {
	// Income and LBPA are feed files (.csv or .xlsx). At least one is
	// required.
	Income string
	LBPA   string

	// Master, when set, rebuilds the mapping table before the run.
	Master string

	// AsOf dates every output row when set.
	AsOf *time.Time

	// Archive moves the feed files to the input archive after chunks are
	// written.
	Archive bool
}

func (in Inputs) feeds() map[types.FeedKind]string {
	out := map[types.FeedKind]string{}
	if in.Income != "" {
		out[types.FeedIncome] = in.Income
	}
	if in.LBPA != "" {
		out[types.FeedLBPA] = in.LBPA
	}
	return out
}

// Options configures Run.
type Options struct {
	Config *config.MainConfig
	Clock  clock.Clock
	Logger *zap.Logger

	// RunID names the run's log files. Empty generates one.
	RunID string
}

// Result is the outcome of a run. It is returned, partially filled, with
// ErrValidationFailed too.
type Result struct {
	RunID string

	Feeds      map[types.FeedKind]*ingest.Result
	Aggregate  *aggregate.Result
	Validation *validation.ValidationResult

	Tables      output.Written
	UsageChunks []string
	SplitChunks []string

	Summary      utils.RunSummary
	SummaryPath  string
	ErrorLogPath string

	// ValidationLogPath is set when validation reported any finding.
	ValidationLogPath string
}

// =============================================================================
// MAIN PROCESSING FUNCTION
// =============================================================================

// Run executes the reconciliation pipeline.
//
// PARAMETERS:
//   - ctx: Bounds remote lookups.
//   - s: The process-wide identity store.
//   - in: The files of this run.
//   - opts: Configuration, clock and logger.
//
// RETURNS:
//   - The run result.
//   - A *ingest.MissingColumnError when a feed lacks a required column,
//     ErrValidationFailed, or an I/O error.
func Run(ctx context.Context, s *IdentityStore, in Inputs, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = utils.NewRunID()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("run_id", runID))

	start := clk.Now()
	today := utils.StartOfDay(start.UTC())
	res := &Result{RunID: runID, Feeds: map[types.FeedKind]*ingest.Result{}}
	var problems []utils.ErrorLogEntry

	fm := utils.NewFileManager("", cfg.OutputDir, cfg.ChunkDir, "")
	if err := fm.EnsureDirectories(); err != nil {
		return nil, err
	}

	// finish writes the summary and error log whatever the outcome.
	finish := func(runErr error) (*Result, error) {
		res.Summary = summarize(res, s, runID, start, clk.Now())
		if runErr != nil {
			problems = append(problems, utils.ErrorLogEntry{
				Timestamp:    clk.Now(),
				Source:       "run",
				ErrorType:    "fatal",
				ErrorMessage: runErr.Error(),
			})
		}

		path, err := utils.WriteSummaryLog(res.Summary, cfg.OutputDir)
		if err != nil {
			log.Warn("failed to write run summary", zap.Error(err))
		}
		res.SummaryPath = path

		if path, err = utils.WriteErrorLog(problems, cfg.OutputDir, runID); err != nil {
			log.Warn("failed to write error log", zap.Error(err))
		}
		res.ErrorLogPath = path
		return res, runErr
	}

	// =========================================================================
	// STEP 1: MAPPING TABLE
	// =========================================================================

	if in.Master != "" {
		if err := s.LoadMaster(in.Master); err != nil {
			return finish(err)
		}
	}
	if s.Mapping.Empty() {
		log.Warn("mapping table is empty, every row will be unresolved; load a master list first")
	}

	// =========================================================================
	// STEP 2: INGEST FEEDS
	// =========================================================================

	paths := in.feeds()
	if len(paths) == 0 {
		return finish(ErrNoFeeds)
	}

	records := make(map[types.FeedKind][]types.UsageRecord, len(paths))
	for _, feed := range types.Feeds {
		path, ok := paths[feed]
		if !ok {
			continue
		}
		table, err := readFeed(path, cfg)
		if err != nil {
			return finish(fmt.Errorf("%s feed: %w", feed, err))
		}

		ing, err := ingest.Ingest(table, ingest.Options{
			Feed:   feed,
			Fields: schema.Override(ingest.DefaultFields(feed), cfg.Columns.Feeds),
			Today:  today,
			Logger: log.Named("ingest"),
		})
		if err != nil {
			return finish(err)
		}
		res.Feeds[feed] = ing
		records[feed] = ing.Records
	}

	// =========================================================================
	// STEP 3: AGGREGATE
	// =========================================================================

	agg := aggregate.Aggregate(ctx, records, s.Mapping, s.Resolver, aggregate.Options{
		AsOf:            in.AsOf,
		Today:           today,
		ResolveExternal: true,
		Parents:         cfg.Mapping.ParentCustomers,
		Logger:          log.Named("aggregate"),
	})
	res.Aggregate = agg
	problems = append(problems, unresolvedProblems(agg, clk.Now())...)

	// =========================================================================
	// STEP 4: VALIDATE
	// =========================================================================

	validator := validation.NewValidator(validation.ValidationOptions{
		RequireUUIDCustomerIDs: cfg.Validation.RequireUUIDCustomerIDs,
	})
	res.Validation = validator.ValidateAll(agg.Mapped)
	for _, ve := range res.Validation.Errors {
		if ve.Severity == validation.SeverityError {
			log.Warn("validation error", zap.String("finding", ve.Error()))
		} else {
			log.Debug("validation warning", zap.String("finding", ve.Error()))
		}
		problems = append(problems, utils.ErrorLogEntry{
			Timestamp:    clk.Now(),
			Source:       "validation",
			ErrorType:    ve.Severity + ": " + ve.Rule,
			ErrorMessage: ve.Message,
			RowNumber:    ve.Row,
			FieldName:    ve.Field,
			FieldValue:   ve.Value,
			CustomerID:   ve.CustomerID,
		})
	}
	if len(res.Validation.Errors) > 0 {
		path := filepath.Join(cfg.OutputDir, fmt.Sprintf("validation_%s.txt", runID))
		if err := validation.WriteErrorLog(res.Validation.Errors, path); err != nil {
			log.Warn("failed to write validation report", zap.Error(err))
		} else {
			res.ValidationLogPath = path
		}
	}

	// =========================================================================
	// STEP 5: WRITE USAGE TABLES
	// =========================================================================

	written, err := output.WriteTables(cfg.OutputDir, output.Tables{
		Upload:   agg.Mapped,
		Unmapped: agg.Unmapped,
		Internal: agg.All,
	}, cfg.WriteWorkbook)
	res.Tables = written
	if err != nil {
		return finish(fmt.Errorf("failed to write usage tables: %w", err))
	}

	if !res.Validation.IsValid && !cfg.ContinueOnError {
		return finish(fmt.Errorf("%w: %d error(s) in %d row(s)",
			ErrValidationFailed, res.Validation.ErrorCount, res.Validation.RowsValidated))
	}

	// =========================================================================
	// STEP 6: USAGE CHUNKS
	// =========================================================================

	labels := groupLabels(agg.Mapped)
	usageDir := filepath.Join(cfg.ChunkDir, UsageChunkDir)
	if _, err := output.ClearChunks(usageDir, cfg.Chunking.UsagePrefix); err != nil {
		return finish(err)
	}
	chunks, err := chunker.Chunk(types.UploadHeaders, types.UsageRows(agg.Mapped), chunker.Options{
		GroupKeyField: types.ColGroupKey,
		OrderField:    types.ColDatetime,
		MaxRows:       cfg.Chunking.MaxRows,
		Prefix:        cfg.Chunking.UsagePrefix,
		Labels:        labels,
		Logger:        log.Named("chunker"),
	})
	if err != nil {
		return finish(err)
	}
	if res.UsageChunks, err = output.WriteChunks(usageDir, chunks); err != nil {
		return finish(err)
	}

	// =========================================================================
	// STEP 7: SPLIT FEED CHUNKS
	// =========================================================================

	if cfg.SplitFeedsEnabled() {
		splitDir := filepath.Join(cfg.ChunkDir, SplitChunkDir)
		if _, err := output.ClearChunks(splitDir, ""); err != nil {
			return finish(err)
		}
		for _, feed := range types.Feeds {
			ing, ok := res.Feeds[feed]
			if !ok {
				continue
			}
			headers, rows := splitRows(feed, agg.Records)
			orderField, _ := ing.Schema.Column(ingest.FieldTimestamp)
			split, err := chunker.Chunk(headers, rows, chunker.Options{
				GroupKeyField: types.ColGroupKey,
				OrderField:    orderField,
				MaxRows:       cfg.Chunking.MaxRows,
				Prefix:        strings.ToLower(string(feed)) + "_",
				Labels:        labels,
				Logger:        log.Named("chunker"),
			})
			if err != nil {
				return finish(err)
			}
			paths, err := output.WriteChunks(splitDir, split)
			res.SplitChunks = append(res.SplitChunks, paths...)
			if err != nil {
				return finish(err)
			}
		}
	}

	// =========================================================================
	// STEP 8: ARCHIVE
	// =========================================================================

	if in.Archive {
		fm.InputArchiveDir = cfg.InputArchiveDir
		fm.UseTimestampSubdirs = true
		for _, feed := range types.Feeds {
			path, ok := paths[feed]
			if !ok {
				continue
			}
			dst, err := fm.ArchiveInputFile(path, clk.Now())
			if err != nil {
				log.Warn("failed to archive input", zap.String("path", path), zap.Error(err))
				continue
			}
			res.Summary.Archived = append(res.Summary.Archived, dst)
		}
	}

	log.Info("run complete",
		zap.Int("mapped", len(agg.Mapped)),
		zap.Int("unmapped", len(agg.Unmapped)),
		zap.Int("usage_chunks", len(res.UsageChunks)),
		zap.Int("split_chunks", len(res.SplitChunks)))
	return finish(nil)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// readFeed reads a feed file. Feeds carry their header on the first row.
func readFeed(path string, cfg *config.MainConfig) (*types.Table, error) {
	if xlsxparser.IsWorkbook(path) {
		return xlsxparser.ParseFile(path, "", cfg.CSV.HeaderScanLimit, nil)
	}
	return csvparser.ParseFile(path, cfg.CSV, nil)
}

// groupLabels maps each group key to the first display name seen for it.
func groupLabels(rows []types.AggregatedUsage) map[string]string {
	labels := make(map[string]string, len(rows))
	for _, r := range rows {
		if _, ok := labels[r.GroupKey]; !ok && r.GroupKey != "" {
			labels[r.GroupKey] = r.CustomerName
		}
	}
	return labels
}

// splitRows returns the resolved source rows of one feed, in their original
// columns plus customer_id. The group key rides along in a column that is
// not written.
func splitRows(feed types.FeedKind, recs []aggregate.ResolvedRecord) ([]string, []map[string]string) {
	var (
		headers []string
		rows    []map[string]string
	)
	for _, rec := range recs {
		if rec.Feed != feed || rec.CustomerID == "" {
			continue
		}
		if headers == nil {
			headers = append([]string(nil), rec.Headers...)
			if !slices.Contains(headers, types.ColCustomerID) {
				headers = append(headers, types.ColCustomerID)
			}
		}

		row := make(map[string]string, len(rec.Fields)+2)
		for k, v := range rec.Fields {
			row[k] = v
		}
		row[types.ColCustomerID] = rec.CustomerID
		row[types.ColGroupKey] = rec.GroupKey
		rows = append(rows, row)
	}
	return headers, rows
}

// unresolvedProblems reports customers that are neither mapped nor queued
// for remediation as numeric codes.
func unresolvedProblems(agg *aggregate.Result, now time.Time) []utils.ErrorLogEntry {
	var out []utils.ErrorLogEntry
	seen := map[string]bool{}
	for _, r := range agg.All {
		if r.CustomerID != "" {
			continue
		}
		key := string(r.Feed) + "|" + r.CustomerName + "|" + r.AccountKey
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, utils.ErrorLogEntry{
			Timestamp:    now,
			Source:       string(r.Feed),
			ErrorType:    "unresolved_customer",
			ErrorMessage: "no customer id for " + r.CustomerName,
			FieldName:    types.ColAccountID,
			FieldValue:   r.AccountKey,
		})
	}
	return out
}

func summarize(res *Result, s *IdentityStore, runID string, start, end time.Time) utils.RunSummary {
	sum := res.Summary
	sum.RunID = runID
	sum.StartTime = start
	sum.EndTime = end

	if s.Mapping != nil {
		sum.MasterSource = s.Mapping.Source
		sum.MasterRows = s.Mapping.Rows
	}
	sum.Inputs = sum.Inputs[:0]
	for _, feed := range types.Feeds {
		ing, ok := res.Feeds[feed]
		if !ok {
			continue
		}
		sum.Inputs = append(sum.Inputs, utils.InputFileInfo{
			Feed:           string(feed),
			Path:           ing.Source,
			Rows:           ing.Stats.Rows,
			MalformedDates: ing.Stats.MalformedDates,
			EmptyQuantity:  ing.Stats.EmptyQuantity,
		})
	}

	if agg := res.Aggregate; agg != nil {
		st := agg.Stats
		sum.Groups = st.Groups
		sum.ByAccount = st.ByAccount
		sum.ByName = st.ByName
		sum.ByExternal = st.ByExternal
		sum.BySharedAccount = st.BySharedAccount
		sum.MappedRows = len(agg.Mapped)
		sum.UnmappedRows = len(agg.Unmapped)
		sum.UnresolvedNamed = st.UnresolvedNamed
	}
	if s.Resolver != nil {
		st := s.Resolver.Stats()
		sum.IdentityCacheHits = st.CacheHits
		sum.RemoteLookups = st.RemoteLookups
		sum.RemoteFailures = st.RemoteFailures
	}
	if v := res.Validation; v != nil {
		sum.ValidationErrors = v.ErrorCount
		sum.ValidationWarnings = v.WarningCount
	}

	sum.UsageChunks = len(res.UsageChunks)
	sum.SplitChunks = len(res.SplitChunks)
	sum.Outputs = sum.Outputs[:0]
	for _, p := range []string{res.Tables.Upload, res.Tables.Unmapped, res.Tables.Internal, res.Tables.Workbook} {
		if p != "" {
			sum.Outputs = append(sum.Outputs, p)
		}
	}
	return sum
}
