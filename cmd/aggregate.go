// =============================================================================
// Usage Reconciler - Aggregate Command
// =============================================================================
//
// Runs one reconciliation: feeds in, usage tables and upload chunks out.
//
// COMMAND USAGE:
//   reconciler aggregate [flags]
//
// FLAGS:
//   --income   : Income feed (.csv or .xlsx)
//   --lbpa     : LBPA feed (.csv or .xlsx)
//   --master   : Master customer list; rebuilds the mapping table first
//   --as-of    : Date every output row with this day (YYYY-MM-DD)
//   --archive  : Move the feed files to the input archive afterwards
//
// When neither feed is named, the input directory is searched for files
// whose names contain "income" and "lbpa".
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/pipeline"
	"github.com/ginjaninja78/usage-reconciler/internal/validation"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	incomeFile string
	lbpaFile   string
	masterFile string
	asOf       string
	archive    bool
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Aggregate the usage feeds into upload files",
	Long: `The aggregate command reads the Income and LBPA feeds, resolves every row to
a billing customer and writes:

  output/usage_upload.csv           mapped usage, one row per customer/event/date
  output/usage_unmapped.csv         rows no customer could be found for
  output/usage_internal.csv         mapped usage with internal columns
  output/chunks/usage_chunks/*.csv  per-customer upload files
  output/chunks/split_chunks/*.csv  per-customer raw feed rows

Rows that fail validation stop the run before any chunk is written unless
continue_on_error is set. A run summary and error log are always written.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runAggregate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().StringVar(&incomeFile, "income", "", "Income feed file (.csv or .xlsx)")
	aggregateCmd.Flags().StringVar(&lbpaFile, "lbpa", "", "LBPA feed file (.csv or .xlsx)")
	aggregateCmd.Flags().StringVar(&masterFile, "master", "", "Master customer list; rebuilds the mapping table")
	aggregateCmd.Flags().StringVar(&asOf, "as-of", "", "Date every output row with this day (YYYY-MM-DD)")
	aggregateCmd.Flags().BoolVar(&archive, "archive", false, "Archive the feed files after a successful run")
}

// =============================================================================
// MAIN PROCESSING FUNCTION
// =============================================================================

func runAggregate(cmd *cobra.Command) error {
	cfg := appConfig
	startTime := time.Now()

	fmt.Println("=== Usage Reconciler ===")

	in := pipeline.Inputs{
		Income:  incomeFile,
		LBPA:    lbpaFile,
		Master:  masterFile,
		Archive: archive || cfg.ArchiveInputs,
	}

	if asOf != "" {
		day, err := time.Parse(utils.DateLayout, asOf)
		if err != nil {
			return fmt.Errorf("--as-of must be %s: %w", utils.DateLayout, err)
		}
		in.AsOf = &day
	}

	if in.Income == "" && in.LBPA == "" {
		fm := utils.NewFileManager(cfg.InputDir, "", "", "")
		var err error
		if in.Income, err = discoverFeed(fm, "*income*"); err != nil {
			return err
		}
		if in.LBPA, err = discoverFeed(fm, "*lbpa*"); err != nil {
			return err
		}
		if in.Income == "" && in.LBPA == "" {
			fmt.Printf("No feed files found in %s.\n", cfg.InputDir)
			return nil
		}
	}

	s, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()

	if in.Master == "" && s.Mapping.Empty() && cfg.Mapping.MasterFile != "" && utils.FileExists(cfg.Mapping.MasterFile) {
		in.Master = cfg.Mapping.MasterFile
	}

	for _, f := range []struct{ name, path string }{{"Income", in.Income}, {"LBPA", in.LBPA}, {"Master", in.Master}} {
		if f.path != "" {
			fmt.Printf("%-7s %s\n", f.name+":", f.path)
		}
	}

	res, err := pipeline.Run(cmd.Context(), s, in, pipeline.Options{
		Config: cfg,
		Logger: appLog,
	})
	if res != nil {
		printSummary(res, time.Since(startTime))
	}
	if errors.Is(err, pipeline.ErrValidationFailed) && res != nil && res.Validation != nil {
		fmt.Println()
		fmt.Print(validation.FormatErrors(res.Validation.Errors))
	}
	return err
}

// discoverFeed returns the newest-named .csv or .xlsx file matching pattern,
// or "" when there is none.
func discoverFeed(fm *utils.FileManager, pattern string) (string, error) {
	files, err := fm.DiscoverInputFiles(pattern)
	if err != nil {
		return "", err
	}

	var feeds []string
	for _, f := range files {
		switch strings.ToLower(filepath.Ext(f)) {
		case ".csv", ".xlsx":
			feeds = append(feeds, f)
		}
	}
	if len(feeds) == 0 {
		return "", nil
	}
	if len(feeds) > 1 {
		appLog.Warn("several feed files match, using the last by name",
			zap.String("pattern", pattern),
			zap.Strings("files", feeds))
	}
	return feeds[len(feeds)-1], nil
}

func printSummary(res *pipeline.Result, elapsed time.Duration) {
	sum := res.Summary

	fmt.Println("\n=== Reconciliation Complete ===")
	fmt.Printf("Run ID:          %s\n", res.RunID)
	for _, in := range sum.Inputs {
		fmt.Printf("%-16s %d rows (%d malformed dates, %d empty quantities)\n",
			in.Feed+":", in.Rows, in.MalformedDates, in.EmptyQuantity)
	}
	fmt.Printf("Mapped rows:     %d\n", sum.MappedRows)
	fmt.Printf("Unmapped rows:   %d\n", sum.UnmappedRows)
	fmt.Printf("Usage chunks:    %d\n", sum.UsageChunks)
	fmt.Printf("Split chunks:    %d\n", sum.SplitChunks)
	fmt.Printf("Time elapsed:    %s\n", elapsed.Round(time.Millisecond))

	if res.Tables.Upload != "" {
		fmt.Printf("\nUpload table:    %s\n", res.Tables.Upload)
	}
	if res.Tables.Unmapped != "" {
		fmt.Printf("Unmapped table:  %s\n", res.Tables.Unmapped)
	}
	if res.SummaryPath != "" {
		fmt.Printf("Run summary:     %s\n", res.SummaryPath)
	}
	if res.ErrorLogPath != "" {
		fmt.Printf("\nProblems have been logged to %s\n", res.ErrorLogPath)
	}
}
