package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/usage-reconciler/internal/attach"
	"github.com/ginjaninja78/usage-reconciler/internal/pipeline"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// errNoAPI is returned by commands that must reach the billing API.
var errNoAPI = errors.New("billing API unavailable: set TABS_API_KEY (or api.token) and drop --offline")

var invoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Map chunk files to invoices and manage the invoice snapshot",
}

var (
	chunkDir  string
	issueDate string
)

var invoicesMapCmd = &cobra.Command{
	Use:   "map",
	Short: "Find the invoice for every chunk file",
	Long: `Reads the customer id from each chunk file, finds that customer's invoice
(optionally issued on --issue-date) and writes invoice_mapping.csv to the
output directory. Files without a match go to invoice_mapping_problems.csv.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var date *time.Time
		if issueDate != "" {
			d, err := time.Parse(utils.DateLayout, issueDate)
			if err != nil {
				return fmt.Errorf("--issue-date must be %s: %w", utils.DateLayout, err)
			}
			date = &d
		}

		dir := chunkDir
		if dir == "" {
			dir = defaultChunkDir()
		}
		files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Printf("No chunk files in %s.\n", dir)
			return nil
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		mappings, problems := attach.MapInvoices(cmd.Context(), files, s.Invoices, date, writtenCSV(), appLog.Named("attach"))
		mappingPath, problemsPath, err := attach.WriteMappings(appConfig.OutputDir, mappings, problems)
		if err != nil {
			return err
		}

		fmt.Printf("Chunk files:    %d\n", len(files))
		fmt.Printf("Mapped:         %d -> %s\n", len(mappings), mappingPath)
		if problemsPath != "" {
			fmt.Printf("Problems:       %d -> %s\n", len(problems), problemsPath)
		}
		return nil
	},
}

var invoicesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refetch the full invoice index and replace the snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if s.Client == nil {
			return errNoAPI
		}
		n, err := s.Invoices.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Invoice snapshot refreshed: %d invoices\n", n)
		return nil
	},
}

var invoicesClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the invoice snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.Invoices.Clear(); err != nil {
			return err
		}
		fmt.Println("Invoice snapshot cleared.")
		return nil
	},
}

var invoicesStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the invoice snapshot's size and age",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		st := s.Invoices.Status()
		fmt.Printf("Snapshot:       %s\n", st.Path)
		if !st.Present {
			fmt.Println("Status:         none")
			return nil
		}
		state := "fresh"
		if st.Stale {
			state = "stale"
		}
		fmt.Printf("Status:         %s\n", state)
		fmt.Printf("Invoices:       %d\n", st.Count)
		fmt.Printf("Captured at:    %s\n", st.CapturedAt.Format(time.RFC3339))
		fmt.Printf("Age:            %s\n", st.Age.Round(time.Second))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(invoicesCmd)
	invoicesCmd.AddCommand(invoicesMapCmd, invoicesRefreshCmd, invoicesClearCmd, invoicesStatusCmd)

	invoicesMapCmd.Flags().StringVar(&chunkDir, "dir", "", "Directory of chunk files (default: split chunks, else usage chunks)")
	invoicesMapCmd.Flags().StringVar(&issueDate, "issue-date", "", "Prefer invoices issued on this day (YYYY-MM-DD)")
}

// defaultChunkDir prefers the split chunks, which carry the raw feed rows
// customers are billed from, and falls back to the usage chunks.
func defaultChunkDir() string {
	split := filepath.Join(appConfig.ChunkDir, pipeline.SplitChunkDir)
	if files, _ := filepath.Glob(filepath.Join(split, "*.csv")); len(files) > 0 {
		return split
	}
	return filepath.Join(appConfig.ChunkDir, pipeline.UsageChunkDir)
}
