// =============================================================================
// Usage Reconciler - Attach Command
// =============================================================================
//
// Uploads each mapped chunk file as an attachment on its invoice.
//
// COMMAND USAGE:
//   reconciler attach [--mapping invoice_mapping.csv] [--test]
//
// OUTPUT:
//   attach_results.csv in the output directory, one row per file with
//   Success or Failed and the reason. A failed upload never stops the batch.
//
// =============================================================================

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/usage-reconciler/internal/attach"
)

var (
	mappingFile string
	testMode    bool
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach mapped chunk files to their invoices",
	Long: `Reads the invoice mapping written by 'reconciler invoices map' and uploads
every chunk file to its invoice. With --test only the first data row of the
first file is sent, as <name>_test.csv, to check credentials and routing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := mappingFile
		if path == "" {
			path = filepath.Join(appConfig.OutputDir, attach.MappingFile)
		}

		mappings, err := attach.LoadMappings(path, writtenCSV())
		if err != nil {
			return err
		}
		if len(mappings) == 0 {
			fmt.Printf("No mappings in %s.\n", path)
			return nil
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()
		if s.Client == nil {
			return errNoAPI
		}

		results := attach.Upload(cmd.Context(), mappings, s.Client, attach.UploadOptions{
			TestMode: testMode,
			CSV:      writtenCSV(),
			Logger:   appLog.Named("attach"),
		})

		resultsPath := filepath.Join(appConfig.OutputDir, attach.ResultsFile)
		if err := attach.WriteResults(resultsPath, results); err != nil {
			return err
		}

		ok := attach.Succeeded(results)
		fmt.Printf("Uploaded:       %d\n", ok)
		fmt.Printf("Failed:         %d\n", len(results)-ok)
		fmt.Printf("Results:        %s\n", resultsPath)
		if testMode {
			fmt.Println("Test mode: only the first row of the first file was sent.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)

	attachCmd.Flags().StringVar(&mappingFile, "mapping", "", "Invoice mapping file (default: <output_dir>/invoice_mapping.csv)")
	attachCmd.Flags().BoolVar(&testMode, "test", false, "Send only the first row of the first file")
}
