package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ginjaninja78/usage-reconciler/internal/normalize"
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Build and inspect the customer mapping table",
}

var mappingsBuildCmd = &cobra.Command{
	Use:   "build [master-file]",
	Short: "Rebuild the mapping table from the master customer list",
	Long: `Reads the master customer list (.csv or .xlsx), locates its header row,
rebuilds every lookup index and saves the snapshot to the cache directory.
Without an argument the configured mapping.master_file is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := appConfig.Mapping.MasterFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no master file given and mapping.master_file is not set")
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.LoadMaster(path); err != nil {
			return err
		}
		printMappingStats(s.Mapping.Source, s.Mapping.Rows, len(s.Mapping.NameToID), len(s.Mapping.AccountToID), len(s.Mapping.AccountToExternal))

		for _, c := range s.Mapping.Conflicts {
			fmt.Printf("  conflict: account %s kept %s, ignored %s (row %d)\n", c.AccountKey, c.KeptID, c.IgnoredID, c.Row)
		}
		fmt.Printf("Snapshot:       %s\n", appConfig.Mapping.SnapshotPath)
		return nil
	},
}

var (
	showName    string
	showAccount string
)

var mappingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved mapping table, or look up one name or account",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		t := s.Mapping
		if t.Empty() {
			fmt.Println("No mapping table saved. Run 'reconciler mappings build' first.")
			return nil
		}

		if showName == "" && showAccount == "" {
			printMappingStats(t.Source, t.Rows, len(t.NameToID), len(t.AccountToID), len(t.AccountToExternal))
			fmt.Printf("Built at:       %s\n", t.BuiltAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("Conflicts:      %d\n", len(t.Conflicts))
			fmt.Printf("Cached ids:     %d\n", s.Cache.Len())
			return nil
		}

		if showName != "" {
			id, ok := t.ByName(showName)
			fmt.Printf("Name %q (%s): ", showName, normalize.Name(showName))
			if !ok {
				fmt.Println("not mapped")
			} else {
				fmt.Printf("%s (%d master rows)\n", id, t.NameMultiplicity(showName))
			}
		}

		if showAccount != "" {
			fmt.Printf("Account %q (%s):\n", showAccount, normalize.Digits(showAccount))
			if id, ok := t.ByAccount(showAccount); ok {
				fmt.Printf("  customer id:  %s\n", id)
			}
			if ext, ok := t.ByAccountToExternal(showAccount); ok {
				cached, hit := s.Cache.Get(ext)
				if !hit {
					cached = "not cached"
				}
				fmt.Printf("  external id:  %s (%s)\n", ext, cached)
			}
			if name, ok := t.BaseName(showAccount); ok {
				fmt.Printf("  base name:    %s\n", name)
			}
			if display, ok := t.DisplayOverride(showAccount); ok {
				fmt.Printf("  display:      %s\n", display)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mappingsCmd)
	mappingsCmd.AddCommand(mappingsBuildCmd, mappingsShowCmd)

	mappingsShowCmd.Flags().StringVar(&showName, "name", "", "Look up a customer name")
	mappingsShowCmd.Flags().StringVar(&showAccount, "account", "", "Look up an account number")
}

func printMappingStats(source string, rows, names, accounts, externals int) {
	fmt.Printf("Source:         %s\n", source)
	fmt.Printf("Master rows:    %d\n", rows)
	fmt.Printf("Names:          %d\n", names)
	fmt.Printf("Accounts:       %d\n", accounts)
	fmt.Printf("External ids:   %d\n", externals)
}
