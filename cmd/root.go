// =============================================================================
// Usage Reconciler - Root Command
// =============================================================================
//
// Defines the root command and the configuration every subcommand shares.
//
// COBRA CLI STRUCTURE:
//   rootCmd (reconciler)
//   ├── aggregateCmd (reconciler aggregate)
//   ├── mappingsCmd  (reconciler mappings build|show)
//   ├── invoicesCmd  (reconciler invoices map|refresh|clear|status)
//   ├── attachCmd    (reconciler attach)
//   └── versionCmd   (reconciler version)
//
// CONFIGURATION:
//   1. .env is loaded into the environment (godotenv), if present
//   2. config.yaml is read (--config)
//   3. RECONCILER_* environment variables and flags override it (viper)
//   4. TABS_API_KEY supplies the API token when nothing else does
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/clock"
	"github.com/ginjaninja78/usage-reconciler/internal/config"
	"github.com/ginjaninja78/usage-reconciler/internal/logger"
	"github.com/ginjaninja78/usage-reconciler/internal/pipeline"
)

// =============================================================================
// GLOBAL VARIABLES
// =============================================================================

// cfgFile holds the path to the main configuration file.
var cfgFile string

// env layers RECONCILER_* variables and persistent flags over the file.
var env = viper.New()

// Loaded by the root PersistentPreRunE.
var (
	appConfig *config.MainConfig
	appLog    *zap.Logger
)

// =============================================================================
// ROOT COMMAND DEFINITION
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "reconciler",
	Short: "Usage Reconciler - turn Income and LBPA usage feeds into billing uploads",
	Long: `Usage Reconciler reads the Income and LBPA usage feeds, maps every usage
record to a canonical billing customer through the master customer list and
the billing API, aggregates per customer, event and date, and writes bounded
per-customer upload files.

Example Usage:
  reconciler mappings build master.xlsx
  reconciler aggregate --income income.csv --lbpa lbpa.csv
  reconciler invoices map --issue-date 2024-06-01
  reconciler attach --test`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig()
	},

	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if appLog != nil {
			_ = appLog.Sync()
		}
	},

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// =============================================================================
// EXECUTE FUNCTION
// =============================================================================

// Execute runs the root command. An interrupt cancels the command's context
// so in-flight API calls stop and partial state is still saved.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// INITIALIZATION
// =============================================================================

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"config.yaml",
		"Path to the main configuration file",
	)
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Log format: json or console")
	rootCmd.PersistentFlags().Bool("offline", false, "Never call the billing API; resolve from caches only")

	_ = env.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = env.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = env.BindPFlag("offline", rootCmd.PersistentFlags().Lookup("offline"))
}

// initEnv loads .env and wires the environment. A missing .env is normal.
func initEnv() {
	_ = godotenv.Load()

	env.SetEnvPrefix("RECONCILER")
	env.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	env.AutomaticEnv()
	_ = env.BindEnv("api.token", "RECONCILER_API_TOKEN", "TABS_API_KEY")
	_ = env.BindEnv("api.base_url", "RECONCILER_API_BASE_URL")
}

// loadConfig reads the configuration file, applies overrides and builds the
// logger.
func loadConfig() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if v := env.GetString("log_level"); v != "" {
		cfg.LogLevel = v
	}
	if v := env.GetString("log_format"); v != "" {
		cfg.LogFormat = v
	}
	if v := env.GetString("api.base_url"); v != "" {
		cfg.API.BaseURL = strings.TrimRight(v, "/")
	}
	if cfg.API.Token == "" {
		cfg.API.Token = strings.TrimSpace(env.GetString("api.token"))
	}
	if env.GetBool("offline") {
		cfg.API.Offline = true
	}
	if err := cfg.Check(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	appConfig = cfg
	appLog = log
	return nil
}

// openStore opens the shared identity store for a command.
func openStore(ctx context.Context) (*pipeline.IdentityStore, error) {
	return pipeline.OpenStore(ctx, appConfig, clock.System{}, appLog)
}

// writtenCSV reads back files the reconciler wrote itself, which are always
// comma-delimited whatever the input delimiter is.
func writtenCSV() config.CSVSettings {
	settings := appConfig.CSV
	settings.Delimiter = ","
	return settings
}
