// =============================================================================
// Usage Reconciler - Configuration Module
// =============================================================================
//
// This module loads the reconciler's YAML configuration file. Every setting
// has a default, so an empty (or absent) file yields a working
// configuration; the file only needs to list what differs.
//
// LOADING ORDER:
//   1. Load reads and unmarshals the YAML file (gopkg.in/yaml.v3)
//   2. applyDefaults fills every unset field
//   3. validate checks enumerations and creates the working directories
//
// Environment and flag overrides (API token, log level) are layered on top
// by the CLI through viper; see cmd/root.go.
//
// EXAMPLE (config.yaml):
//
//   output_dir: ./output
//   api:
//     base_url: https://integrators.prod.api.tabsplatform.com/v3
//   identity_cache:
//     backend: sqlite
//     path: ./cache/identity.db
//   mapping:
//     parent_customers: ["Finastra"]
//   chunking:
//     max_rows: 900
//
// =============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// MAIN CONFIGURATION STRUCTURE
// =============================================================================

// MainConfig holds the global application configuration.
type MainConfig struct {
	// =========================================================================
	// DIRECTORY SETTINGS
	// =========================================================================

	// InputDir is scanned for feed files when none are named on the
	// command line. Income files contain "income" in their name, LBPA files
	// "lbpa".
	// Default: "./input"
	InputDir string `yaml:"input_dir"`

	// InputArchiveDir receives feed files after a successful run when
	// ArchiveInputs is set.
	// Default: "./input_archive"
	InputArchiveDir string `yaml:"input_archive_dir"`

	// OutputDir receives the aggregated usage tables and run logs.
	// Default: "./output"
	OutputDir string `yaml:"output_dir"`

	// ChunkDir receives the per-customer upload chunks.
	// Default: "<output_dir>/chunks"
	ChunkDir string `yaml:"chunk_dir"`

	// CacheDir holds the durable caches (identity, invoice snapshot, master
	// mapping snapshot).
	// Default: "./cache"
	CacheDir string `yaml:"cache_dir"`

	// =========================================================================
	// LOGGING SETTINGS
	// =========================================================================

	// LogLevel controls the verbosity of logging.
	// Valid values: "debug", "info", "warn", "error"
	// Default: "info"
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" or "console".
	// Default: "json"
	LogFormat string `yaml:"log_format"`

	// =========================================================================
	// PROCESSING SETTINGS
	// =========================================================================

	// ContinueOnError lets a run write its chunk files even when validation
	// reports errors on some aggregated rows.
	// Default: false
	ContinueOnError bool `yaml:"continue_on_error"`

	// WriteWorkbook additionally writes the usage tables as one .xlsx.
	WriteWorkbook bool `yaml:"write_workbook"`

	// ArchiveInputs moves discovered feed files to InputArchiveDir once a
	// run has written its chunks.
	ArchiveInputs bool `yaml:"archive_inputs"`

	CSV           CSVSettings         `yaml:"csv"`
	API           APISettings         `yaml:"api"`
	IdentityCache IdentityCacheConfig `yaml:"identity_cache"`
	InvoiceCache  InvoiceCacheConfig  `yaml:"invoice_cache"`
	Mapping       MappingConfig       `yaml:"mapping"`
	Columns       ColumnOverrides     `yaml:"columns"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Validation    ValidationConfig    `yaml:"validation"`
}

// CSVSettings controls how tabular text inputs are read.
type CSVSettings struct {
	// Delimiter is the field separator. Accepts ",", "|", "tab", ";".
	// Default: ","
	Delimiter string `yaml:"delimiter"`

	// HeaderScanLimit is how many leading records are searched for a
	// master file's real header row.
	// Default: 500
	HeaderScanLimit int `yaml:"header_scan_limit"`
}

// APISettings configures the remote billing API.
type APISettings struct {
	BaseURL string `yaml:"base_url"`

	// Token is sent verbatim in the Authorization header. Usually supplied
	// through TABS_API_KEY rather than the file.
	Token string `yaml:"token"`

	// Offline keeps the token (it still scopes the invoice snapshot) but
	// never calls the API.
	Offline bool `yaml:"offline"`

	// LookupTimeout bounds one customer lookup.
	// Default: 10s
	LookupTimeout time.Duration `yaml:"lookup_timeout"`

	// RequestTimeout bounds invoice page fetches and attachment uploads.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PageSize is the invoice listing page size.
	// Default: 1000
	PageSize int `yaml:"page_size"`

	// MaxPages caps invoice pagination regardless of what the server reports.
	// Default: 100
	MaxPages int `yaml:"max_pages"`
}

// Identity cache backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// IdentityCacheConfig selects where learned external id mappings live.
type IdentityCacheConfig struct {
	// Backend is "file" (JSON document) or "sqlite".
	// Default: "file"
	Backend string `yaml:"backend"`

	// Path of the cache file or database.
	// Default: "<cache_dir>/external_id_cache.json" or ".db"
	Path string `yaml:"path"`
}

// InvoiceCacheConfig controls the invoice snapshot.
type InvoiceCacheConfig struct {
	// TTL after which the snapshot is reported stale. A stale snapshot is
	// still used.
	// Default: 1h
	TTL time.Duration `yaml:"ttl"`

	// RefreshWhenStale tries a full refetch before answering from a stale
	// snapshot. On failure the stale snapshot is used.
	RefreshWhenStale bool `yaml:"refresh_when_stale"`

	// SourceTag is the invoice source treated as canonical.
	// Default: "TABS"
	SourceTag string `yaml:"source_tag"`
}

// External id match policies.
const (
	MatchExactOrFirst = "exact_or_first"
	MatchExact        = "exact"
)

// MappingConfig controls how the master list is read and applied.
type MappingConfig struct {
	// MasterFile is the default master list path (.csv or .xlsx).
	MasterFile string `yaml:"master_file"`

	// Sheet selects the workbook sheet; empty means the first sheet.
	Sheet string `yaml:"sheet"`

	// SnapshotPath is where the built mapping tables are persisted.
	// Default: "<cache_dir>/client_mappings.json"
	SnapshotPath string `yaml:"snapshot_path"`

	// ParentCustomers are customers whose sub-accounts are billed
	// separately and carry a differentiator.
	// Default: ["Finastra"]
	ParentCustomers []string `yaml:"parent_customers"`

	// ExternalIDMatch is "exact_or_first" or "exact".
	// Default: "exact_or_first"
	ExternalIDMatch string `yaml:"external_id_match"`

	// HeaderAccountTokens and HeaderExternalTokens identify the master
	// file's header row. A row must contain one token of each list.
	HeaderAccountTokens  []string `yaml:"header_account_tokens"`
	HeaderExternalTokens []string `yaml:"header_external_tokens"`
}

// ColumnOverrides replaces candidate header spellings per logical field.
// Keys are logical field names (see mapping.DefaultFields and
// ingest.DefaultFields).
type ColumnOverrides struct {
	Master map[string][]string `yaml:"master"`
	Feeds  map[string][]string `yaml:"feeds"`
}

// ChunkingConfig controls upload file partitioning.
type ChunkingConfig struct {
	// MaxRows per chunk file.
	// Default: 900
	MaxRows int `yaml:"max_rows"`

	// UsagePrefix names aggregated usage chunks.
	// Default: "tabs_upload_"
	UsagePrefix string `yaml:"usage_prefix"`

	// SplitFeeds also writes per-customer chunks of the raw feed rows.
	// Default: true
	SplitFeeds *bool `yaml:"split_feeds"`
}

// ValidationConfig controls pre-upload checks.
type ValidationConfig struct {
	// RequireUUIDCustomerIDs flags customer ids that are not UUIDs.
	RequireUUIDCustomerIDs bool `yaml:"require_uuid_customer_ids"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration file at configPath. A missing file is not an
// error; defaults are returned.
//
// PARAMETERS:
//   - configPath: Path to the YAML file.
//
// RETURNS:
//   - The configuration with defaults applied.
//   - An error if the file cannot be parsed or fails validation.
func Load(configPath string) (*MainConfig, error) {
	var config MainConfig

	data, err := os.ReadFile(configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied and no
// directories created. Used by tests and as the base for Load.
func Default() *MainConfig {
	var config MainConfig
	applyDefaults(&config)
	return &config
}

func applyDefaults(config *MainConfig) {
	if config.InputDir == "" {
		config.InputDir = "./input"
	}
	if config.InputArchiveDir == "" {
		config.InputArchiveDir = "./input_archive"
	}
	if config.OutputDir == "" {
		config.OutputDir = "./output"
	}
	if config.ChunkDir == "" {
		config.ChunkDir = strings.TrimRight(config.OutputDir, "/") + "/chunks"
	}
	if config.CacheDir == "" {
		config.CacheDir = "./cache"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogFormat == "" {
		config.LogFormat = "json"
	}

	if config.CSV.Delimiter == "" {
		config.CSV.Delimiter = ","
	}
	if config.CSV.HeaderScanLimit == 0 {
		config.CSV.HeaderScanLimit = 500
	}

	if config.API.BaseURL == "" {
		config.API.BaseURL = "https://integrators.prod.api.tabsplatform.com/v3"
	}
	config.API.BaseURL = strings.TrimRight(config.API.BaseURL, "/")
	if config.API.LookupTimeout == 0 {
		config.API.LookupTimeout = 10 * time.Second
	}
	if config.API.RequestTimeout == 0 {
		config.API.RequestTimeout = 30 * time.Second
	}
	if config.API.PageSize == 0 {
		config.API.PageSize = 1000
	}
	if config.API.MaxPages == 0 {
		config.API.MaxPages = 100
	}

	if config.IdentityCache.Backend == "" {
		config.IdentityCache.Backend = BackendFile
	}
	if config.IdentityCache.Path == "" {
		ext := ".json"
		if config.IdentityCache.Backend == BackendSQLite {
			ext = ".db"
		}
		config.IdentityCache.Path = strings.TrimRight(config.CacheDir, "/") + "/external_id_cache" + ext
	}

	if config.InvoiceCache.TTL == 0 {
		config.InvoiceCache.TTL = time.Hour
	}
	if config.InvoiceCache.SourceTag == "" {
		config.InvoiceCache.SourceTag = "TABS"
	}

	if config.Mapping.SnapshotPath == "" {
		config.Mapping.SnapshotPath = strings.TrimRight(config.CacheDir, "/") + "/client_mappings.json"
	}
	if len(config.Mapping.ParentCustomers) == 0 {
		config.Mapping.ParentCustomers = []string{"Finastra"}
	}
	if config.Mapping.ExternalIDMatch == "" {
		config.Mapping.ExternalIDMatch = MatchExactOrFirst
	}
	if len(config.Mapping.HeaderAccountTokens) == 0 {
		config.Mapping.HeaderAccountTokens = []string{
			"acct#", "acct #", "accountid", "account id",
			"account number", "accountnumber", "acctno", "acct no",
		}
	}
	if len(config.Mapping.HeaderExternalTokens) == 0 {
		config.Mapping.HeaderExternalTokens = []string{"netsuite", "external id"}
	}

	if config.Chunking.MaxRows == 0 {
		config.Chunking.MaxRows = 900
	}
	if config.Chunking.UsagePrefix == "" {
		config.Chunking.UsagePrefix = "tabs_upload_"
	}
	if config.Chunking.SplitFeeds == nil {
		split := true
		config.Chunking.SplitFeeds = &split
	}
}

func validate(config *MainConfig) error {
	if err := config.Check(); err != nil {
		return err
	}

	dirs := []string{
		config.OutputDir,
		config.ChunkDir,
		config.CacheDir,
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	return nil
}

// Check validates enumerations and ranges without touching the filesystem.
func (c *MainConfig) Check() error {
	switch c.IdentityCache.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("identity_cache.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.IdentityCache.Backend)
	}

	switch c.Mapping.ExternalIDMatch {
	case MatchExactOrFirst, MatchExact:
	default:
		return fmt.Errorf("mapping.external_id_match must be %q or %q, got %q", MatchExactOrFirst, MatchExact, c.Mapping.ExternalIDMatch)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}

	if c.Chunking.MaxRows < 0 {
		return fmt.Errorf("chunking.max_rows must be positive, got %d", c.Chunking.MaxRows)
	}
	if c.API.PageSize < 0 || c.API.MaxPages < 0 {
		return fmt.Errorf("api.page_size and api.max_pages must be positive")
	}
	return nil
}

// SplitFeedsEnabled reports whether raw feed rows are chunked per customer.
func (c *MainConfig) SplitFeedsEnabled() bool {
	return c.Chunking.SplitFeeds == nil || *c.Chunking.SplitFeeds
}
