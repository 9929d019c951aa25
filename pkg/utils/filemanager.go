// =============================================================================
// Usage Reconciler - File Manager Utility
// =============================================================================
//
// File management for a reconciliation run:
//   - Directory management
//   - Feed file discovery
//   - Input archival after a successful run
//   - Run ids
//   - Error log and run summary generation
//
// ARCHIVAL STRATEGY:
//   - Feed files are moved to the input archive once their chunks are written
//   - Failed runs leave their inputs where they were
//   - Logs are written to the output directory, named after the run
//
// =============================================================================

package utils

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const logTimeLayout = "2006-01-02 15:04:05"

// =============================================================================
// FILE MANAGER
// =============================================================================

// FileManager handles file operations for a run.
type FileManager struct {
	// InputDir is where feed files are discovered.
	InputDir string

	// OutputDir receives tables and logs.
	OutputDir string

	// ChunkDir receives upload chunks.
	ChunkDir string

	// InputArchiveDir receives processed feed files.
	InputArchiveDir string

	// UseTimestampSubdirs creates date-based subdirectories in the archive.
	// Example: input_archive/2024/01/15/income.csv
	UseTimestampSubdirs bool
}

// NewFileManager creates a FileManager for the given directories.
func NewFileManager(inputDir, outputDir, chunkDir, inputArchiveDir string) *FileManager {
	return &FileManager{
		InputDir:        inputDir,
		OutputDir:       outputDir,
		ChunkDir:        chunkDir,
		InputArchiveDir: inputArchiveDir,
	}
}

// =============================================================================
// DIRECTORY MANAGEMENT
// =============================================================================

// EnsureDirectories creates every configured directory. Empty entries are
// skipped.
//
// RETURNS:
//   - An error if any directory cannot be created.
func (fm *FileManager) EnsureDirectories() error {
	dirs := []string{
		fm.InputDir,
		fm.OutputDir,
		fm.ChunkDir,
		fm.InputArchiveDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// =============================================================================
// FILE DISCOVERY
// =============================================================================

// DiscoverInputFiles lists the files in the input directory whose lower-cased
// name matches pattern (a glob, matched case-insensitively). Results are
// sorted so repeated runs pick files in the same order.
//
// PARAMETERS:
//   - pattern: A glob such as "*income*.csv". Empty means "*".
//
// RETURNS:
//   - The matching file paths.
//   - An error if the directory cannot be read or the pattern is malformed.
func (fm *FileManager) DiscoverInputFiles(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	pattern = strings.ToLower(pattern)
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	entries, err := os.ReadDir(fm.InputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan input directory: %w", err)
	}

	var result []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), "~$") {
			continue
		}
		if ok, _ := filepath.Match(pattern, strings.ToLower(e.Name())); ok {
			result = append(result, filepath.Join(fm.InputDir, e.Name()))
		}
	}
	sort.Strings(result)

	return result, nil
}

// =============================================================================
// FILE ARCHIVAL
// =============================================================================

// ArchiveInputFile moves a processed feed file to the archive directory.
//
// PARAMETERS:
//   - filePath: The path to the file to archive.
//   - now: Selects the date subdirectory when UseTimestampSubdirs is set.
//
// RETURNS:
//   - The path to the archived file.
//   - An error if archival fails.
func (fm *FileManager) ArchiveInputFile(filePath string, now time.Time) (string, error) {
	archivePath := fm.getArchivePath(filePath, now)

	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	if err := os.Rename(filePath, archivePath); err != nil {
		// Rename fails across devices; fall back to copy and delete.
		if err := copyFile(filePath, archivePath); err != nil {
			return "", fmt.Errorf("failed to copy file to archive: %w", err)
		}
		if err := os.Remove(filePath); err != nil {
			return "", fmt.Errorf("failed to remove original file: %w", err)
		}
	}

	return archivePath, nil
}

func (fm *FileManager) getArchivePath(filePath string, now time.Time) string {
	fileName := filepath.Base(filePath)

	if fm.UseTimestampSubdirs {
		return filepath.Join(
			fm.InputArchiveDir,
			fmt.Sprintf("%d", now.Year()),
			fmt.Sprintf("%02d", now.Month()),
			fmt.Sprintf("%02d", now.Day()),
			fileName,
		)
	}

	return filepath.Join(fm.InputArchiveDir, fileName)
}

// =============================================================================
// RUN IDS
// =============================================================================

// NewRunID returns a random run id. Log file names and log lines carry it
// so the artefacts of one run can be found together.
func NewRunID() string {
	return uuid.New().String()
}

// =============================================================================
// ERROR LOG GENERATION
// =============================================================================

// ErrorLogEntry is one problem found during a run.
type ErrorLogEntry struct {
	Timestamp    time.Time
	Source       string
	ErrorType    string
	ErrorMessage string
	RowNumber    int
	FieldName    string
	FieldValue   string
	CustomerID   string
}

// WriteErrorLog writes error entries to error_log_<run id>.txt in outputDir.
//
// PARAMETERS:
//   - entries: The entries to write. Nothing is written when empty.
//   - outputDir: The directory to write the log file.
//   - runID: Names the file.
//
// RETURNS:
//   - The path to the error log file, or "" when there was nothing to write.
//   - An error if writing fails.
func WriteErrorLog(entries []ErrorLogEntry, outputDir, runID string) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}

	logPath := filepath.Join(outputDir, fmt.Sprintf("error_log_%s.txt", runID))

	file, err := os.Create(logPath)
	if err != nil {
		return "", fmt.Errorf("failed to create error log: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)

	fmt.Fprintf(writer, "Usage Reconciler - Error Log\n"+
		"Run:          %s\n"+
		"Generated:    %s\n"+
		"Total Errors: %d\n"+
		"================================================================================\n\n",
		runID,
		entries[len(entries)-1].Timestamp.Format(logTimeLayout),
		len(entries))

	for i, entry := range entries {
		fmt.Fprintf(writer, "Error #%d\n"+
			"  Timestamp:      %s\n"+
			"  Source:         %s\n"+
			"  Error Type:     %s\n"+
			"  Message:        %s\n",
			i+1,
			entry.Timestamp.Format(logTimeLayout),
			entry.Source,
			entry.ErrorType,
			entry.ErrorMessage)

		if entry.RowNumber > 0 {
			fmt.Fprintf(writer, "  Row Number:     %d\n", entry.RowNumber)
		}
		if entry.FieldName != "" {
			fmt.Fprintf(writer, "  Field:          %s\n", entry.FieldName)
		}
		if entry.FieldValue != "" {
			fmt.Fprintf(writer, "  Value:          %s\n", entry.FieldValue)
		}
		if entry.CustomerID != "" {
			fmt.Fprintf(writer, "  Customer ID:    %s\n", entry.CustomerID)
		}
		writer.WriteString("\n")
	}

	writer.WriteString("================================================================================\n" +
		"End of Error Log\n")

	if err := writer.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush error log: %w", err)
	}

	return logPath, nil
}

// =============================================================================
// RUN SUMMARY
// =============================================================================

// RunSummary contains summary information about a reconciliation run.
type RunSummary struct {
	RunID     string
	StartTime time.Time
	EndTime   time.Time

	MasterSource string
	MasterRows   int
	Inputs       []InputFileInfo

	Groups          int
	ByAccount       int
	ByName          int
	ByExternal      int
	BySharedAccount int

	MappedRows      int
	UnmappedRows    int
	UnresolvedNamed int

	IdentityCacheHits int64
	RemoteLookups     int64
	RemoteFailures    int64

	ValidationErrors   int
	ValidationWarnings int

	UsageChunks int
	SplitChunks int
	Outputs     []string
	Archived    []string
}

// InputFileInfo describes one ingested feed file.
type InputFileInfo struct {
	Feed           string
	Path           string
	Rows           int
	MalformedDates int
	EmptyQuantity  int
}

// WriteSummaryLog writes summary to run_summary_<run id>.txt in outputDir.
//
// PARAMETERS:
//   - summary: The run summary.
//   - outputDir: The directory to write the summary file.
//
// RETURNS:
//   - The path to the summary file.
//   - An error if writing fails.
func WriteSummaryLog(summary RunSummary, outputDir string) (string, error) {
	summaryPath := filepath.Join(outputDir, fmt.Sprintf("run_summary_%s.txt", summary.RunID))

	file, err := os.Create(summaryPath)
	if err != nil {
		return "", fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)

	fmt.Fprintf(writer, "Usage Reconciler - Run Summary\n"+
		"================================================================================\n\n"+
		"Run Information:\n"+
		"  Run ID:         %s\n"+
		"  Start Time:     %s\n"+
		"  End Time:       %s\n"+
		"  Duration:       %s\n"+
		"  Master List:    %s (%d rows)\n\n",
		summary.RunID,
		summary.StartTime.Format(logTimeLayout),
		summary.EndTime.Format(logTimeLayout),
		summary.EndTime.Sub(summary.StartTime).String(),
		summary.MasterSource,
		summary.MasterRows)

	if len(summary.Inputs) > 0 {
		writer.WriteString("Inputs:\n")
		writer.WriteString("--------------------------------------------------------------------------------\n")
		for _, in := range summary.Inputs {
			fmt.Fprintf(writer, "  %-8s %s\n", in.Feed, in.Path)
			fmt.Fprintf(writer, "           rows %d, malformed dates %d, empty quantities %d\n\n",
				in.Rows, in.MalformedDates, in.EmptyQuantity)
		}
	}

	fmt.Fprintf(writer, "Resolution:\n"+
		"  Groups:             %d\n"+
		"  By Account:         %d\n"+
		"  By Name:            %d\n"+
		"  By External ID:     %d\n"+
		"  By Shared Account:  %d\n"+
		"  Cache Hits:         %d\n"+
		"  Remote Lookups:     %d\n"+
		"  Remote Failures:    %d\n\n"+
		"Output:\n"+
		"  Mapped Rows:        %d\n"+
		"  Unmapped Rows:      %d\n"+
		"  Unresolved Named:   %d\n"+
		"  Validation Errors:  %d\n"+
		"  Validation Warns:   %d\n"+
		"  Usage Chunks:       %d\n"+
		"  Split Chunks:       %d\n\n",
		summary.Groups,
		summary.ByAccount,
		summary.ByName,
		summary.ByExternal,
		summary.BySharedAccount,
		summary.IdentityCacheHits,
		summary.RemoteLookups,
		summary.RemoteFailures,
		summary.MappedRows,
		summary.UnmappedRows,
		summary.UnresolvedNamed,
		summary.ValidationErrors,
		summary.ValidationWarnings,
		summary.UsageChunks,
		summary.SplitChunks)

	if len(summary.Outputs) > 0 {
		writer.WriteString("Files Written:\n")
		writer.WriteString("--------------------------------------------------------------------------------\n")
		for _, path := range summary.Outputs {
			fmt.Fprintf(writer, "  %s\n", path)
		}
		writer.WriteString("\n")
	}

	if len(summary.Archived) > 0 {
		writer.WriteString("Archived Inputs:\n")
		writer.WriteString("--------------------------------------------------------------------------------\n")
		for _, path := range summary.Archived {
			fmt.Fprintf(writer, "  %s\n", path)
		}
		writer.WriteString("\n")
	}

	writer.WriteString("================================================================================\n" +
		"End of Summary\n")

	if err := writer.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush summary file: %w", err)
	}

	return summaryPath, nil
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	return destFile.Sync()
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
