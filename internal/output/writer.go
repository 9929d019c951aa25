// =============================================================================
// Usage Reconciler - Output Writer
// =============================================================================
//
// Writes the run's artefacts:
//
//   usage_upload.csv      mapped rows, upload column layout
//   usage_unmapped.csv    rows awaiting manual remediation (only if any)
//   usage_internal.csv    every row plus account_id and group_key
//   usage.xlsx            the three tables as sheets (optional)
//   <chunk dir>/*.csv     one file per chunk
//
// Every CSV is encoded in memory and written with a temp-file rename, so a
// crash never leaves a half-written file behind.
//
// =============================================================================

package output

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ginjaninja78/usage-reconciler/internal/store"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/internal/xlsxparser"
)

// Artefact file names.
const (
	UploadFile   = "usage_upload.csv"
	UnmappedFile = "usage_unmapped.csv"
	InternalFile = "usage_internal.csv"
	WorkbookFile = "usage.xlsx"
)

// =============================================================================
// CSV
// =============================================================================

// Encode renders rows as CSV in header order. Missing keys are written as
// empty cells.
func Encode(headers []string, rows []map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	record := make([]string, len(headers))
	for i, row := range rows {
		for j, h := range headers {
			record[j] = row[h]
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteCSV encodes rows and writes them atomically to path.
func WriteCSV(path string, headers []string, rows []map[string]string) error {
	data, err := Encode(headers, rows)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return store.WriteFileAtomic(path, data, 0644)
}

// =============================================================================
// USAGE TABLES
// =============================================================================

// Tables are the three usage tables of a run.
type Tables struct {
	Upload   []types.AggregatedUsage
	Unmapped []types.AggregatedUsage
	Internal []types.AggregatedUsage
}

// Written lists the files produced by WriteTables.
type Written struct {
	Upload   string
	Unmapped string
	Internal string
	Workbook string
}

// WriteTables writes the usage tables into dir. The unmapped file is only
// written when there are unmapped rows; a stale one from an earlier run is
// removed.
func WriteTables(dir string, t Tables, workbook bool) (Written, error) {
	var out Written

	out.Upload = filepath.Join(dir, UploadFile)
	if err := WriteCSV(out.Upload, types.UploadHeaders, types.UsageRows(t.Upload)); err != nil {
		return out, err
	}

	unmappedPath := filepath.Join(dir, UnmappedFile)
	if len(t.Unmapped) > 0 {
		if err := WriteCSV(unmappedPath, types.UploadHeaders, types.UsageRows(t.Unmapped)); err != nil {
			return out, err
		}
		out.Unmapped = unmappedPath
	} else if err := store.Remove(unmappedPath); err != nil {
		return out, err
	}

	out.Internal = filepath.Join(dir, InternalFile)
	if err := WriteCSV(out.Internal, types.InternalHeaders, types.UsageRows(t.Internal)); err != nil {
		return out, err
	}

	if workbook {
		out.Workbook = filepath.Join(dir, WorkbookFile)
		err := xlsxparser.WriteFile(out.Workbook, []xlsxparser.Sheet{
			{Name: "Usage", Headers: types.UploadHeaders, Rows: types.UsageRows(t.Upload)},
			{Name: "Unmapped", Headers: types.UploadHeaders, Rows: types.UsageRows(t.Unmapped)},
			{Name: "Internal", Headers: types.InternalHeaders, Rows: types.UsageRows(t.Internal)},
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// =============================================================================
// CHUNKS
// =============================================================================

// WriteChunks writes each chunk to dir under its file name and returns the
// paths in chunk order.
func WriteChunks(dir string, chunks []types.Chunk) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory %s: %w", dir, err)
	}

	paths := make([]string, 0, len(chunks))
	for _, c := range chunks {
		path := filepath.Join(dir, c.FileName)
		if err := WriteCSV(path, c.Headers, c.Rows); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ClearChunks removes the CSV files in dir whose names start with prefix,
// so a rerun does not leave chunks of customers that no longer appear.
func ClearChunks(dir, prefix string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.EqualFold(filepath.Ext(name), ".csv") {
			continue
		}
		if err := store.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
