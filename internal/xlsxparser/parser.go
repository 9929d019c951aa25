// =============================================================================
// Usage Reconciler - Workbook Reader
// =============================================================================
//
// Customer master lists are often maintained as Excel workbooks rather than
// CSV exports. This module reads one sheet of an .xlsx file into the same
// types.Table the delimited-text parser produces, including banner-aware
// header detection, so the mapping builder does not care which format it
// was given.
//
// CELL VALUES:
//   excelize returns formatted cell text. Numeric account numbers and ids
//   therefore arrive as they are displayed ("881", not "881.0"), and ragged
//   rows are padded by the shared table builder.
//
// =============================================================================

package xlsxparser

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/usage-reconciler/internal/csvparser"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
)

// IsWorkbook reports whether path has a workbook extension.
func IsWorkbook(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		return true
	}
	return false
}

// ParseFile reads a sheet of the workbook at path.
//
// PARAMETERS:
//   - path: The .xlsx file.
//   - sheet: Sheet name. Empty selects the first sheet.
//   - scanLimit: Number of leading rows searched for the header.
//   - match: Header matcher; nil means the first row is the header.
//
// RETURNS:
//   - The parsed table.
//   - An error if the file or sheet cannot be read or the sheet is empty.
func ParseFile(path, sheet string, scanLimit int, match csvparser.HeaderMatcher) (*types.Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	if sheet == "" {
		return nil, fmt.Errorf("%s: workbook has no sheets", path)
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, fmt.Errorf("%s: sheet %q not found", path, sheet)
	}

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: sheet %q is empty", path, sheet)
	}

	table := csvparser.BuildTable(rows, scanLimit, match)
	table.SourceFile = path
	return table, nil
}

// =============================================================================
// WORKBOOK WRITING
// =============================================================================

// Sheet is one worksheet to write.
type Sheet struct {
	Name    string
	Headers []string
	Rows    []map[string]string
}

// WriteFile writes sheets into a new workbook at path. Sheets with no rows
// are still written with their header so the layout is predictable.
func WriteFile(path string, sheets []Sheet) error {
	if len(sheets) == 0 {
		return fmt.Errorf("no sheets to write")
	}

	f := excelize.NewFile()
	defer f.Close()

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), s.Name); err != nil {
				return fmt.Errorf("failed to name sheet %s: %w", s.Name, err)
			}
		} else if _, err := f.NewSheet(s.Name); err != nil {
			return fmt.Errorf("failed to add sheet %s: %w", s.Name, err)
		}

		if err := writeSheet(f, s); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, s Sheet) error {
	header := make([]any, len(s.Headers))
	for i, h := range s.Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(s.Name, "A1", &header); err != nil {
		return fmt.Errorf("failed to write %s header: %w", s.Name, err)
	}

	for r, row := range s.Rows {
		values := make([]any, len(s.Headers))
		for i, h := range s.Headers {
			values[i] = row[h]
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(s.Name, cell, &values); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", s.Name, r+1, err)
		}
	}
	return nil
}
