// =============================================================================
// Usage Reconciler - Delimited Text Parser
// =============================================================================
//
// This module parses the tabular text inputs of the reconciler: the customer
// master export and the Income/LBPA usage feeds. It handles:
//   - Different delimiters (comma, pipe, tab, semicolon)
//   - A UTF-8 byte order mark on the first header cell
//   - Banner lines above the real header (report titles, run dates, blank
//     lines) in master exports
//   - Ragged rows (fewer or more cells than headers)
//
// HEADER DETECTION:
//   Master exports are produced by a reporting tool that prepends an unknown
//   number of banner lines. DetectHeaderRow scans a bounded prefix of the
//   file for the first record that satisfies a HeaderMatcher and treats it
//   as the header. When nothing matches, the first record is the header.
//
// =============================================================================

package csvparser

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ginjaninja78/usage-reconciler/internal/config"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
)

const utf8BOM = "\ufeff"

// HeaderMatcher reports whether a record looks like the real header row.
type HeaderMatcher func(record []string) bool

// =============================================================================
// PARSER FUNCTIONS
// =============================================================================

// ParseFile opens filePath and parses it with Parse.
func ParseFile(filePath string, settings config.CSVSettings, match HeaderMatcher) (*types.Table, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	table, err := Parse(file, settings, match)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	table.SourceFile = filePath
	return table, nil
}

// Parse reads delimited text and returns the table.
//
// PARAMETERS:
//   - r: The input stream.
//   - settings: Delimiter and header scan limit.
//   - match: Optional header matcher. nil means the first record is the
//     header.
//
// RETURNS:
//   - The parsed table. Empty data rows are skipped.
//   - An error if the input is empty or malformed beyond what LazyQuotes
//     tolerates.
func Parse(r io.Reader, settings config.CSVSettings, match HeaderMatcher) (*types.Table, error) {
	csvReader := csv.NewReader(bufio.NewReader(r))
	configureReader(csvReader, settings)

	allRows, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}

	if len(allRows) == 0 {
		return nil, fmt.Errorf("CSV file is empty")
	}

	return BuildTable(allRows, settings.HeaderScanLimit, match), nil
}

// BuildTable turns raw records into a Table: it locates the header row
// (see DetectHeaderRow), cleans the headers and maps the following non-empty
// records by header. records must not be empty. Also used by the workbook
// reader.
func BuildTable(records [][]string, scanLimit int, match HeaderMatcher) *types.Table {
	headerRow := 0
	if match != nil {
		headerRow = DetectHeaderRow(records, scanLimit, match)
	}

	headers := cleanHeaders(records[headerRow])

	return &types.Table{
		Headers:   headers,
		Rows:      extractDataRows(records[headerRow+1:], headers),
		HeaderRow: headerRow,
	}
}

// DetectHeaderRow returns the index of the first record within the first
// limit records that satisfies match, or 0 when none does. limit <= 0 scans
// every record.
func DetectHeaderRow(records [][]string, limit int, match HeaderMatcher) int {
	if limit <= 0 || limit > len(records) {
		limit = len(records)
	}
	for i := 0; i < limit; i++ {
		if match(records[i]) {
			return i
		}
	}
	return 0
}

// TokenMatcher builds a HeaderMatcher that accepts a record whose lower-cased
// text contains at least one token from every group.
//
//	TokenMatcher([]string{"acct#", "account id"}, []string{"netsuite"})
func TokenMatcher(groups ...[]string) HeaderMatcher {
	lowered := make([][]string, len(groups))
	for i, g := range groups {
		for _, tok := range g {
			lowered[i] = append(lowered[i], strings.ToLower(tok))
		}
	}

	return func(record []string) bool {
		line := strings.ToLower(strings.Join(record, ","))
		for _, group := range lowered {
			found := false
			for _, tok := range group {
				if strings.Contains(line, tok) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
}

// configureReader applies delimiter settings and makes the reader tolerant of
// the ragged, loosely quoted output of spreadsheet exports.
func configureReader(reader *csv.Reader, settings config.CSVSettings) {
	switch settings.Delimiter {
	case "\\t", "tab", "TAB":
		reader.Comma = '\t'
	case "|", "pipe", "PIPE":
		reader.Comma = '|'
	case ";", "semicolon":
		reader.Comma = ';'
	default:
		if len(settings.Delimiter) > 0 {
			reader.Comma = rune(settings.Delimiter[0])
		} else {
			reader.Comma = ','
		}
	}

	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
}

// cleanHeaders strips the BOM and stray quotes, collapses internal
// whitespace and names blank headers Column_N.
func cleanHeaders(headers []string) []string {
	cleaned := make([]string, len(headers))
	for i, header := range headers {
		if i == 0 {
			header = strings.TrimPrefix(header, utf8BOM)
		}
		header = strings.Trim(strings.TrimSpace(header), `"'`)
		header = strings.Join(strings.Fields(header), " ")
		if header == "" {
			header = fmt.Sprintf("Column_%d", i+1)
		}
		cleaned[i] = header
	}
	return cleaned
}

func extractDataRows(records [][]string, headers []string) []map[string]string {
	dataRows := make([]map[string]string, 0, len(records))
	for _, row := range records {
		if isRowEmpty(row) {
			continue
		}
		dataRows = append(dataRows, rowToMap(row, headers))
	}
	return dataRows
}

func rowToMap(row []string, headers []string) map[string]string {
	rowMap := make(map[string]string, len(headers))
	for colIndex, header := range headers {
		if colIndex < len(row) {
			rowMap[header] = strings.TrimSpace(row[colIndex])
		} else {
			rowMap[header] = ""
		}
	}
	return rowMap
}

func isRowEmpty(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// =============================================================================
// STREAMING PARSER
// =============================================================================

// StreamingParser reads a file one row at a time. Used where only the first
// rows of many files are needed (chunk files during invoice mapping).
//
// USAGE:
//
//	parser, err := NewStreamingParser(filePath, settings)
//	if err != nil {
//	    return err
//	}
//	defer parser.Close()
//
//	for parser.Next() {
//	    row := parser.Row()
//	}
//	if err := parser.Err(); err != nil {
//	    return err
//	}
type StreamingParser struct {
	file       *os.File
	reader     *csv.Reader
	headers    []string
	currentRow map[string]string
	rowNumber  int
	err        error
}

// NewStreamingParser opens filePath and reads its header row.
func NewStreamingParser(filePath string, settings config.CSVSettings) (*StreamingParser, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	reader := csv.NewReader(bufio.NewReader(file))
	configureReader(reader, settings)

	parser := &StreamingParser{
		file:   file,
		reader: reader,
	}

	header, err := reader.Read()
	if err == io.EOF {
		file.Close()
		return nil, fmt.Errorf("unexpected end of file while reading headers")
	}
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("error reading header row: %w", err)
	}
	parser.headers = cleanHeaders(header)
	parser.rowNumber = 1

	return parser, nil
}

// Next advances to the next non-empty row. Returns false at end of input or
// on error.
func (p *StreamingParser) Next() bool {
	for p.err == nil {
		row, err := p.reader.Read()
		if err == io.EOF {
			return false
		}
		if err != nil {
			p.err = fmt.Errorf("error reading row %d: %w", p.rowNumber+1, err)
			return false
		}
		p.rowNumber++

		if isRowEmpty(row) {
			continue
		}
		p.currentRow = rowToMap(row, p.headers)
		return true
	}
	return false
}

// Row returns the current row as a map.
func (p *StreamingParser) Row() map[string]string {
	return p.currentRow
}

// Headers returns the parsed headers.
func (p *StreamingParser) Headers() []string {
	return p.headers
}

// RowNumber returns the current physical record number (1-indexed, header
// included).
func (p *StreamingParser) RowNumber() int {
	return p.rowNumber
}

// Err returns any error that occurred during parsing.
func (p *StreamingParser) Err() error {
	return p.err
}

// Close closes the underlying file.
func (p *StreamingParser) Close() error {
	return p.file.Close()
}
