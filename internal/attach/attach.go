// =============================================================================
// Usage Reconciler - Invoice Mapping and Bulk Attach
// =============================================================================
//
// Pairs each chunk file with the invoice of the customer it belongs to and
// uploads the files as invoice attachments.
//
//   MapInvoices    chunk files -> (mappings, problems)
//   WriteMappings  invoice_mapping.csv, invoice_mapping_problems.csv
//   LoadMappings   reads invoice_mapping.csv back for a later attach run
//   Upload         one attachment per mapping; failures are recorded, never
//                  fatal
//
// A chunk file belongs to the customer named in the customer_id column of
// its first row carrying one.
//
// =============================================================================

package attach

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/config"
	"github.com/ginjaninja78/usage-reconciler/internal/csvparser"
	"github.com/ginjaninja78/usage-reconciler/internal/output"
	"github.com/ginjaninja78/usage-reconciler/internal/store"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// Output files.
const (
	MappingFile  = "invoice_mapping.csv"
	ProblemsFile = "invoice_mapping_problems.csv"
	ResultsFile  = "attach_results.csv"
)

// Columns of the mapping, problem and result files.
const (
	colFile      = "split_csv_filename"
	colCustomer  = "customer_id"
	colInvoice   = "invoice_id"
	colIssueDate = "issue_date"
	colIssue     = "issue"
	colStatus    = "status"
	colReason    = "reason"
)

// Upload statuses.
const (
	StatusSuccess = "Success"
	StatusFailed  = "Failed"
)

// InvoiceFinder resolves a customer's invoice.
type InvoiceFinder interface {
	FindInvoice(ctx context.Context, customerID string, date *time.Time) (string, bool)
}

// Uploader posts one attachment.
type Uploader interface {
	UploadAttachment(ctx context.Context, customerID, invoiceID, fileName string, content io.Reader) error
}

// Mapping pairs a chunk file with its invoice.
type Mapping struct {
	File       string
	CustomerID string
	InvoiceID  string
	IssueDate  string
}

// Problem is a chunk file that could not be mapped.
type Problem struct {
	File       string
	CustomerID string
	IssueDate  string
	Issue      string
}

// =============================================================================
// INVOICE MAPPING
// =============================================================================

// MapInvoices resolves the invoice for every chunk file.
//
// PARAMETERS:
//   - ctx: Bounds any invoice index fetch.
//   - files: Chunk file paths.
//   - finder: The invoice resolver.
//   - issueDate: Preferred invoice issue date; nil takes the latest invoice.
//   - settings: How the chunk files are delimited.
//
// RETURNS:
//   - The mapped files and the files needing attention, both in input order.
func MapInvoices(ctx context.Context, files []string, finder InvoiceFinder, issueDate *time.Time, settings config.CSVSettings, log *zap.Logger) ([]Mapping, []Problem) {
	if log == nil {
		log = zap.NewNop()
	}
	date := ""
	if issueDate != nil {
		date = utils.FormatDate(*issueDate)
	}

	var (
		mappings []Mapping
		problems []Problem
	)
	for _, file := range files {
		customerID, err := firstCustomerID(file, settings)
		if err != nil {
			problems = append(problems, Problem{File: file, IssueDate: date, Issue: err.Error()})
			continue
		}
		if customerID == "" {
			problems = append(problems, Problem{File: file, IssueDate: date, Issue: "No customer IDs found"})
			continue
		}

		invoiceID, ok := finder.FindInvoice(ctx, customerID, issueDate)
		if !ok {
			issue := "No matching invoice found for customer " + customerID
			if date != "" {
				issue += " on " + date
			}
			problems = append(problems, Problem{File: file, CustomerID: customerID, IssueDate: date, Issue: issue})
			continue
		}

		mappings = append(mappings, Mapping{File: file, CustomerID: customerID, InvoiceID: invoiceID, IssueDate: date})
	}

	log.Info("invoice mapping complete",
		zap.Int("files", len(files)),
		zap.Int("mapped", len(mappings)),
		zap.Int("problems", len(problems)))
	return mappings, problems
}

func firstCustomerID(path string, settings config.CSVSettings) (string, error) {
	p, err := csvparser.NewStreamingParser(path, settings)
	if err != nil {
		return "", fmt.Errorf("unreadable chunk file: %w", err)
	}
	defer p.Close()

	for p.Next() {
		if id := strings.TrimSpace(p.Row()[types.ColCustomerID]); id != "" {
			return id, nil
		}
	}
	if err := p.Err(); err != nil {
		return "", fmt.Errorf("unreadable chunk file: %w", err)
	}
	return "", nil
}

// WriteMappings writes the mapping file and, when there are problems, the
// problem file into dir. A stale problem file is removed.
func WriteMappings(dir string, mappings []Mapping, problems []Problem) (mappingPath, problemsPath string, err error) {
	rows := make([]map[string]string, len(mappings))
	for i, m := range mappings {
		rows[i] = map[string]string{colFile: m.File, colCustomer: m.CustomerID, colInvoice: m.InvoiceID, colIssueDate: m.IssueDate}
	}
	mappingPath = filepath.Join(dir, MappingFile)
	if err := output.WriteCSV(mappingPath, []string{colFile, colCustomer, colInvoice, colIssueDate}, rows); err != nil {
		return "", "", err
	}

	problemsPath = filepath.Join(dir, ProblemsFile)
	if len(problems) == 0 {
		return mappingPath, "", store.Remove(problemsPath)
	}
	rows = make([]map[string]string, len(problems))
	for i, p := range problems {
		rows[i] = map[string]string{colFile: p.File, colCustomer: p.CustomerID, colIssueDate: p.IssueDate, colIssue: p.Issue}
	}
	if err := output.WriteCSV(problemsPath, []string{colFile, colCustomer, colIssueDate, colIssue}, rows); err != nil {
		return mappingPath, "", err
	}
	return mappingPath, problemsPath, nil
}

// LoadMappings reads a mapping file written by WriteMappings.
func LoadMappings(path string, settings config.CSVSettings) ([]Mapping, error) {
	table, err := csvparser.ParseFile(path, settings, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read invoice mapping: %w", err)
	}
	for _, col := range []string{colFile, colCustomer, colInvoice} {
		if !slices.Contains(table.Headers, col) {
			return nil, fmt.Errorf("%s: missing column %s", path, col)
		}
	}

	out := make([]Mapping, 0, len(table.Rows))
	for _, r := range table.Rows {
		out = append(out, Mapping{
			File:       r[colFile],
			CustomerID: r[colCustomer],
			InvoiceID:  r[colInvoice],
			IssueDate:  r[colIssueDate],
		})
	}
	return out, nil
}

// =============================================================================
// BULK UPLOAD
// =============================================================================

// UploadOptions configures Upload.
type UploadOptions struct {
	// TestMode uploads only the first data row of the first mapping, under
	// a "_test" file name.
	TestMode bool

	CSV    config.CSVSettings
	Logger *zap.Logger
}

// UploadResult is the outcome for one file.
type UploadResult struct {
	File       string
	CustomerID string
	InvoiceID  string
	Status     string
	Reason     string
}

// Upload attaches each mapped file to its invoice. Every mapping yields one
// result; a failed upload does not stop the batch.
func Upload(ctx context.Context, mappings []Mapping, uploader Uploader, opts UploadOptions) []UploadResult {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TestMode && len(mappings) > 1 {
		mappings = mappings[:1]
	}

	results := make([]UploadResult, 0, len(mappings))
	for _, m := range mappings {
		res := UploadResult{File: filepath.Base(m.File), CustomerID: m.CustomerID, InvoiceID: m.InvoiceID, Status: StatusFailed}

		if err := ctx.Err(); err != nil {
			res.Reason = err.Error()
			results = append(results, res)
			continue
		}

		content, name, err := payload(m.File, opts)
		if err != nil {
			res.Reason = err.Error()
			log.Warn("attachment skipped", zap.String("file", m.File), zap.Error(err))
			results = append(results, res)
			continue
		}
		res.File = name

		if err := uploader.UploadAttachment(ctx, m.CustomerID, m.InvoiceID, name, bytes.NewReader(content)); err != nil {
			res.Reason = err.Error()
			log.Warn("attachment upload failed",
				zap.String("file", name),
				zap.String("customer_id", m.CustomerID),
				zap.String("invoice_id", m.InvoiceID),
				zap.Error(err))
		} else {
			res.Status = StatusSuccess
			log.Info("attachment uploaded",
				zap.String("file", name),
				zap.String("customer_id", m.CustomerID),
				zap.String("invoice_id", m.InvoiceID))
		}
		results = append(results, res)
	}
	return results
}

// payload returns the bytes and file name to upload for path.
func payload(path string, opts UploadOptions) ([]byte, string, error) {
	name := filepath.Base(path)
	if !opts.TestMode {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("chunk file not found: %w", err)
		}
		return data, name, nil
	}

	p, err := csvparser.NewStreamingParser(path, opts.CSV)
	if err != nil {
		return nil, "", fmt.Errorf("error reading CSV: %w", err)
	}
	defer p.Close()
	if !p.Next() {
		if err := p.Err(); err != nil {
			return nil, "", fmt.Errorf("error reading CSV: %w", err)
		}
		return nil, "", fmt.Errorf("CSV is empty")
	}

	data, err := output.Encode(p.Headers(), []map[string]string{p.Row()})
	if err != nil {
		return nil, "", err
	}
	return data, strings.TrimSuffix(name, filepath.Ext(name)) + "_test.csv", nil
}

// WriteResults writes upload results as CSV.
func WriteResults(path string, results []UploadResult) error {
	rows := make([]map[string]string, len(results))
	for i, r := range results {
		rows[i] = map[string]string{colFile: r.File, colCustomer: r.CustomerID, colInvoice: r.InvoiceID, colStatus: r.Status, colReason: r.Reason}
	}
	return output.WriteCSV(path, []string{colFile, colCustomer, colInvoice, colStatus, colReason}, rows)
}

// Succeeded counts successful results.
func Succeeded(results []UploadResult) int {
	n := 0
	for _, r := range results {
		if r.Status == StatusSuccess {
			n++
		}
	}
	return n
}
