package attach

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/usage-reconciler/internal/config"
)

type finderMock struct {
	mock.Mock
}

func (m *finderMock) FindInvoice(ctx context.Context, customerID string, date *time.Time) (string, bool) {
	args := m.Called(ctx, customerID, date)
	return args.String(0), args.Bool(1)
}

type uploaderMock struct {
	mock.Mock
	bodies map[string]string
}

func (m *uploaderMock) UploadAttachment(ctx context.Context, customerID, invoiceID, fileName string, content io.Reader) error {
	data, _ := io.ReadAll(content)
	if m.bodies == nil {
		m.bodies = map[string]string{}
	}
	m.bodies[fileName] = string(data)
	return m.Called(ctx, customerID, invoiceID, fileName).Error(0)
}

var csvSettings = config.Default().CSV

func writeChunk(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMapInvoices(t *testing.T) {
	dir := t.TempDir()
	a := writeChunk(t, dir, "a.csv", "customer_id,value\nC1,3\nC1,4\n")
	b := writeChunk(t, dir, "b.csv", "customer_id,value\n,3\nC2,1\n")
	c := writeChunk(t, dir, "c.csv", "customer_id,value\n,3\n")
	d := writeChunk(t, dir, "d.csv", "customer_id,value\nC3,1\n")
	missing := filepath.Join(dir, "gone.csv")

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	finder := new(finderMock)
	finder.On("FindInvoice", mock.Anything, "C1", &day).Return("I1", true)
	finder.On("FindInvoice", mock.Anything, "C2", &day).Return("I2", true)
	finder.On("FindInvoice", mock.Anything, "C3", &day).Return("", false)

	mappings, problems := MapInvoices(context.Background(), []string{a, b, c, d, missing}, finder, &day, csvSettings, nil)

	assert.Equal(t, []Mapping{
		{File: a, CustomerID: "C1", InvoiceID: "I1", IssueDate: "2024-05-01"},
		{File: b, CustomerID: "C2", InvoiceID: "I2", IssueDate: "2024-05-01"},
	}, mappings)

	require.Len(t, problems, 3)
	assert.Equal(t, "No customer IDs found", problems[0].Issue)
	assert.Equal(t, "No matching invoice found for customer C3 on 2024-05-01", problems[1].Issue)
	assert.Equal(t, "C3", problems[1].CustomerID)
	assert.Contains(t, problems[2].Issue, "unreadable chunk file")
	finder.AssertExpectations(t)

	mappingPath, problemsPath, err := WriteMappings(dir, mappings, problems)
	require.NoError(t, err)
	assert.FileExists(t, problemsPath)

	back, err := LoadMappings(mappingPath, csvSettings)
	require.NoError(t, err)
	assert.Equal(t, mappings, back)

	_, problemsPath, err = WriteMappings(dir, mappings, nil)
	require.NoError(t, err)
	assert.Empty(t, problemsPath)
	assert.NoFileExists(t, filepath.Join(dir, ProblemsFile))
}

func TestUpload_FailuresDoNotStopBatch(t *testing.T) {
	dir := t.TempDir()
	a := writeChunk(t, dir, "a.csv", "customer_id,value\nC1,3\n")
	b := writeChunk(t, dir, "b.csv", "customer_id,value\nC2,1\n")
	mappings := []Mapping{
		{File: a, CustomerID: "C1", InvoiceID: "I1"},
		{File: filepath.Join(dir, "gone.csv"), CustomerID: "C9", InvoiceID: "I9"},
		{File: b, CustomerID: "C2", InvoiceID: "I2"},
	}

	up := new(uploaderMock)
	up.On("UploadAttachment", mock.Anything, "C1", "I1", "a.csv").Return(errors.New("status 500"))
	up.On("UploadAttachment", mock.Anything, "C2", "I2", "b.csv").Return(nil)

	results := Upload(context.Background(), mappings, up, UploadOptions{CSV: csvSettings})
	require.Len(t, results, 3)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Equal(t, "status 500", results[0].Reason)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Contains(t, results[1].Reason, "chunk file not found")
	assert.Equal(t, StatusSuccess, results[2].Status)
	assert.Equal(t, 1, Succeeded(results))
	assert.Equal(t, "customer_id,value\nC2,1\n", up.bodies["b.csv"])

	out := filepath.Join(dir, ResultsFile)
	require.NoError(t, WriteResults(out, results))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "b.csv,C2,I2,Success,")
}

func TestUpload_TestModeSendsOneRow(t *testing.T) {
	dir := t.TempDir()
	a := writeChunk(t, dir, "tabs_upload_C1.csv", "customer_id,value\nC1,3\nC1,4\n")
	b := writeChunk(t, dir, "b.csv", "customer_id,value\nC2,1\n")

	up := new(uploaderMock)
	up.On("UploadAttachment", mock.Anything, "C1", "I1", "tabs_upload_C1_test.csv").Return(nil)

	results := Upload(context.Background(), []Mapping{
		{File: a, CustomerID: "C1", InvoiceID: "I1"},
		{File: b, CustomerID: "C2", InvoiceID: "I2"},
	}, up, UploadOptions{TestMode: true, CSV: csvSettings})

	require.Len(t, results, 1)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.Equal(t, "customer_id,value\nC1,3\n", up.bodies["tabs_upload_C1_test.csv"])
	up.AssertNumberOfCalls(t, "UploadAttachment", 1)
}

func TestUpload_CanceledContextRecordsFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	up := new(uploaderMock)
	results := Upload(ctx, []Mapping{{File: "x.csv", CustomerID: "C1", InvoiceID: "I1"}}, up, UploadOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	up.AssertNotCalled(t, "UploadAttachment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
