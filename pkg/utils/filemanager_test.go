package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func TestDiscoverInputFiles(t *testing.T) {
	in := t.TempDir()
	fm := NewFileManager(in, "", "", "")
	touch(t, filepath.Join(in, "May_Income_Export.csv"))
	touch(t, filepath.Join(in, "income_2.xlsx"))
	touch(t, filepath.Join(in, "~$income_2.xlsx"))
	touch(t, filepath.Join(in, "lbpa.csv"))
	require.NoError(t, os.Mkdir(filepath.Join(in, "income_dir"), 0755))

	files, err := fm.DiscoverInputFiles("*income*")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(in, "May_Income_Export.csv"),
		filepath.Join(in, "income_2.xlsx"),
	}, files)

	_, err = fm.DiscoverInputFiles("[")
	assert.Error(t, err)
}

func TestArchiveInputFile(t *testing.T) {
	root := t.TempDir()
	fm := NewFileManager(filepath.Join(root, "in"), filepath.Join(root, "out"), "", filepath.Join(root, "archive"))
	fm.UseTimestampSubdirs = true
	require.NoError(t, fm.EnsureDirectories())

	src := filepath.Join(fm.InputDir, "income.csv")
	touch(t, src)

	dst, err := fm.ArchiveInputFile(src, time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "archive", "2024", "01", "15", "income.csv"), dst)
	assert.FileExists(t, dst)
	assert.False(t, FileExists(src))
}

func TestWriteLogs(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

	path, err := WriteErrorLog(nil, dir, "run1")
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = WriteErrorLog([]ErrorLogEntry{{
		Timestamp:    now,
		Source:       "validation",
		ErrorType:    "required",
		ErrorMessage: "customer id is missing",
		RowNumber:    3,
		FieldName:    "customer_id",
	}}, dir, "run1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "error_log_run1.txt"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Row Number:     3")
	assert.NotContains(t, string(data), "Customer ID:")

	path, err = WriteSummaryLog(RunSummary{
		RunID:      "run1",
		StartTime:  now,
		EndTime:    now.Add(3 * time.Second),
		MappedRows: 12,
		Inputs:     []InputFileInfo{{Feed: "Income", Path: "income.csv", Rows: 40}},
		Outputs:    []string{"usage_upload.csv"},
	}, dir)
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Duration:       3s")
	assert.Contains(t, string(data), "Mapped Rows:        12")
	assert.Contains(t, string(data), "usage_upload.csv")
	assert.Len(t, NewRunID(), 36)
}
