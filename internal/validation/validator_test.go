package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/usage-reconciler/internal/types"
)

func usage(id, date, event string, value int64) types.AggregatedUsage {
	return types.AggregatedUsage{
		CustomerID:   id,
		CustomerName: "Acme",
		EventType:    event,
		Date:         date,
		Feed:         types.FeedIncome,
		Value:        decimal.NewFromInt(value),
		GroupKey:     id,
	}
}

func rules(errs []*ValidationError) []string {
	var out []string
	for _, e := range errs {
		out = append(out, e.Rule)
	}
	return out
}

func TestValidateRow(t *testing.T) {
	const good = "7f1b1a52-5d2e-4a0c-9a68-0e1b2f3c4d5e"

	tests := []struct {
		name  string
		row   types.AggregatedUsage
		uuids bool
		want  []string
	}{
		{"valid", usage(good, "2024-05-01", types.EventApp, 3), true, nil},
		{"missing id", usage("", "2024-05-01", types.EventApp, 3), false, []string{"required"}},
		{"non uuid when required", usage("CUST1", "2024-05-01", types.EventApp, 3), true, []string{"uuid"}},
		{"non uuid allowed", usage("CUST1", "2024-05-01", types.EventApp, 3), false, nil},
		{"bad date", usage("CUST1", "05/01/2024", types.EventApp, 3), false, []string{"date"}},
		{"negative", usage("CUST1", "2024-05-01", types.EventUnit, -1), false, []string{"non_negative"}},
		{"zero warns", usage("CUST1", "2024-05-01", types.EventLBPAApp, 0), false, []string{"zero_value"}},
		{"unknown event", usage("CUST1", "2024-05-01", "Per Application", 1), false, []string{"event_type"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(ValidationOptions{RequireUUIDCustomerIDs: tt.uuids})
			assert.Equal(t, tt.want, rules(v.ValidateRow(1, tt.row)))
		})
	}
}

func TestValidateAll_CountsAndValidity(t *testing.T) {
	rows := []types.AggregatedUsage{
		usage("CUST1", "2024-05-01", types.EventApp, 0),
		usage("", "bad", types.EventApp, 1),
	}
	sub := usage("CUSTX", "2024-05-01", types.EventApp, 1)
	sub.GroupKey = "CUSTX_100"
	rows = append(rows, sub)

	result := NewValidator(DefaultValidationOptions()).ValidateAll(rows)
	assert.False(t, result.IsValid)
	assert.Equal(t, 2, result.ErrorCount)
	assert.Equal(t, 2, result.WarningCount)
	assert.Equal(t, 3, result.RowsValidated)

	warnOnly := NewValidator(ValidationOptions{}).ValidateAll(rows[:1])
	assert.True(t, warnOnly.IsValid)

	strict := NewValidator(ValidationOptions{TreatWarningsAsErrors: true}).ValidateAll(rows[:1])
	assert.False(t, strict.IsValid)

	first := NewValidator(ValidationOptions{StopOnFirstError: true}).ValidateAll(rows)
	assert.Equal(t, 1, first.ErrorCount)
}

func TestWriteErrorLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "validation.txt")
	errs := Validate([]types.AggregatedUsage{usage("", "2024-05-01", types.EventApp, 1)}, ValidationOptions{})
	require.NoError(t, WriteErrorLog(errs, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "customer id is missing")
	assert.Contains(t, string(data), "[ERROR] Row 1 (Acme)")
	assert.Equal(t, "No validation errors.", FormatErrors(nil))
}
