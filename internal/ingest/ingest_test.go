package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/usage-reconciler/internal/types"
)

func table(headers []string, rows ...[]string) *types.Table {
	t := &types.Table{Headers: headers, SourceFile: "feed.csv"}
	for _, r := range rows {
		m := make(map[string]string, len(headers))
		for i, h := range headers {
			m[h] = r[i]
		}
		t.Rows = append(t.Rows, m)
	}
	return t
}

func TestIngest_IncomeFeed(t *testing.T) {
	in := table(
		[]string{"CustomerName", "AccountName", "AccountID", "SubmissionDate", "IsInitialSubmission", "UnitsAsPerSubmission"},
		[]string{"Acme", "Acme - HQ", "12-34", "2024-05-01 10:00:00", "5", "2"},
		[]string{"Acme", "Acme - HQ", "1234", "not a date", "", "1"},
	)

	res, err := Ingest(in, Options{Feed: types.FeedIncome})
	require.NoError(t, err)
	require.Len(t, res.Records, 2)

	first := res.Records[0]
	assert.Equal(t, types.FeedIncome, first.Feed)
	assert.Equal(t, 1, first.Row)
	assert.Equal(t, "Acme", first.Name)
	assert.Equal(t, "Acme - HQ", first.OriginalName)
	assert.Equal(t, "1234", first.AccountKey)
	assert.True(t, first.Quantity.Equal(decimal.NewFromInt(5)))
	assert.True(t, first.HasUnits)
	assert.True(t, first.Units.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, "2024-05-01", first.Timestamp.Format("2006-01-02"))

	second := res.Records[1]
	assert.True(t, second.Quantity.IsZero(), "empty quantity counts as 0")
	assert.True(t, second.Timestamp.IsZero())
	assert.Equal(t, "not a date", second.RawTimestamp)

	assert.Equal(t, Stats{Rows: 2, MalformedDates: 1, EmptyQuantity: 1}, res.Stats)
}

func TestIngest_LBPAQuantityColumn(t *testing.T) {
	in := table(
		[]string{"Name", "Acct #", "Date", "Units"},
		[]string{"Beta", "5678", "5/2/2024", "1,250"},
	)

	res, err := Ingest(in, Options{Feed: types.FeedLBPA})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Quantity.Equal(decimal.NewFromInt(1250)))
	assert.False(t, res.Records[0].HasUnits)
	col, _ := res.Schema.Column(FieldQuantity)
	assert.Equal(t, "Units", col)
}

func TestIngest_MissingQuantityIsFatal(t *testing.T) {
	in := table([]string{"CustomerName", "Date"}, []string{"Acme", "2024-05-01"})

	_, err := Ingest(in, Options{Feed: types.FeedIncome})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingColumn))

	var mce *MissingColumnError
	require.True(t, errors.As(err, &mce))
	assert.Equal(t, FieldQuantity, mce.Field)
	assert.Equal(t, types.FeedIncome, mce.Feed)
}

func TestIngest_MissingNameIsFatal(t *testing.T) {
	in := table([]string{"AccountID", "Units"}, []string{"1", "2"})

	_, err := Ingest(in, Options{Feed: types.FeedLBPA})
	assert.ErrorIs(t, err, ErrMissingColumn)
}

func TestIngest_NoTimestampColumnUsesToday(t *testing.T) {
	today := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	in := table([]string{"CustomerName", "IsInitialSubmission"}, []string{"Acme", "1"})

	res, err := Ingest(in, Options{Feed: types.FeedIncome, Today: today})
	require.NoError(t, err)
	assert.True(t, res.Stats.UsedToday)
	assert.Equal(t, today, res.Records[0].Timestamp)
	assert.Zero(t, res.Stats.MalformedDates)
}

func TestIngest_EmptyNameFallsBackToAccountName(t *testing.T) {
	in := table(
		[]string{"CustomerName", "AccountName", "IsInitialSubmission"},
		[]string{"", "Finastra - East", "1"},
		[]string{"nan", "Finastra - West", "1"},
	)

	res, err := Ingest(in, Options{Feed: types.FeedIncome})
	require.NoError(t, err)
	assert.True(t, res.Stats.NameFallback)
	assert.Equal(t, "Finastra - East", res.Records[0].Name)
	assert.Equal(t, "Finastra - West", res.Records[1].OriginalName)
}

func TestIngest_OriginalLabelKeptVerbatim(t *testing.T) {
	in := table(
		[]string{"CustomerName", "AccountName", "IsInitialSubmission"},
		[]string{"Finastra", "  Finastra - East ", "1"},
	)

	res, err := Ingest(in, Options{Feed: types.FeedIncome})
	require.NoError(t, err)
	assert.Equal(t, "Finastra", res.Records[0].Name)
	assert.Equal(t, "  Finastra - East ", res.Records[0].OriginalName)
}

func TestIngest_BooleanFlagsCountAsOneAndZero(t *testing.T) {
	in := table(
		[]string{"CustomerName", "AccountID", "SubmissionDate", "IsInitialSubmission", "UnitsAsPerSubmission"},
		[]string{"Acme", "1", "2024-05-01", "True", "2"},
		[]string{"Acme", "1", "2024-05-01", "TRUE", "1"},
		[]string{"Acme", "1", "2024-05-01", "False", "3"},
	)

	res, err := Ingest(in, Options{Feed: types.FeedIncome})
	require.NoError(t, err)
	require.Len(t, res.Records, 3)

	want := []int64{1, 1, 0}
	for i, rec := range res.Records {
		assert.True(t, rec.Quantity.Equal(decimal.NewFromInt(want[i])), "row %d quantity %s", i+1, rec.Quantity)
		assert.True(t, rec.HasApplications)
		assert.True(t, rec.Applications.Equal(decimal.NewFromInt(want[i])), "row %d applications %s", i+1, rec.Applications)
	}
	assert.Equal(t, 0, res.Stats.EmptyQuantity)
}

func TestParseQuantity(t *testing.T) {
	tests := map[string]string{
		"":        "0",
		"nan":     "0",
		"true":    "1",
		" False ": "0",
		"1,250":   "1250",
		"2.5":     "2.5",
		"abc":     "0",
	}
	for in, want := range tests {
		assert.Equal(t, want, parseQuantity(in).String(), "input %q", in)
	}
}
