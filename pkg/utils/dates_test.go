package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-05-01", "2024-05-01", true},
		{"2024-05-01T13:45:00Z", "2024-05-01", true},
		{"2024-05-01 13:45:00", "2024-05-01", true},
		{"5/1/2024", "2024-05-01", true},
		{"05/01/2024 1:45 PM", "2024-05-01", true},
		{"01-May-2024", "2024-05-01", true},
		{"  ", "", false},
		{"yesterday", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseTimestamp(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, FormatDate(got))
		})
	}
}

func TestSameDayAndStartOfDay(t *testing.T) {
	a := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)
	b := time.Date(2024, 5, 1, 0, 1, 0, 0, time.UTC)
	assert.True(t, SameDay(a, b))
	assert.False(t, SameDay(a, a.Add(time.Minute)))
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), StartOfDay(a))
	assert.Equal(t, "", FormatDate(time.Time{}))
}
