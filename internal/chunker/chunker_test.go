package chunker

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var headers = []string{"customer_id", "datetime", "seq"}

func rowsFor(key string, n int) []map[string]string {
	rows := make([]map[string]string, n)
	for i := range rows {
		rows[i] = map[string]string{
			"customer_id": key,
			"datetime":    fmt.Sprintf("2024-05-%02d", i%28+1),
			"seq":         fmt.Sprintf("%s-%05d", key, i),
		}
	}
	return rows
}

func TestChunk_SplitsLargeGroup(t *testing.T) {
	chunks, err := Chunk(headers, rowsFor("CUST1", 2401), Options{
		GroupKeyField: "customer_id",
		OrderField:    "datetime",
		MaxRows:       900,
		Prefix:        "tabs_upload_",
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Len(t, chunks[0].Rows, 900)
	assert.Len(t, chunks[1].Rows, 900)
	assert.Len(t, chunks[2].Rows, 601)
	assert.Equal(t, "tabs_upload_CUST1_part1.csv", chunks[0].FileName)
	assert.Equal(t, "tabs_upload_CUST1_part2.csv", chunks[1].FileName)
	assert.Equal(t, "tabs_upload_CUST1_part3.csv", chunks[2].FileName)
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Part)
		assert.Equal(t, 3, c.Parts)
		assert.Equal(t, headers, c.Headers)
	}
}

func TestChunk_RoundTripPreservesRows(t *testing.T) {
	var rows []map[string]string
	rows = append(rows, rowsFor("B", 5)...)
	rows = append(rows, rowsFor("A", 12)...)
	rows = append(rows, rowsFor("C", 1)...)

	chunks, err := Chunk(headers, rows, Options{GroupKeyField: "customer_id", OrderField: "datetime", MaxRows: 4})
	require.NoError(t, err)

	var back []string
	perKey := map[string]int{}
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Rows), 4)
		for _, r := range c.Rows {
			assert.Equal(t, c.Key, r["customer_id"], "chunk spans one key")
			back = append(back, r["seq"])
			perKey[c.Key]++
		}
	}

	var want []string
	for _, r := range rows {
		want = append(want, r["seq"])
	}
	sort.Strings(want)
	sort.Strings(back)
	assert.Equal(t, want, back)
	assert.Equal(t, map[string]int{"A": 12, "B": 5, "C": 1}, perKey)
	assert.Equal(t, "A", chunks[0].Key, "groups ordered by key")
}

func TestChunk_DropsEmptyKeysAndOrdersByDate(t *testing.T) {
	rows := []map[string]string{
		{"customer_id": "C1", "datetime": "5/10/2024", "seq": "late"},
		{"customer_id": "", "datetime": "2024-05-01", "seq": "orphan"},
		{"customer_id": "C1", "datetime": "2024-05-09", "seq": "early"},
	}

	chunks, err := Chunk(headers, rows, Options{GroupKeyField: "customer_id", OrderField: "datetime", MaxRows: 10})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "C1.csv", chunks[0].FileName)
	require.Len(t, chunks[0].Rows, 2)
	assert.Equal(t, "early", chunks[0].Rows[0]["seq"])
	assert.Equal(t, "late", chunks[0].Rows[1]["seq"])
}

func TestChunk_InvalidOptions(t *testing.T) {
	_, err := Chunk(headers, nil, Options{GroupKeyField: "customer_id"})
	assert.Error(t, err)

	_, err = Chunk(headers, nil, Options{MaxRows: 10})
	assert.Error(t, err)

	chunks, err := Chunk(headers, nil, Options{GroupKeyField: "customer_id", MaxRows: 10})
	assert.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "tabs_upload_finastra-east_CUSTX_100.csv", FileName("tabs_upload_", "Finastra - East", "CUSTX_100", 1, 1))
	assert.Equal(t, "p_a_b_part2.csv", FileName("p_", "", "a/b", 2, 2))
}
