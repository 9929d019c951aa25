// =============================================================================
// Usage Reconciler - Chunker
// =============================================================================
//
// Splits a table into bounded, single-customer upload files.
//
// Rows are grouped by a key column (rows with an empty key are dropped),
// each group is stably sorted by an ordering column and cut into runs of at
// most MaxRows. A group that needs more than one run gets a part suffix:
//
//   tabs_upload_acme_CUST1.csv                  (one part)
//   tabs_upload_finastra-east_CUSTX_100_part1.csv
//   tabs_upload_finastra-east_CUSTX_100_part2.csv
//
// No chunk ever holds two keys, and every row of a group lands in exactly
// one chunk.
//
// =============================================================================

package chunker

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// Options configures Chunk.
type Options struct {
	// GroupKeyField is the column rows are grouped by.
	GroupKeyField string

	// OrderField sorts rows within a group. Empty keeps input order.
	OrderField string

	// MaxRows is the largest chunk. Must be positive.
	MaxRows int

	// Prefix starts every file name.
	Prefix string

	// Labels optionally maps a key to a readable name used in the file name.
	Labels map[string]string

	Logger *zap.Logger
}

// Chunk splits rows into chunks.
//
// PARAMETERS:
//   - headers: Column order for every chunk.
//   - rows: The rows to split.
//   - opts: Key and order columns, size bound and naming.
//
// RETURNS:
//   - Chunks ordered by key, then part.
//   - An error if MaxRows is not positive or no key column is given.
func Chunk(headers []string, rows []map[string]string, opts Options) ([]types.Chunk, error) {
	if opts.MaxRows <= 0 {
		return nil, fmt.Errorf("max rows per chunk must be positive, got %d", opts.MaxRows)
	}
	if opts.GroupKeyField == "" {
		return nil, fmt.Errorf("group key field is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	groups := make(map[string][]map[string]string)
	var keys []string
	dropped := 0
	for _, row := range rows {
		key := strings.TrimSpace(row[opts.GroupKeyField])
		if key == "" {
			dropped++
			continue
		}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], row)
	}
	if dropped > 0 {
		log.Warn("rows without a group key skipped",
			zap.String("field", opts.GroupKeyField),
			zap.Int("count", dropped))
	}
	sort.Strings(keys)

	var chunks []types.Chunk
	for _, key := range keys {
		group := groups[key]
		if opts.OrderField != "" {
			sort.SliceStable(group, func(i, j int) bool {
				return lessValue(group[i][opts.OrderField], group[j][opts.OrderField])
			})
		}

		parts := (len(group) + opts.MaxRows - 1) / opts.MaxRows
		for p := 0; p < parts; p++ {
			start := p * opts.MaxRows
			end := min(start+opts.MaxRows, len(group))
			chunks = append(chunks, types.Chunk{
				Key:      key,
				Part:     p + 1,
				Parts:    parts,
				FileName: FileName(opts.Prefix, opts.Labels[key], key, p+1, parts),
				Headers:  headers,
				Rows:     group[start:end],
			})
		}
	}

	log.Info("chunks built",
		zap.Int("rows", len(rows)-dropped),
		zap.Int("groups", len(keys)),
		zap.Int("chunks", len(chunks)),
		zap.Int("max_rows", opts.MaxRows))
	return chunks, nil
}

// FileName builds a chunk file name. The part suffix appears only when the
// group has more than one part.
func FileName(prefix, label, key string, part, parts int) string {
	var b strings.Builder
	b.WriteString(prefix)
	if s := slug.Make(label); s != "" {
		b.WriteString(s)
		b.WriteString("_")
	}
	b.WriteString(safeKey(key))
	if parts > 1 {
		fmt.Fprintf(&b, "_part%d", part)
	}
	b.WriteString(".csv")
	return b.String()
}

// safeKey keeps a key readable in a file name while removing path
// separators and other characters file systems reject.
func safeKey(key string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, key)
}

// lessValue orders dates chronologically and everything else as text.
func lessValue(a, b string) bool {
	ta, okA := utils.ParseTimestamp(a)
	tb, okB := utils.ParseTimestamp(b)
	if okA && okB {
		return ta.Before(tb)
	}
	return a < b
}
