// =============================================================================
// Usage Reconciler - Invoice Resolver
// =============================================================================
//
// Finds the invoice a customer's usage file should be attached to.
//
// SNAPSHOT:
//   Lookups run against a full local copy of the remote invoice index. The
//   copy lives in memory and in a JSON file under the cache directory:
//
//     {"invoices": [...], "timestamp": "2024-05-01T10:00:00Z", "count": 1234}
//
//   The file is read on first use. A snapshot older than the TTL is still
//   answered from; staleness is only logged, unless RefreshWhenStale asks
//   for a refetch first. With no snapshot at all the full index is fetched
//   and saved before answering. A failed fetch never touches the file.
//
// SELECTION:
//   Candidates are the customer's invoices that are not DELETED and carry
//   the canonical source tag. With a date, candidates issued that day win
//   (invoices with an unparseable issue date stay in); when none match, every
//   candidate is considered. Ties go to the latest issue date, then the
//   highest id.
//
// =============================================================================

package invoice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/billingapi"
	"github.com/ginjaninja78/usage-reconciler/internal/clock"
	"github.com/ginjaninja78/usage-reconciler/internal/store"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

const statusDeleted = "DELETED"

// Fetcher downloads the complete invoice index.
type Fetcher interface {
	FetchAllInvoices(ctx context.Context) ([]billingapi.Invoice, error)
}

// Snapshot is the persisted invoice index.
type Snapshot struct {
	Invoices  []billingapi.Invoice `json:"invoices"`
	Timestamp time.Time            `json:"timestamp"`
	Count     int                  `json:"count"`
}

// Options configures a Resolver.
type Options struct {
	// CacheDir holds the snapshot file.
	CacheDir string

	// Token scopes the snapshot file so tenants never share one.
	Token string

	// TTL after which the snapshot is reported stale. Default: 1h.
	TTL time.Duration

	RefreshWhenStale bool

	// SourceTag is the canonical invoice source. Default: "TABS".
	SourceTag string

	Clock  clock.Clock
	Logger *zap.Logger
}

// Resolver answers invoice lookups from the snapshot.
type Resolver struct {
	fetcher          Fetcher
	path             string
	ttl              time.Duration
	refreshWhenStale bool
	sourceTag        string
	clock            clock.Clock
	log              *zap.Logger

	mu     sync.Mutex
	snap   *Snapshot
	loaded bool
	warned bool
}

// SnapshotPath is the snapshot file for a token under dir.
func SnapshotPath(dir, token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return filepath.Join(dir, "invoice_cache_"+hex.EncodeToString(sum[:])[:16]+".json")
}

// New returns a Resolver. fetcher may be nil, in which case only an
// existing snapshot file is used.
func New(fetcher Fetcher, opts Options) *Resolver {
	r := &Resolver{
		fetcher:          fetcher,
		path:             SnapshotPath(opts.CacheDir, opts.Token),
		ttl:              opts.TTL,
		refreshWhenStale: opts.RefreshWhenStale,
		sourceTag:        strings.TrimSpace(opts.SourceTag),
		clock:            opts.Clock,
		log:              opts.Logger,
	}
	if r.ttl <= 0 {
		r.ttl = time.Hour
	}
	if r.sourceTag == "" {
		r.sourceTag = "TABS"
	}
	if r.clock == nil {
		r.clock = clock.System{}
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	return r
}

// Path returns the snapshot file location.
func (r *Resolver) Path() string { return r.path }

// FindInvoice returns the invoice id for a customer, optionally on a given
// issue date. It never fails: a missing snapshot that cannot be fetched or an
// absent match both return ok == false.
func (r *Resolver) FindInvoice(ctx context.Context, customerID string, date *time.Time) (string, bool) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ensureLocked(ctx) {
		return "", false
	}

	inv, ok := Select(r.snap.Invoices, customerID, date, r.sourceTag)
	if !ok {
		r.log.Debug("no invoice for customer", zap.String("customer_id", customerID))
		return "", false
	}
	return inv.ID.String(), true
}

// ensureLocked makes a snapshot available. Caller holds r.mu.
func (r *Resolver) ensureLocked(ctx context.Context) bool {
	if !r.loaded {
		r.loaded = true
		snap := &Snapshot{}
		found, err := store.ReadJSON(r.path, snap)
		switch {
		case err != nil:
			r.log.Warn("invoice snapshot unreadable, ignoring", zap.String("path", r.path), zap.Error(err))
		case found:
			r.snap = snap
			r.log.Info("invoice snapshot loaded",
				zap.String("path", r.path),
				zap.Int("count", len(snap.Invoices)),
				zap.Time("captured_at", snap.Timestamp))
		}
	}

	if r.snap == nil {
		_, err := r.refreshLocked(ctx)
		return err == nil
	}

	if r.staleLocked() {
		if r.refreshWhenStale && r.fetcher != nil {
			if _, err := r.refreshLocked(ctx); err != nil {
				r.log.Warn("invoice refresh failed, using stale snapshot", zap.Error(err))
			}
		} else if !r.warned {
			r.warned = true
			age, _ := r.ageLocked()
			r.log.Warn("invoice snapshot is stale, consider refreshing",
				zap.Duration("age", age.Round(time.Second)),
				zap.Duration("ttl", r.ttl))
		}
	}
	return true
}

// Refresh refetches the complete index and replaces the snapshot. On error
// the previous snapshot, in memory and on disk, is kept.
func (r *Resolver) Refresh(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = true
	return r.refreshLocked(ctx)
}

func (r *Resolver) refreshLocked(ctx context.Context) (int, error) {
	if r.fetcher == nil {
		return 0, fmt.Errorf("no invoice source configured")
	}

	invoices, err := r.fetcher.FetchAllInvoices(ctx)
	if err != nil {
		r.log.Warn("invoice fetch failed", zap.Error(err))
		return 0, fmt.Errorf("failed to fetch invoices: %w", err)
	}

	snap := &Snapshot{Invoices: invoices, Timestamp: r.clock.Now().UTC(), Count: len(invoices)}
	if err := store.WriteJSON(r.path, snap); err != nil {
		return 0, fmt.Errorf("failed to save invoice snapshot: %w", err)
	}
	r.snap = snap
	r.warned = false

	r.log.Info("invoice snapshot refreshed", zap.Int("count", snap.Count), zap.String("path", r.path))
	return snap.Count, nil
}

// Clear drops the snapshot from memory and disk.
func (r *Resolver) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = nil
	r.loaded = true
	r.warned = false
	if err := store.Remove(r.path); err != nil {
		return fmt.Errorf("failed to remove invoice snapshot: %w", err)
	}
	return nil
}

// Status describes the current snapshot.
type Status struct {
	Path       string
	Present    bool
	Count      int
	CapturedAt time.Time
	Age        time.Duration
	Stale      bool
}

// Status loads the snapshot file if needed and reports on it. It never
// fetches.
func (r *Resolver) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		r.loaded = true
		snap := &Snapshot{}
		if found, err := store.ReadJSON(r.path, snap); err == nil && found {
			r.snap = snap
		}
	}

	st := Status{Path: r.path}
	if r.snap == nil {
		return st
	}
	st.Present = true
	st.Count = len(r.snap.Invoices)
	st.CapturedAt = r.snap.Timestamp
	st.Age, _ = r.ageLocked()
	st.Stale = r.staleLocked()
	return st
}

// Age returns how old the in-memory snapshot is.
func (r *Resolver) Age() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ageLocked()
}

// Stale reports whether the in-memory snapshot is older than the TTL.
func (r *Resolver) Stale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staleLocked()
}

func (r *Resolver) ageLocked() (time.Duration, bool) {
	if r.snap == nil {
		return 0, false
	}
	if r.snap.Timestamp.IsZero() {
		return 0, true
	}
	return r.clock.Now().Sub(r.snap.Timestamp), true
}

// staleLocked treats a snapshot without a capture time as stale.
func (r *Resolver) staleLocked() bool {
	if r.snap == nil {
		return false
	}
	if r.snap.Timestamp.IsZero() {
		return true
	}
	age, _ := r.ageLocked()
	return age >= r.ttl
}

// =============================================================================
// SELECTION
// =============================================================================

// Select picks the invoice for customerID from invoices.
//
// PARAMETERS:
//   - invoices: The invoice index.
//   - customerID: Canonical customer id.
//   - date: Issue date to prefer; nil accepts any date.
//   - sourceTag: Canonical source, compared case-insensitively.
//
// RETURNS:
//   - The chosen invoice and true, or false when the customer has no valid
//     invoice.
func Select(invoices []billingapi.Invoice, customerID string, date *time.Time, sourceTag string) (billingapi.Invoice, bool) {
	var valid []billingapi.Invoice
	for _, inv := range invoices {
		if inv.CustomerID.String() != customerID {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(inv.Status), statusDeleted) {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(inv.Source), sourceTag) {
			continue
		}
		valid = append(valid, inv)
	}
	if len(valid) == 0 {
		return billingapi.Invoice{}, false
	}

	candidates := valid
	if date != nil {
		var onDate []billingapi.Invoice
		for _, inv := range valid {
			issued, ok := utils.ParseTimestamp(inv.IssueDate)
			if !ok || utils.SameDay(issued, *date) {
				onDate = append(onDate, inv)
			}
		}
		if len(onDate) > 0 {
			candidates = onDate
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].IssueDate, candidates[j].IssueDate
		ta, okA := utils.ParseTimestamp(a)
		tb, okB := utils.ParseTimestamp(b)
		switch {
		case okA && okB && !ta.Equal(tb):
			return ta.After(tb)
		case !(okA && okB) && a != b:
			return a > b
		}
		return candidates[i].ID.String() > candidates[j].ID.String()
	})
	return candidates[0], true
}
