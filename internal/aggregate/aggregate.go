// =============================================================================
// Usage Reconciler - Aggregator
// =============================================================================
//
// Turns ingested feed records into one usage row per customer, feed and event
// type.
//
// PASSES:
//   1. Group each feed by (name, account key); sum quantity, keep the latest
//      timestamp and the first original label. Resolve each group by account
//      key, then by normalized name.
//   2. Event type per group: the master override for (account, feed), else
//      the feed default.
//   3. Date per group: Options.AsOf when set, else the group's latest
//      timestamp (Options.Today when no timestamp parsed).
//   4. Optionally resolve still-unmapped groups through their account's
//      external id. Groups still unmapped borrow the id another group
//      with the same account key resolved to.
//   5. Recompute values from the original records keyed by the final group
//      key. The group key is the customer id, or customer id + "_" + account
//      key for parent customers whose sub-accounts bill separately. First
//      pass sums are never reused for resolved rows.
//   6. Differentiator for parent customers only.
//   7. Partition into Mapped (customer id set) and Unmapped (no id and the
//      display name is a bare account code).
//
// =============================================================================

package aggregate

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/normalize"
	"github.com/ginjaninja78/usage-reconciler/internal/types"
	"github.com/ginjaninja78/usage-reconciler/pkg/utils"
)

// Mapping is the subset of the master mapping table the aggregator reads.
type Mapping interface {
	ByName(name string) (string, bool)
	ByAccount(account string) (string, bool)
	ByAccountToExternal(account string) (string, bool)
	EventOverride(account string, feed types.FeedKind) (string, bool)
	DisplayOverride(account string) (string, bool)
}

// ExternalResolver translates a foreign id into a canonical customer id.
type ExternalResolver interface {
	Resolve(ctx context.Context, externalID string) (string, bool)
}

// Options configures Aggregate.
type Options struct {
	// AsOf, when set, dates every output row.
	AsOf *time.Time

	// Today dates groups whose timestamps all failed to parse. Zero means
	// the current UTC date.
	Today time.Time

	// ResolveExternal enables the external id pass. It also needs a
	// non-nil resolver.
	ResolveExternal bool

	// Parents names the customers whose sub-accounts stay separate.
	Parents []string

	Logger *zap.Logger
}

// Stats counts how rows were resolved.
type Stats struct {
	Records         int
	Groups          int
	ByAccount       int
	ByName          int
	ByExternal      int
	BySharedAccount int
	Mapped          int
	Unmapped        int
	UnresolvedNamed int
}

// ResolvedRecord is a source record with its final customer assignment.
type ResolvedRecord struct {
	types.UsageRecord
	CustomerID string
	GroupKey   string
}

// Result is the outcome of one aggregation.
type Result struct {
	// Mapped rows carry a customer id, one per (group key, feed, event).
	Mapped []types.AggregatedUsage

	// Unmapped rows have no customer id and a numeric display name.
	Unmapped []types.AggregatedUsage

	// All holds every output row, including unresolved rows with a
	// non-numeric name, for the audit table.
	All []types.AggregatedUsage

	// Records are the resolved source records, in feed then file order.
	Records []ResolvedRecord

	Stats Stats
}

// group is a first-pass aggregate of one feed.
type group struct {
	feed       types.FeedKind
	name       string
	acctKey    string
	label      string
	quantity   decimal.Decimal
	latest     time.Time
	customerID string
	parent     string
	eventType  string
	date       string
}

type firstPassKey struct {
	name    string
	acctKey string
	label   string
}

// rowKey identifies one output row.
type rowKey struct {
	feed      types.FeedKind
	groupKey  string
	eventType string
}

// sums accumulates both feeds per group key. appValue and unitValue fall
// back to the primary quantity when a feed has no dedicated column.
type sums struct {
	applications decimal.Decimal
	units        decimal.Decimal
	appValue     decimal.Decimal
	unitValue    decimal.Decimal
}

func (s *sums) valueFor(eventType string) decimal.Decimal {
	if types.IsUnitEvent(eventType) {
		return s.unitValue
	}
	return s.appValue
}

// Aggregate runs all passes over the feeds.
//
// PARAMETERS:
//   - ctx: Bounds the external id lookups.
//   - feeds: Ingested records per feed. Feeds are processed Income first.
//   - table: The master mapping table.
//   - resolver: External id resolver; may be nil.
//   - opts: Date override, parent customers, logger.
//
// RETURNS:
//   - The partitioned rows. Identity failures never produce an error.
func Aggregate(ctx context.Context, feeds map[types.FeedKind][]types.UsageRecord, table Mapping, resolver ExternalResolver, opts Options) *Result {
	a := &aggregator{
		table:    table,
		resolver: resolver,
		opts:     opts,
		log:      opts.Logger,
		parents:  make(map[string]string, len(opts.Parents)),
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.opts.Today.IsZero() {
		a.opts.Today = utils.Today()
	}
	for _, p := range opts.Parents {
		if key := normalize.Name(p); key != "" {
			a.parents[key] = strings.TrimSpace(p)
		}
	}
	return a.run(ctx, feeds)
}

type aggregator struct {
	table    Mapping
	resolver ExternalResolver
	opts     Options
	log      *zap.Logger
	parents  map[string]string
	stats    Stats
}

func (a *aggregator) run(ctx context.Context, feeds map[types.FeedKind][]types.UsageRecord) *Result {
	var groups []*group
	index := make(map[types.FeedKind]map[firstPassKey]*group, len(types.Feeds))

	for _, feed := range types.Feeds {
		recs := feeds[feed]
		a.stats.Records += len(recs)
		fg, idx := a.firstPass(feed, recs)
		groups = append(groups, fg...)
		index[feed] = idx
	}
	a.stats.Groups = len(groups)

	if a.opts.ResolveExternal && a.resolver != nil {
		a.resolveExternal(ctx, groups)
	}

	a.shareAccounts(groups)

	res := &Result{}
	values := make(map[string]*sums)
	for _, feed := range types.Feeds {
		for _, rec := range feeds[feed] {
			g := index[feed][a.keyFor(rec)]
			id := g.customerID
			if id == "" {
				continue
			}

			gk := a.groupKey(id, g.parent, rec.AccountKey, rec.OriginalName)
			s, ok := values[gk]
			if !ok {
				s = &sums{}
				values[gk] = s
			}
			if rec.HasApplications {
				s.applications = s.applications.Add(rec.Applications)
			}
			if rec.HasUnits {
				s.units = s.units.Add(rec.Units)
			}
			s.appValue = s.appValue.Add(rec.ValueFor(types.EventApp))
			s.unitValue = s.unitValue.Add(rec.ValueFor(types.EventUnit))

			res.Records = append(res.Records, ResolvedRecord{UsageRecord: rec, CustomerID: id, GroupKey: gk})
		}
	}

	a.emit(res, groups, values)
	res.Stats = a.stats

	a.log.Info("usage aggregated",
		zap.Int("records", a.stats.Records),
		zap.Int("groups", a.stats.Groups),
		zap.Int("by_account", a.stats.ByAccount),
		zap.Int("by_name", a.stats.ByName),
		zap.Int("by_external", a.stats.ByExternal),
		zap.Int("by_shared_account", a.stats.BySharedAccount),
		zap.Int("mapped", a.stats.Mapped),
		zap.Int("unmapped", a.stats.Unmapped),
		zap.Int("unresolved_named", a.stats.UnresolvedNamed))
	return res
}

// =============================================================================
// FIRST PASS
// =============================================================================

func (a *aggregator) firstPass(feed types.FeedKind, recs []types.UsageRecord) ([]*group, map[firstPassKey]*group) {
	idx := make(map[firstPassKey]*group)
	var groups []*group

	for _, rec := range recs {
		k := a.keyFor(rec)
		g, ok := idx[k]
		if !ok {
			g = &group{feed: feed, name: rec.Name, acctKey: rec.AccountKey, parent: a.parentOf(rec.Name)}
			idx[k] = g
			groups = append(groups, g)
		}
		g.quantity = g.quantity.Add(rec.Quantity)
		if rec.Timestamp.After(g.latest) {
			g.latest = rec.Timestamp
		}
		if g.label == "" && strings.TrimSpace(rec.OriginalName) != "" {
			g.label = rec.OriginalName
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].name != groups[j].name {
			return groups[i].name < groups[j].name
		}
		return groups[i].acctKey < groups[j].acctKey
	})

	for _, g := range groups {
		if g.acctKey != "" {
			if id, ok := a.table.ByAccount(g.acctKey); ok {
				g.customerID = id
				a.stats.ByAccount++
			}
		}
		if g.customerID == "" {
			if id, ok := a.table.ByName(g.name); ok {
				g.customerID = id
				a.stats.ByName++
			}
		}

		g.eventType = a.eventType(feed, g.acctKey)

		switch {
		case a.opts.AsOf != nil:
			g.date = utils.FormatDate(*a.opts.AsOf)
		case !g.latest.IsZero():
			g.date = utils.FormatDate(g.latest)
		default:
			g.date = utils.FormatDate(a.opts.Today)
		}
	}
	return groups, idx
}

// keyFor is the first-pass grouping key. Parent rows without an account
// number are also split by label so sub-accounts survive the first pass.
func (a *aggregator) keyFor(rec types.UsageRecord) firstPassKey {
	k := firstPassKey{name: rec.Name, acctKey: rec.AccountKey}
	if rec.AccountKey == "" && a.parentOf(rec.Name) != "" {
		k.label = normalize.Name(rec.OriginalName)
	}
	return k
}

func (a *aggregator) eventType(feed types.FeedKind, acctKey string) string {
	if acctKey != "" {
		if ev, ok := a.table.EventOverride(acctKey, feed); ok {
			return ev
		}
	}
	return types.EventTypeFor(feed, feed.DefaultBilling())
}

// =============================================================================
// EXTERNAL ID PASS
// =============================================================================

func (a *aggregator) resolveExternal(ctx context.Context, groups []*group) {
	resolved := make(map[string]string)
	for _, g := range groups {
		if g.customerID != "" || g.acctKey == "" {
			continue
		}
		ext, ok := a.table.ByAccountToExternal(g.acctKey)
		if !ok {
			continue
		}
		id, seen := resolved[ext]
		if !seen {
			id, _ = a.resolver.Resolve(ctx, ext)
			resolved[ext] = id
		}
		if id == "" {
			continue
		}
		g.customerID = id
		a.stats.ByExternal++
		a.log.Debug("resolved via external id",
			zap.String("account", g.acctKey),
			zap.String("external_id", ext),
			zap.String("customer_id", id))
	}
}

// shareAccounts gives an unresolved group the customer id another group
// with the same account key resolved to, in either feed.
func (a *aggregator) shareAccounts(groups []*group) {
	accountToCustomer := make(map[string]string)
	for _, g := range groups {
		if g.customerID == "" || g.acctKey == "" {
			continue
		}
		if _, ok := accountToCustomer[g.acctKey]; !ok {
			accountToCustomer[g.acctKey] = g.customerID
		}
	}
	for _, g := range groups {
		if g.customerID != "" || g.acctKey == "" {
			continue
		}
		if id, ok := accountToCustomer[g.acctKey]; ok {
			g.customerID = id
			a.stats.BySharedAccount++
		}
	}
}

// =============================================================================
// GROUP KEYS AND DIFFERENTIATORS
// =============================================================================

func (a *aggregator) parentOf(name string) string {
	return a.parents[normalize.Name(name)]
}

func (a *aggregator) groupKey(customerID, parent, acctKey, label string) string {
	if parent == "" {
		return customerID
	}
	if acctKey != "" {
		return customerID + "_" + acctKey
	}
	if l := normalize.Name(label); l != "" {
		return customerID + "_" + l
	}
	return customerID
}

// differentiator labels a parent customer's sub-account. The Income feed's
// label is used as is; LBPA labels get the parent prefix unless they already
// carry it.
func (a *aggregator) differentiator(g *group) string {
	if g.parent == "" {
		return ""
	}
	label := strings.TrimSpace(g.label)
	if label == "" {
		display, _ := a.table.DisplayOverride(g.acctKey)
		return display
	}
	if g.feed == types.FeedIncome {
		return label
	}
	if strings.HasPrefix(normalize.Name(label), normalize.Name(g.parent)) {
		return label
	}
	return g.parent + " - " + label
}

// =============================================================================
// OUTPUT
// =============================================================================

func (a *aggregator) emit(res *Result, groups []*group, values map[string]*sums) {
	byKey := make(map[rowKey]int)

	for _, g := range groups {
		row := types.AggregatedUsage{
			CustomerID:   g.customerID,
			CustomerName: g.name,
			EventType:    g.eventType,
			Date:         g.date,
			Feed:         g.feed,
			AccountKey:   g.acctKey,
		}

		if g.customerID == "" {
			row.Value = g.quantity
			res.All = append(res.All, row)
			if normalize.LooksNumeric(g.name) {
				res.Unmapped = append(res.Unmapped, row)
				a.stats.Unmapped++
			} else {
				a.stats.UnresolvedNamed++
			}
			continue
		}

		row.GroupKey = a.groupKey(g.customerID, g.parent, g.acctKey, g.label)
		row.Differentiator = a.differentiator(g)
		k := rowKey{feed: g.feed, groupKey: row.GroupKey, eventType: g.eventType}

		if i, ok := byKey[k]; ok {
			prev := &res.Mapped[i]
			if row.Date > prev.Date {
				prev.Date = row.Date
			}
			if prev.Differentiator == "" {
				prev.Differentiator = row.Differentiator
			}
			continue
		}

		if s, ok := values[row.GroupKey]; ok {
			row.Applications = s.applications
			row.Units = s.units
			row.Value = s.valueFor(g.eventType)
		}
		byKey[k] = len(res.Mapped)
		res.Mapped = append(res.Mapped, row)
	}

	// the audit table lists mapped rows first, in the same order as Mapped
	res.All = append(append([]types.AggregatedUsage(nil), res.Mapped...), res.All...)
	a.stats.Mapped = len(res.Mapped)
}
