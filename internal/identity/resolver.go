// =============================================================================
// Usage Reconciler - External ID Resolver
// =============================================================================
//
// Resolves a foreign (upstream accounting system) customer id to the
// canonical billing customer id.
//
// RESOLUTION ORDER:
//   1. Durable cache. A hit never touches the network.
//   2. Remote lookup filtered by the foreign id.
//      - A customer whose external id list contains the foreign id exactly
//        wins.
//      - Otherwise the match policy decides: exact_or_first takes the first
//        returned customer (logged, since it can hide a collision); exact
//        gives up.
//   3. A successful answer is written through to the cache.
//
// Resolution never fails loudly: transport errors, timeouts, non-2xx
// statuses and empty answers all yield ("", false) and leave the cache as
// it was. Concurrent lookups of the same unseen id may both go remote; they
// write the same answer.
//
// =============================================================================

package identity

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/billingapi"
	"github.com/ginjaninja78/usage-reconciler/internal/normalize"
)

// CustomerLookup is the remote half of resolution.
type CustomerLookup interface {
	FindCustomersByExternalID(ctx context.Context, externalID string) ([]billingapi.Customer, error)
}

// MatchPolicy decides what happens when no returned customer carries the
// foreign id exactly.
type MatchPolicy string

const (
	ExactOrFirst MatchPolicy = "exact_or_first"
	ExactOnly    MatchPolicy = "exact"
)

// Stats counts resolver activity for the run summary.
type Stats struct {
	CacheHits      int64
	RemoteLookups  int64
	RemoteFailures int64
	Resolved       int64
	Ambiguous      int64
}

// Resolver resolves foreign ids. A nil lookup makes it cache-only.
type Resolver struct {
	cache  *Cache
	lookup CustomerLookup
	policy MatchPolicy
	log    *zap.Logger

	cacheHits      atomic.Int64
	remoteLookups  atomic.Int64
	remoteFailures atomic.Int64
	resolved       atomic.Int64
	ambiguous      atomic.Int64
}

// NewResolver returns a Resolver.
func NewResolver(cache *Cache, lookup CustomerLookup, policy MatchPolicy, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if policy == "" {
		policy = ExactOrFirst
	}
	return &Resolver{cache: cache, lookup: lookup, policy: policy, log: log}
}

// Resolve returns the canonical id for externalID.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (string, bool) {
	externalID = normalize.ExternalID(externalID)
	if externalID == "" {
		return "", false
	}

	if id, ok := r.cache.Get(externalID); ok {
		r.cacheHits.Add(1)
		return id, true
	}
	if r.lookup == nil {
		return "", false
	}

	r.remoteLookups.Add(1)
	customers, err := r.lookup.FindCustomersByExternalID(ctx, externalID)
	if err != nil {
		r.remoteFailures.Add(1)
		r.log.Warn("external id lookup failed",
			zap.String("external_id", externalID),
			zap.Error(err))
		return "", false
	}

	id, ok := r.pick(externalID, customers)
	if !ok {
		r.log.Info("external id not found", zap.String("external_id", externalID))
		return "", false
	}

	if err := r.cache.Put(ctx, externalID, id); err != nil {
		r.log.Warn("identity cache write failed", zap.Error(err))
	}
	r.resolved.Add(1)
	return id, true
}

func (r *Resolver) pick(externalID string, customers []billingapi.Customer) (string, bool) {
	for _, c := range customers {
		if c.HasExternalID(externalID) && c.ID != "" {
			return c.ID.String(), true
		}
	}

	if r.policy != ExactOrFirst || len(customers) == 0 || customers[0].ID == "" {
		return "", false
	}

	if len(customers) > 1 {
		r.ambiguous.Add(1)
		r.log.Warn("no exact external id match, taking first candidate",
			zap.String("external_id", externalID),
			zap.Int("candidates", len(customers)),
			zap.String("customer_id", customers[0].ID.String()))
	}
	return customers[0].ID.String(), true
}

// Stats returns a snapshot of the counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		CacheHits:      r.cacheHits.Load(),
		RemoteLookups:  r.remoteLookups.Load(),
		RemoteFailures: r.remoteFailures.Load(),
		Resolved:       r.resolved.Load(),
		Ambiguous:      r.ambiguous.Load(),
	}
}
