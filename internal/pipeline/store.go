package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ginjaninja78/usage-reconciler/internal/billingapi"
	"github.com/ginjaninja78/usage-reconciler/internal/clock"
	"github.com/ginjaninja78/usage-reconciler/internal/config"
	"github.com/ginjaninja78/usage-reconciler/internal/identity"
	"github.com/ginjaninja78/usage-reconciler/internal/invoice"
	"github.com/ginjaninja78/usage-reconciler/internal/mapping"
	"github.com/ginjaninja78/usage-reconciler/internal/store"
)

// IdentityStore owns the process-wide reconciliation state: the master
// mapping table, the durable identity cache with its resolver, and the
// invoice resolver. It is opened once per process and passed to whatever
// needs it.
type IdentityStore struct {
	Mapping  *mapping.Table
	Cache    *identity.Cache
	Resolver *identity.Resolver
	Invoices *invoice.Resolver

	// Client is nil when no API token is configured or the API is offline.
	Client *billingapi.Client

	cfg *config.MainConfig
	log *zap.Logger
}

// OpenStore builds the IdentityStore from configuration. The mapping table
// comes from the snapshot when one exists and is empty otherwise.
func OpenStore(ctx context.Context, cfg *config.MainConfig, clk clock.Clock, log *zap.Logger) (*IdentityStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &IdentityStore{cfg: cfg, log: log}

	var (
		lookup  identity.CustomerLookup
		fetcher invoice.Fetcher
	)
	if token := cfg.API.Token; token != "" && !cfg.API.Offline {
		s.Client = billingapi.New(billingapi.Options{
			BaseURL:        cfg.API.BaseURL,
			Token:          token,
			LookupTimeout:  cfg.API.LookupTimeout,
			RequestTimeout: cfg.API.RequestTimeout,
			PageSize:       cfg.API.PageSize,
			MaxPages:       cfg.API.MaxPages,
			Logger:         log.Named("api"),
		})
		lookup = s.Client
		fetcher = s.Client
	} else {
		log.Warn("billing API disabled, external ids and invoices resolve from cache only",
			zap.Bool("offline", cfg.API.Offline))
	}

	kv, err := openKV(cfg.IdentityCache)
	if err != nil {
		return nil, err
	}
	cache, err := identity.OpenCache(ctx, kv, log.Named("identity"))
	if err != nil {
		kv.Close()
		return nil, err
	}
	s.Cache = cache
	s.Resolver = identity.NewResolver(cache, lookup, identity.MatchPolicy(cfg.Mapping.ExternalIDMatch), log.Named("identity"))

	s.Invoices = invoice.New(fetcher, invoice.Options{
		CacheDir:         cfg.CacheDir,
		Token:            cfg.API.Token,
		TTL:              cfg.InvoiceCache.TTL,
		RefreshWhenStale: cfg.InvoiceCache.RefreshWhenStale,
		SourceTag:        cfg.InvoiceCache.SourceTag,
		Clock:            clk,
		Logger:           log.Named("invoice"),
	})

	table, found, err := mapping.LoadSnapshot(cfg.Mapping.SnapshotPath)
	switch {
	case err != nil:
		log.Warn("mapping snapshot unreadable, starting empty", zap.Error(err))
		table = mapping.New()
	case !found:
		table = mapping.New()
	default:
		log.Info("mapping snapshot loaded",
			zap.String("source", table.Source),
			zap.Int("rows", table.Rows),
			zap.Int("names", len(table.NameToID)),
			zap.Int("accounts", len(table.AccountToID)))
	}
	s.Mapping = table

	return s, nil
}

func openKV(cfg config.IdentityCacheConfig) (store.KV, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		kv, err := store.OpenSQLKV(cfg.Path, "external_id")
		if err != nil {
			return nil, fmt.Errorf("failed to open identity cache: %w", err)
		}
		return kv, nil
	default:
		return store.NewFileKV(cfg.Path), nil
	}
}

// LoadMaster rebuilds the mapping table from a master list and saves the
// snapshot.
func (s *IdentityStore) LoadMaster(path string) error {
	opts := mapping.OptionsFromConfig(s.cfg, s.log.Named("mapping"))
	table, err := mapping.LoadMaster(path, opts)
	if err != nil {
		return err
	}
	if err := table.Save(s.cfg.Mapping.SnapshotPath); err != nil {
		return err
	}
	s.Mapping = table

	s.log.Info("master list loaded",
		zap.String("path", path),
		zap.Int("rows", table.Rows),
		zap.Int("names", len(table.NameToID)),
		zap.Int("accounts", len(table.AccountToID)),
		zap.Int("conflicts", len(table.Conflicts)))
	return nil
}

// Close releases the identity cache backend.
func (s *IdentityStore) Close() error {
	var errs []error
	if s.Cache != nil {
		errs = append(errs, s.Cache.Close())
	}
	return errors.Join(errs...)
}
