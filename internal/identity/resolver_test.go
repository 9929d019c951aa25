package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ginjaninja78/usage-reconciler/internal/billingapi"
	"github.com/ginjaninja78/usage-reconciler/internal/store"
)

type lookupMock struct {
	mock.Mock
}

func (m *lookupMock) FindCustomersByExternalID(ctx context.Context, externalID string) ([]billingapi.Customer, error) {
	args := m.Called(ctx, externalID)
	res := args.Get(0)
	if res == nil {
		return nil, args.Error(1)
	}
	return res.([]billingapi.Customer), args.Error(1)
}

func newCache(t *testing.T) (*Cache, *store.FileKV) {
	t.Helper()
	kv := store.NewFileKV(filepath.Join(t.TempDir(), "ids.json"))
	cache, err := OpenCache(context.Background(), kv, nil)
	require.NoError(t, err)
	return cache, kv
}

func customer(id string, ext ...string) billingapi.Customer {
	c := billingapi.Customer{ID: billingapi.FlexString(id)}
	for _, e := range ext {
		c.ExternalIDs = append(c.ExternalIDs, billingapi.ExternalID{ID: billingapi.FlexString(e)})
	}
	return c
}

func TestResolve_IdempotentWithOneRemoteCall(t *testing.T) {
	ctx := context.Background()
	cache, kv := newCache(t)
	lookup := new(lookupMock)
	lookup.On("FindCustomersByExternalID", mock.Anything, "881").
		Return([]billingapi.Customer{customer("CUST1", "881")}, nil).Once()

	r := NewResolver(cache, lookup, ExactOrFirst, nil)

	id, ok := r.Resolve(ctx, "881.0")
	require.True(t, ok)
	assert.Equal(t, "CUST1", id)

	id2, ok := r.Resolve(ctx, "881")
	require.True(t, ok)
	assert.Equal(t, id, id2)

	lookup.AssertNumberOfCalls(t, "FindCustomersByExternalID", 1)
	assert.Equal(t, Stats{CacheHits: 1, RemoteLookups: 1, Resolved: 1}, r.Stats())

	persisted, err := kv.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"881": "CUST1"}, persisted)
}

func TestResolve_PrefersExactMatch(t *testing.T) {
	cache, _ := newCache(t)
	lookup := new(lookupMock)
	lookup.On("FindCustomersByExternalID", mock.Anything, "881").
		Return([]billingapi.Customer{customer("WRONG", "1"), customer("RIGHT", "881")}, nil)

	id, ok := NewResolver(cache, lookup, ExactOrFirst, nil).Resolve(context.Background(), "881")
	require.True(t, ok)
	assert.Equal(t, "RIGHT", id)
}

func TestResolve_FirstPickPolicy(t *testing.T) {
	candidates := []billingapi.Customer{customer("FIRST", "x"), customer("SECOND", "y")}

	t.Run("exact_or_first", func(t *testing.T) {
		cache, _ := newCache(t)
		lookup := new(lookupMock)
		lookup.On("FindCustomersByExternalID", mock.Anything, "881").Return(candidates, nil)

		r := NewResolver(cache, lookup, ExactOrFirst, nil)
		id, ok := r.Resolve(context.Background(), "881")
		require.True(t, ok)
		assert.Equal(t, "FIRST", id)
		assert.EqualValues(t, 1, r.Stats().Ambiguous)
	})

	t.Run("exact", func(t *testing.T) {
		cache, _ := newCache(t)
		lookup := new(lookupMock)
		lookup.On("FindCustomersByExternalID", mock.Anything, "881").Return(candidates, nil)

		_, ok := NewResolver(cache, lookup, ExactOnly, nil).Resolve(context.Background(), "881")
		assert.False(t, ok)
		assert.Equal(t, 0, cache.Len())
	})
}

func TestResolve_FailuresLeaveCacheUntouched(t *testing.T) {
	ctx := context.Background()
	cache, kv := newCache(t)
	lookup := new(lookupMock)
	lookup.On("FindCustomersByExternalID", mock.Anything, "500").
		Return(nil, &billingapi.RemoteError{Op: "find customers", StatusCode: 500})
	lookup.On("FindCustomersByExternalID", mock.Anything, "404").
		Return([]billingapi.Customer{}, nil)

	r := NewResolver(cache, lookup, ExactOrFirst, nil)

	_, ok := r.Resolve(ctx, "500")
	assert.False(t, ok)
	_, ok = r.Resolve(ctx, "404")
	assert.False(t, ok)

	assert.Equal(t, 0, cache.Len())
	persisted, err := kv.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
	assert.EqualValues(t, 1, r.Stats().RemoteFailures)
}

func TestResolve_BlankAndCacheOnly(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t)
	require.NoError(t, cache.Put(ctx, "77", "CUST77"))

	r := NewResolver(cache, nil, ExactOrFirst, nil)

	_, ok := r.Resolve(ctx, "  ")
	assert.False(t, ok)
	_, ok = r.Resolve(ctx, "nan")
	assert.False(t, ok)

	id, ok := r.Resolve(ctx, "77")
	assert.True(t, ok)
	assert.Equal(t, "CUST77", id)

	_, ok = r.Resolve(ctx, "78")
	assert.False(t, ok)
}

func TestOpenCache_ReloadsPersistedEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ids.json")

	first, err := OpenCache(ctx, store.NewFileKV(path), nil)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "881", "CUST1"))

	second, err := OpenCache(ctx, store.NewFileKV(path), nil)
	require.NoError(t, err)
	id, ok := second.Get("881")
	assert.True(t, ok)
	assert.Equal(t, "CUST1", id)
	assert.Equal(t, map[string]string{"881": "CUST1"}, second.Entries())
	assert.NoError(t, second.Close())
}

// nilKV loads nothing, the way a backend can when its document is empty.
type nilKV struct{ merged map[string]string }

func (n *nilKV) Load(ctx context.Context) (map[string]string, error) { return nil, nil }
func (n *nilKV) Merge(ctx context.Context, entries map[string]string) error {
	n.merged = entries
	return nil
}
func (n *nilKV) Close() error { return nil }

func TestOpenCache_NullCacheFileAcceptsPut(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ids.json")
	require.NoError(t, os.WriteFile(path, []byte("null"), 0o644))

	cache, err := OpenCache(ctx, store.NewFileKV(path), nil)
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "881", "CUST1"))
	id, ok := cache.Get("881")
	assert.True(t, ok)
	assert.Equal(t, "CUST1", id)

	kv := &nilKV{}
	fromNil, err := OpenCache(ctx, kv, nil)
	require.NoError(t, err)
	require.NoError(t, fromNil.Put(ctx, "990", "CUST2"))
	assert.Equal(t, 1, fromNil.Len())
}
