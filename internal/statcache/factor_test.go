package statcache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStoreRoundTrip(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	in := map[string]float64{"AAA": 0.12, "BBB": -0.03}

	require.NoError(t, store.Set(ctx, "momentum:test", in))

	var out map[string]float64
	found, createdAt, err := store.Get(ctx, "momentum:test", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.WithinDuration(t, time.Now(), createdAt, time.Minute)
	assert.Equal(t, in, out)
}

func TestDiskStoreMissingKey(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	var out map[string]float64
	found, _, err := store.Get(context.Background(), "absent", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDiskStoreCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644))

	var out map[string]float64
	_, _, err = store.Get(context.Background(), "bad", &out)
	assert.Error(t, err)
}

func TestFactorCacheHitSkipsCompute(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	cache := NewFactorCache(store, 0, nil)
	ctx := context.Background()

	calls := 0
	compute := func() (interface{}, error) {
		calls++
		return map[string]float64{"AAA": 1.5}, nil
	}

	var first, second map[string]float64
	require.NoError(t, cache.GetOrCompute(ctx, "k", &first, compute))
	require.NoError(t, cache.GetOrCompute(ctx, "k", &second, compute))

	assert.Equal(t, 1, calls, "second lookup must come from the store")
	assert.Equal(t, first, second, "cached value must match the fresh one")

	hits, misses := cache.Counters()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestFactorCacheMaxAge(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	// Plant an entry created well in the past.
	payload, _ := json.Marshal(map[string]float64{"AAA": 9.9})
	stale, _ := json.Marshal(envelope{
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
		Payload:   payload,
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "k.json"), stale, 0o644))

	cache := NewFactorCache(store, 24*time.Hour, nil)

	var out map[string]float64
	err = cache.GetOrCompute(context.Background(), "k", &out, func() (interface{}, error) {
		return map[string]float64{"AAA": 1.0}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, out["AAA"], "expired entry must be recomputed")

	_, misses := cache.Counters()
	assert.Equal(t, uint64(1), misses)
}

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string, interface{}) (bool, time.Time, error) {
	return false, time.Time{}, errors.New("store offline")
}

func (brokenStore) Set(context.Context, string, interface{}) error {
	return errors.New("store offline")
}

func TestFactorCacheDegradesOnStoreFailure(t *testing.T) {
	cache := NewFactorCache(brokenStore{}, 0, nil)

	var out map[string]float64
	err := cache.GetOrCompute(context.Background(), "k", &out, func() (interface{}, error) {
		return map[string]float64{"AAA": 2.0}, nil
	})
	require.NoError(t, err, "store failures must not fail the computation")
	assert.Equal(t, 2.0, out["AAA"])
}

func TestFactorCacheComputeErrorPropagates(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)

	cache := NewFactorCache(store, 0, nil)

	var out map[string]float64
	err = cache.GetOrCompute(context.Background(), "k", &out, func() (interface{}, error) {
		return nil, errors.New("window too short")
	})
	assert.Error(t, err)
}
