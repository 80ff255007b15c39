package masterdata

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func seededDirectory() *MemoryDirectory {
	dir := NewMemoryDirectory()
	dir.AddCompany(Company{ID: 1, Code: "ACME"})
	dir.AddCompany(Company{ID: 2, Code: "OTHER"})
	dir.AddWarehouse(Warehouse{ID: 10, CompanyID: 1, Code: "WH1", IsActive: true})
	dir.AddWarehouse(Warehouse{ID: 11, CompanyID: 1, Code: "WH-OLD"})
	dir.AddLocation(Location{ID: 100, WarehouseID: 10, Code: "A-01"})
	dir.AddItem(Item{ID: 500, CompanyID: 1, SKU: "ITEM-A", IsActive: true})
	return dir
}

func TestMemoryDirectoryScopesByCompany(t *testing.T) {
	dir := seededDirectory()
	ctx := context.Background()

	ok, err := dir.WarehouseExists(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = dir.WarehouseExists(ctx, 2, 10)
	require.False(t, ok)

	ok, _ = dir.WarehouseExists(ctx, 1, 11)
	require.False(t, ok, "inactive warehouse")

	ok, _ = dir.LocationExists(ctx, 1, 10, 100)
	require.True(t, ok)
	ok, _ = dir.LocationExists(ctx, 2, 10, 100)
	require.False(t, ok)

	ok, _ = dir.ItemExists(ctx, 2, 500)
	require.False(t, ok)

	ids, err := dir.ListCompanyIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, ids)
}

type countingDirectory struct {
	Directory
	calls atomic.Int32
}

func (c *countingDirectory) ItemExists(ctx context.Context, companyID, itemID int64) (bool, error) {
	c.calls.Add(1)
	return c.Directory.ItemExists(ctx, companyID, itemID)
}

func newCached(t *testing.T) (*CachedDirectory, *countingDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	next := &countingDirectory{Directory: seededDirectory()}
	return NewCachedDirectory(next, client, time.Minute, nil), next, mr
}

func TestCachedDirectoryCachesPositiveAnswers(t *testing.T) {
	cached, next, mr := newCached(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := cached.ItemExists(ctx, 1, 500)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, int32(1), next.calls.Load())
	require.True(t, mr.Exists("masterdata:item:1:500"))

	mr.FastForward(2 * time.Minute)
	_, err := cached.ItemExists(ctx, 1, 500)
	require.NoError(t, err)
	require.Equal(t, int32(2), next.calls.Load())
}

func TestCachedDirectoryDoesNotCacheMisses(t *testing.T) {
	cached, next, mr := newCached(t)
	ctx := context.Background()

	ok, err := cached.ItemExists(ctx, 1, 501)
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, mr.Exists("masterdata:item:1:501"))

	_, _ = cached.ItemExists(ctx, 1, 501)
	require.Equal(t, int32(2), next.calls.Load())
}

func TestCachedDirectoryInvalidate(t *testing.T) {
	cached, next, mr := newCached(t)
	ctx := context.Background()

	_, err := cached.ItemExists(ctx, 1, 500)
	require.NoError(t, err)
	_, err = cached.WarehouseExists(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, mr.Exists("masterdata:warehouse:1:10"))

	require.NoError(t, cached.Invalidate(ctx, 1))
	require.False(t, mr.Exists("masterdata:item:1:500"))
	require.False(t, mr.Exists("masterdata:warehouse:1:10"))

	_, err = cached.ItemExists(ctx, 1, 500)
	require.NoError(t, err)
	require.Equal(t, int32(2), next.calls.Load())
}
