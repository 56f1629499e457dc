package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/placebook/pkg/observability"
)

func TestNewCachedStore_ZeroTTLDisables(t *testing.T) {
	inner := fixture()
	assert.Same(t, inner, NewCachedStore(inner, 10, 0, nil).(*memStore))
}

func TestCachedStore_HitsAndMisses(t *testing.T) {
	inner := fixture()
	m := observability.NewMetrics(prometheus.NewRegistry())
	store := NewCachedStore(inner, 100, time.Minute, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mem, err := store.GetSiteMembership(ctx, siteA, adminAID)
		require.NoError(t, err)
		assert.Equal(t, SiteAdmin, mem.Role)
	}
	assert.Equal(t, 1, inner.count("site"))

	// misses are cached as well
	for i := 0; i < 2; i++ {
		_, err := store.GetSiteMembership(ctx, siteB, adminAID)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 2, inner.count("site"))

	assert.Equal(t, float64(3), testutil.ToFloat64(m.MembershipCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.MembershipCacheTotal.WithLabelValues("miss")))
}

func TestCachedStore_ReturnsCopies(t *testing.T) {
	store := NewCachedStore(fixture(), 100, time.Minute, nil)
	ctx := context.Background()

	first, err := store.GetPlaceMembership(ctx, placeA, ownerAID)
	require.NoError(t, err)
	first.Role = PlaceEditor

	second, err := store.GetPlaceMembership(ctx, placeA, ownerAID)
	require.NoError(t, err)
	assert.Equal(t, PlaceOwner, second.Role)
}

func TestCachedStore_InvalidateUser(t *testing.T) {
	inner := fixture()
	store := NewCachedStore(inner, 100, time.Minute, nil).(*CachedStore)
	ctx := context.Background()

	_, err := store.GetGlobalRole(ctx, editorAID)
	require.NoError(t, err)
	_, err = store.GetSiteMembership(ctx, siteA, editorAID)
	require.NoError(t, err)
	_, err = store.GetPlaceSiteID(ctx, placeA)
	require.NoError(t, err)

	inner.siteMember(siteA, editorAID, SiteAdmin)
	store.InvalidateUser(editorAID)

	mem, err := store.GetSiteMembership(ctx, siteA, editorAID)
	require.NoError(t, err)
	assert.Equal(t, SiteAdmin, mem.Role)
	assert.Equal(t, 2, inner.count("site"))

	_, err = store.GetGlobalRole(ctx, editorAID)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.count("global"))

	// place-to-site mapping is not user data and survives
	_, err = store.GetPlaceSiteID(ctx, placeA)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.count("placeSite"))
}

func TestCachedStore_ResolverSeesInvalidation(t *testing.T) {
	inner := fixture()
	cached := NewCachedStore(inner, 100, time.Minute, nil)
	r := NewResolver(cached)
	ctx := context.Background()

	ok, err := r.HasSitePermission(ctx, plainID, siteA, SiteViewer)
	require.NoError(t, err)
	assert.False(t, ok)

	inner.siteMember(siteA, plainID, SiteViewer)
	cached.(*CachedStore).InvalidateUser(plainID)

	ok, err = r.HasSitePermission(ctx, plainID, siteA, SiteViewer)
	require.NoError(t, err)
	assert.True(t, ok)
}
