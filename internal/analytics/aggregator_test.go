package analytics

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-rewards-api/internal/cache"
	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/features"
	"referral-rewards-api/internal/models"
)

func setupAggregator(t *testing.T, flags map[string]bool) (*Aggregator, *database.DB) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	agg := NewAggregator(db, Options{
		Cache:    cache.NewInMemoryCache(),
		TTL:      time.Minute,
		Features: features.NewDefaultManager(flags),
	})
	return agg, db
}

func TestCompute_Overview(t *testing.T) {
	agg, db := setupAggregator(t, nil)
	ctx := context.Background()

	first, err := db.CreateReferral(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = db.CreateReferral(ctx, "alice", "carol")
	require.NoError(t, err)
	_, err = db.CreateReferral(ctx, "dave", "erin")
	require.NoError(t, err)
	require.NoError(t, database.MarkReferralCompleted(ctx, db.Conn(), first.ID, time.Now().UTC()))

	report, err := agg.Compute(ctx, models.DateRange{})
	require.NoError(t, err)

	assert.Equal(t, int64(3), report.Overview.Total)
	assert.Equal(t, int64(2), report.Overview.Pending)
	assert.Equal(t, int64(1), report.Overview.Completed)
	assert.InDelta(t, 1.0/3.0, report.Overview.ConversionRate, 1e-9)
	require.NotEmpty(t, report.TopReferrers)
	assert.Equal(t, "alice", report.TopReferrers[0].ReferrerID)
	assert.Len(t, report.RecentActivity, 3)
	assert.False(t, report.GeneratedAt.IsZero())
}

func TestCompute_CachedUntilInvalidated(t *testing.T) {
	agg, db := setupAggregator(t, nil)
	ctx := context.Background()

	_, err := db.CreateReferral(ctx, "alice", "bob")
	require.NoError(t, err)

	report, err := agg.Compute(ctx, models.DateRange{})
	require.NoError(t, err)
	require.Equal(t, int64(1), report.Overview.Total)

	_, err = db.CreateReferral(ctx, "alice", "carol")
	require.NoError(t, err)

	cached, err := agg.Compute(ctx, models.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.Overview.Total, "second read should come from the cache")

	require.NoError(t, agg.Invalidate(ctx))

	fresh, err := agg.Compute(ctx, models.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Overview.Total)
}

func TestCompute_CacheDisabledByFlag(t *testing.T) {
	agg, db := setupAggregator(t, map[string]bool{features.AnalyticsCache: false})
	ctx := context.Background()

	_, err := db.CreateReferral(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = agg.Compute(ctx, models.DateRange{})
	require.NoError(t, err)

	_, err = db.CreateReferral(ctx, "alice", "carol")
	require.NoError(t, err)

	report, err := agg.Compute(ctx, models.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Overview.Total)
}

func TestCompute_RangeExcludesOlderReferrals(t *testing.T) {
	agg, db := setupAggregator(t, nil)
	ctx := context.Background()

	_, err := db.CreateReferral(ctx, "alice", "bob")
	require.NoError(t, err)

	future := time.Now().UTC().Add(24 * time.Hour)
	report, err := agg.Compute(ctx, models.DateRange{Start: &future})
	require.NoError(t, err)
	assert.Zero(t, report.Overview.Total)
	assert.Empty(t, report.RecentActivity)
}
