package analytics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"referral-rewards-api/internal/cache"
	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/features"
	"referral-rewards-api/internal/models"
	"referral-rewards-api/internal/tracing"
)

const (
	keyPrefix        = "analytics:"
	topReferrerLimit = 10
	recentLimit      = 20
)

// Aggregator builds the analytics read model. Reports may lag the ledger by
// up to the cache TTL.
type Aggregator struct {
	db       *database.DB
	cache    cache.Cache
	ttl      time.Duration
	features *features.Manager
	logger   *slog.Logger
	now      func() time.Time
}

type Options struct {
	Cache    cache.Cache
	TTL      time.Duration
	Features *features.Manager
	Logger   *slog.Logger
}

func NewAggregator(db *database.DB, opts Options) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		db:       db,
		cache:    opts.Cache,
		ttl:      opts.TTL,
		features: opts.Features,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Compute returns the report for the range, from the cache when allowed.
func (a *Aggregator) Compute(ctx context.Context, r models.DateRange) (models.AnalyticsReport, error) {
	ctx, span := tracing.GetTracer().StartSpan(ctx, "analytics.Compute")
	defer span.End()

	key := cacheKey(r)
	useCache := a.cache != nil && a.ttl > 0 && a.features.IsEnabled(features.AnalyticsCache)

	if useCache {
		var report models.AnalyticsReport
		err := cache.GetJSON(ctx, a.cache, key, &report)
		if err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return report, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			a.logger.WarnContext(ctx, "analytics cache read failed", slog.String("error", err.Error()))
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	report := models.AnalyticsReport{Range: r}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		report.Overview, err = a.db.ReferralOverview(gctx, r)
		return err
	})
	g.Go(func() error {
		var err error
		report.Rewards, err = a.db.RewardTotals(gctx, r)
		return err
	})
	g.Go(func() error {
		var err error
		report.TopReferrers, err = a.db.TopReferrers(gctx, r, topReferrerLimit)
		return err
	})
	g.Go(func() error {
		var err error
		report.Trends, err = a.db.ReferralTrends(gctx, r)
		return err
	})
	g.Go(func() error {
		var err error
		report.RecentActivity, err = a.db.RecentReferrals(gctx, r, recentLimit)
		return err
	})

	if err := g.Wait(); err != nil {
		return models.AnalyticsReport{}, err
	}
	report.GeneratedAt = a.now()

	if useCache {
		if err := cache.SetJSON(ctx, a.cache, key, report, a.ttl); err != nil {
			a.logger.WarnContext(ctx, "analytics cache write failed", slog.String("error", err.Error()))
		}
	}
	return report, nil
}

// Invalidate drops every cached report.
func (a *Aggregator) Invalidate(ctx context.Context) error {
	if a.cache == nil {
		return nil
	}
	return a.cache.DeletePrefix(ctx, keyPrefix)
}

func cacheKey(r models.DateRange) string {
	key := keyPrefix
	if r.Start != nil {
		key += database.FormatTime(*r.Start)
	}
	key += "|"
	if r.End != nil {
		key += database.FormatTime(*r.End)
	}
	return key
}
