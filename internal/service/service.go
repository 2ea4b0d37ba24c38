// Package service wires the reward engine components into the operations the
// HTTP layer exposes.
package service

import (
	"log/slog"
	"time"

	"referral-rewards-api/internal/analytics"
	"referral-rewards-api/internal/database"
	"referral-rewards-api/internal/events"
	"referral-rewards-api/internal/features"
	"referral-rewards-api/internal/ledger"
	"referral-rewards-api/internal/metrics"
	"referral-rewards-api/internal/usage"
)

const defaultProcessingTimeout = 10 * time.Second

// Service provides business logic for the referral rewards API.
type Service struct {
	db        *database.DB
	limiter   *usage.Limiter
	ledger    *ledger.Writer
	analytics *analytics.Aggregator
	events    *events.Manager
	features  *features.Manager
	metrics   *metrics.Collector
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time
}

// Options carries the optional collaborators of a Service. Nil values are
// valid: events are dropped, every feature is on and metrics are not recorded.
type Options struct {
	Analytics         *analytics.Aggregator
	Events            *events.Manager
	Features          *features.Manager
	Metrics           *metrics.Collector
	Logger            *slog.Logger
	ProcessingTimeout time.Duration
}

// NewService creates a new service instance.
func NewService(db *database.DB, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.ProcessingTimeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	agg := opts.Analytics
	if agg == nil {
		agg = analytics.NewAggregator(db, analytics.Options{Features: opts.Features, Logger: logger})
	}

	return &Service{
		db:        db,
		limiter:   usage.NewLimiter(db),
		ledger:    ledger.NewWriter(db, logger),
		analytics: agg,
		events:    opts.Events,
		features:  opts.Features,
		metrics:   opts.Metrics,
		logger:    logger,
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}
