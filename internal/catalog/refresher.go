package catalog

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Refresher reloads the catalog on a fixed interval. Manual refreshes (the
// admin endpoint) and the ticker share a singleflight group, so overlapping
// requests collapse into one override load.
type Refresher struct {
	catalog  *Catalog
	interval time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

// NewRefresher creates a Refresher. interval must be positive.
func NewRefresher(catalog *Catalog, interval time.Duration, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		catalog:  catalog,
		interval: interval,
		logger:   logger,
	}
}

// Refresh triggers a deduplicated catalog reload and waits for its result.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("catalog", func() (any, error) {
		return nil, r.catalog.Refresh(ctx)
	})
	return err
}

// Run performs an initial refresh and then reloads on every tick until ctx
// is cancelled. Refresh failures are logged and retried on the next tick;
// the previous snapshot keeps serving in the meantime.
func (r *Refresher) Run(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		r.logger.ErrorContext(ctx, "initial catalog refresh failed, serving compiled defaults",
			"error", err,
		)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.ErrorContext(ctx, "scheduled catalog refresh failed",
					"error", err,
				)
			}
		}
	}
}
