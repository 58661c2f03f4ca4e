package integrity

import (
	"context"
	"os"
	"time"

	"github.com/jmerrifield20/AuditForest/internal/forest"
	"go.uber.org/zap"
)

// CompactorConfig holds background maintenance settings.
type CompactorConfig struct {
	Interval time.Duration
	Timeout  time.Duration
	// SkipOptimize runs verification only.
	SkipOptimize bool
}

// FailureFunc is an optional callback invoked when a sweep finds failed
// partitions.
type FailureFunc func(ctx context.Context, res forest.VerificationResult)

// Maintainer is the part of Service the compactor drives.
type Maintainer interface {
	Optimize(ctx context.Context) (int, error)
	VerifyAll(ctx context.Context) forest.VerificationResult
}

// Compactor periodically merges undersized partitions and sweeps the forest
// for integrity failures.
type Compactor struct {
	svc       Maintainer
	cfg       CompactorConfig
	onFailure FailureFunc
	logger    *zap.Logger
}

// NewCompactor creates a Compactor.
func NewCompactor(svc Maintainer, cfg CompactorConfig, logger *zap.Logger) *Compactor {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = cfg.Interval / 2
	}
	return &Compactor{svc: svc, cfg: cfg, logger: logger}
}

// SetFailureHook configures the callback for failed sweeps.
func (c *Compactor) SetFailureHook(fn FailureFunc) {
	c.onFailure = fn
}

// Start runs the maintenance loop until quit is signalled.
func (c *Compactor) Start(quit <-chan os.Signal) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
			c.RunOnce(ctx)
			cancel()
		case <-quit:
			return
		}
	}
}

// RunOnce verifies the forest and then compacts it. The returned result is
// the state before compaction, which never merges failed partitions.
func (c *Compactor) RunOnce(ctx context.Context) forest.VerificationResult {
	res := c.svc.VerifyAll(ctx)
	if !res.Valid() {
		c.logger.Warn("compactor: integrity failures",
			zap.Int("failed", res.FailedCount()),
			zap.Float64("success_rate", res.SuccessRate()),
		)
		if c.onFailure != nil {
			c.onFailure(ctx, res)
		}
	}

	if !c.cfg.SkipOptimize {
		removed, err := c.svc.Optimize(ctx)
		switch {
		case err != nil:
			c.logger.Error("compactor: optimize", zap.Error(err))
		case removed > 0:
			c.logger.Info("compactor: merged partitions", zap.Int("removed", removed))
		}
	}
	return res
}
