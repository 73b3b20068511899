// Package latency measures round-trip time to the configured server.
package latency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"xraydeck/internal/storage"
	"xraydeck/internal/storage/models"
	pkgerrors "xraydeck/pkg/errors"
)

// TesterConfig holds configuration for the Tester.
type TesterConfig struct {
	Timeout time.Duration
	Clock   clockwork.Clock
}

// Tester runs a strategy and records the outcome.
type Tester struct {
	storage storage.Storage
	config  TesterConfig
	logger  *zap.Logger
}

// NewTester creates a new Tester.
func NewTester(store storage.Storage, cfg TesterConfig, logger *zap.Logger) *Tester {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Tester{
		storage: store,
		config:  cfg,
		logger:  logger.Named("latency"),
	}
}

// Test measures the profile with strategy and records the result. A failed
// measurement is reported in the result, not as an error.
func (t *Tester) Test(ctx context.Context, profile *models.Profile, strategy Strategy) *models.LatencyTest {
	testCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	latencyMS, err := strategy.Test(testCtx, profile)

	result := &models.LatencyTest{
		Endpoint:     profile.Endpoint(),
		TestStrategy: strategy.Name(),
		TestedAt:     t.config.Clock.Now(),
	}
	if err != nil {
		if errors.Is(testCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", pkgerrors.ErrLatencyTestTimeout, t.config.Timeout)
		}
		result.ErrorMessage = err.Error()
	} else {
		result.Success = true
		result.LatencyMS = &latencyMS
	}

	// Record to database (best-effort)
	if err := t.storage.RecordLatency(ctx, result); err != nil {
		t.logger.Warn("failed to record latency", zap.Error(err))
	}

	t.logger.Debug("latency tested",
		zap.String("endpoint", result.Endpoint),
		zap.String("strategy", result.TestStrategy),
		zap.Bool("success", result.Success))
	return result
}
