package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var shuttingDown atomic.Bool

// SetShuttingDown sets the shutdown flag. Health returns 503 shutting-down while true.
func SetShuttingDown(v bool) {
	shuttingDown.Store(v)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}

// Step is one stage of shutdown.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Shutdown marks the process as draining and runs steps in order, all within
// the deadline of ctx. A failing step is logged and does not stop later steps.
// The joined step errors are returned.
func Shutdown(ctx context.Context, logger *zap.Logger, steps ...Step) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	SetShuttingDown(true)

	var errs []error
	for _, step := range steps {
		start := time.Now()
		err := step.Fn(ctx)
		if err != nil {
			logger.Error("shutdown step failed", zap.String("step", step.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		logger.Info("shutdown step complete", zap.String("step", step.Name), zap.Duration("duration", time.Since(start)))
	}
	return errors.Join(errs...)
}
