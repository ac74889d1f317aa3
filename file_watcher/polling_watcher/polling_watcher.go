package polling_watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/subfusc/vakt/config"
	"github.com/subfusc/vakt/file_watcher/common"
)

const DefaultLatency = 1500 * time.Millisecond

// IsSupported is always true, polling only needs stat and read.
func IsSupported() bool {
	return true
}

// PollingWatcher asks its sink for a detection pass over the whole root every
// latency. Passes never overlap: a pass that takes longer than latency is
// followed directly by the next one.
type PollingWatcher struct {
	common.Stopper

	sink      common.Sink
	latency   time.Duration
	recursive bool
	logger    *slog.Logger
}

func NewPollingWatcher(c *config.Config, sink common.Sink, logger *slog.Logger) *PollingWatcher {
	latency := time.Duration(c.Filewatcher.Latency) * time.Millisecond
	if latency <= 0 {
		latency = DefaultLatency
	}

	return &PollingWatcher{
		sink:      sink,
		latency:   latency,
		recursive: c.Filewatcher.Recursive,
		logger:    logger,
	}
}

func (pw *PollingWatcher) Name() string {
	return "polling"
}

func (pw *PollingWatcher) Latency() time.Duration {
	return pw.latency
}

// Watch blocks until ctx is done or Stop is called.
func (pw *PollingWatcher) Watch(ctx context.Context, root string) error {
	ctx, done := pw.Begin(ctx)
	defer done()

	pw.logger.Info("Starting Polling Watcher", "root", root, "latency", pw.latency, "recursive", pw.recursive)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		start := time.Now()
		pw.sink.Poll(pw.recursive)
		took := time.Since(start)
		pw.logger.Debug("Polling pass", "took", took)

		timer.Reset(max(pw.latency-took, 0))
	}
}
