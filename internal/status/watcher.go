package status

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc checks whether the network path to the authority works.
type ProbeFunc func(ctx context.Context) error

// Watcher polls a probe and feeds the result to a Reporter as the
// connectivity signal.
type Watcher struct {
	probe    ProbeFunc
	reporter *Reporter
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewWatcher returns a watcher probing every interval, each probe bounded by timeout.
func NewWatcher(probe ProbeFunc, reporter *Reporter, interval, timeout time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Watcher{
		probe:    probe,
		reporter: reporter,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("watcher"),
	}
}

// Run probes immediately and then every interval until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	online := err == nil
	if !online && w.reporter.Current().Online {
		w.logger.Info("authority unreachable", zap.Error(err))
	}
	w.reporter.SetOnline(online)
}
