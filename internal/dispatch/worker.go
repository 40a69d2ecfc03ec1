package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Worker drives the dispatcher on a fixed interval until the context is
// cancelled. One cycle runs immediately at startup so a restart does not wait
// a full interval before catching up.
type Worker struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
}

func NewWorker(dispatcher *Dispatcher, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Worker{dispatcher: dispatcher, interval: interval, logger: logger}
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("reminder scan worker started", "interval", w.interval.String())

	w.cycle(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reminder scan worker stopped")
			return
		case <-ticker.C:
			w.cycle(ctx)
		}
	}
}

func (w *Worker) cycle(ctx context.Context) {
	tracer := otel.Tracer("turnoremind/dispatch")
	cycleCtx, span := tracer.Start(ctx, "reminder.scan_cycle")
	defer span.End()

	started := time.Now()
	result, err := w.dispatcher.RunCycle(cycleCtx)
	if err != nil {
		w.logger.Error("scan cycle failed", "err", err)
		return
	}

	span.SetAttributes(
		attribute.Int("scan.scanned", result.Scanned),
		attribute.Int("scan.sent", result.Sent),
		attribute.Int("scan.failed", result.Failed),
	)
	if result.Scanned > 0 || result.Failed > 0 {
		w.logger.Info("scan cycle complete",
			"scanned", result.Scanned,
			"sent", result.Sent,
			"failed", result.Failed,
			"took", time.Since(started).String(),
		)
	}
}
