package main

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/parakeet-chat/parakeet/pkg/markov"
)

// Worker runs the scheduled maintenance the core deliberately leaves
// external: periodic compaction of the raw transition log, and draining
// the processing queue to derive higher-order transitions from messages
// the request path only trained at the primary order.
type Worker struct {
	app  *app
	cron *cron.Cron
}

func NewWorker(a *app) *Worker {
	return &Worker{app: a, cron: cron.New()}
}

// Start registers the compaction and queue-drain jobs and starts the
// scheduler. Jobs for the same store serialize through the store's own
// transactions, so overlapping runs are safe but skipped-work cheap.
func (w *Worker) Start() error {
	if _, err := w.cron.AddFunc(w.app.cfg.CompactSchedule, w.runCompaction); err != nil {
		return err
	}
	if len(w.app.cfg.BackgroundOrders) > 0 {
		if _, err := w.cron.AddFunc(w.app.cfg.WorkerSchedule, w.drainQueue); err != nil {
			return err
		}
	}
	w.cron.Start()
	w.app.logger.Info("background worker started",
		slog.String("compact_schedule", w.app.cfg.CompactSchedule),
		slog.String("worker_schedule", w.app.cfg.WorkerSchedule),
		slog.Any("background_orders", w.app.cfg.BackgroundOrders),
	)
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
}

func (w *Worker) runCompaction() {
	ctx := context.Background()
	folded, err := w.app.store.Compact(ctx)
	if err != nil {
		w.app.logger.Error("scheduled compaction failed", slog.Any("error", err))
		return
	}
	if folded > 0 {
		w.app.logger.Info("scheduled compaction", slog.Int64("rows_folded", folded))
	}
}

// drainQueue processes one batch of unprocessed messages per configured
// background order. Each message is trained through a throwaway model so
// only its own increments are persisted.
func (w *Worker) drainQueue() {
	ctx := context.Background()
	for _, order := range w.app.cfg.BackgroundOrders {
		if err := w.processBatch(ctx, order); err != nil {
			w.app.logger.Error("queue drain failed",
				slog.Int("order", order),
				slog.Any("error", err),
			)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, order int) error {
	messages, err := w.app.store.UnprocessedMessages(ctx, order, w.app.cfg.WorkerBatchSize)
	if err != nil {
		return err
	}

	processed := 0
	for _, msg := range messages {
		tokens := w.app.tokenizer.Tokenize(w.app.processor.Normalize(msg.Content))
		if len(tokens) > 0 {
			model, err := markov.NewModel(order)
			if err != nil {
				return err
			}
			if err := w.app.store.AddTransitionBatch(ctx, model.Train(tokens)); err != nil {
				return err
			}
		}
		if err := w.app.store.MarkProcessed(ctx, msg.ID, order); err != nil {
			return err
		}
		processed++
	}

	if processed > 0 {
		w.app.logger.Debug("processed message batch",
			slog.Int("order", order),
			slog.Int("messages", processed),
		)
	}
	return nil
}
