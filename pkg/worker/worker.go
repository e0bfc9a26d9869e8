// Package worker implements the worker role: pop a COMMAND item, run it
// through the command executor, push a RESULT item, and repeat, with an
// eager re-poll after doing work and a 1-second idle wait otherwise.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dkrasner/yodi/pkg/cpulimit"
	"github.com/dkrasner/yodi/pkg/executor"
	"github.com/dkrasner/yodi/pkg/store"
)

// IdleWait is how long the worker waits before re-polling an empty
// COMMAND queue.
const IdleWait = time.Second

// Worker pops commands, dispatches them, and pushes results.
type Worker struct {
	store      store.Store
	dispatcher *executor.Dispatcher
	limiter    *cpulimit.Limiter
	logger     *slog.Logger
}

// New creates a Worker. limiter may be nil if CPU rearming is not wanted
// (e.g. in tests).
func New(st store.Store, d *executor.Dispatcher, limiter *cpulimit.Limiter, logger *slog.Logger) *Worker {
	return &Worker{store: st, dispatcher: d, limiter: limiter, logger: logger}
}

// Run polls for COMMAND items until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	if w.limiter != nil {
		if err := w.limiter.Arm(); err != nil {
			w.logger.Error("worker: arm cpu limit", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.limiter != nil {
			if err := w.limiter.Rearm(); err != nil {
				w.logger.Error("worker: rearm cpu limit", "error", err)
			}
		}

		processed := w.tick(ctx)
		wait := IdleWait
		if processed {
			wait = 0
		}
		if wait == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick pops one COMMAND, deletes it immediately (before inspecting the
// handler's output, so a worker crash mid-handler never causes the same
// command to run twice), runs it, and pushes a RESULT if the executor did
// not silently drop it. Returns whether a command was found.
func (w *Worker) tick(ctx context.Context) bool {
	item, err := w.store.One(ctx, store.KindCommand)
	if errors.Is(err, store.ErrEmpty) {
		return false
	}
	if err != nil {
		w.logger.Error("worker: read command", "error", err)
		return false
	}

	if err := w.store.Delete(ctx, item.ID); err != nil {
		w.logger.Error("worker: delete command", "id", item.ID, "error", err)
	}

	result, ok := w.dispatcher.Run(item.Payload)
	if !ok {
		return true
	}

	if _, err := w.store.Add(ctx, store.KindResult, result); err != nil {
		w.logger.Error("worker: store result", "error", err)
	}
	return true
}
