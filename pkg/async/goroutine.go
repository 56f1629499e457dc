package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/platinummonkey/placebook/pkg/observability"
)

// SafeGo runs fn in a goroutine with panic recovery and a timeout. Errors
// and panics are logged, never returned.
//
// The task context is detached from parentCtx's cancellation so work
// started by a request outlives the response; values such as the request
// id remain visible.
//
//	async.SafeGo(r.Context(), logger, 5*time.Second, "event log append", func(ctx context.Context) error {
//	    return store.Append(ctx, entry)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				observability.FromContext(ctx, logger).WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			observability.FromContext(ctx, logger).WithField("task", taskName).WithError(err).Error("background task failed")
		}
	}()
}

// Batch runs fn over items with at most workers concurrent calls, each
// bounded by timeout, and returns every error encountered. Panics are
// converted to errors. Batch blocks until all items are processed or ctx
// is done; items not started before cancellation report ctx.Err().
func Batch[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers <= 0 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	sem := make(chan struct{}, workers)
	for _, item := range items {
		select {
		case <-ctx.Done():
			record(ctx.Err())
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					record(fmt.Errorf("panic: %v", r))
				}
			}()

			if err := fn(taskCtx, item); err != nil {
				record(err)
			}
		}(item)
	}
	wg.Wait()
	return errs
}
