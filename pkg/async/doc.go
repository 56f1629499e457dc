// Package async runs best-effort background work with panic recovery and
// timeouts.
//
// SafeGo is fire-and-forget: the caller never sees the task's error, which is
// logged instead. Batch fans a slice out over a bounded number of goroutines
// and collects every error.
//
//	async.SafeGo(ctx, logger, 5*time.Second, "event log append", func(ctx context.Context) error {
//		return store.Append(ctx, entry)
//	})
//
//	errs := async.Batch(ctx, intents, 4, time.Second, dispatchOne)
package async
