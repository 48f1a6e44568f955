// Package async provides background execution primitives with panic recovery
// and per-run timeouts.
//
// Coalescer runs one task at a time and folds triggers that arrive while it is
// running into a single follow-up run:
//
//	reconcile := async.NewCoalescer(ctx, log, time.Minute, "reconcile", svc.Reconcile)
//	reconcile.Trigger()
//	defer reconcile.Wait()
package async
