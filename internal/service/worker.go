package service

import "context"

type workerIDKey struct{}

// WithWorkerID returns a context carrying the coordinator-assigned worker id.
// Backends that cache per-worker resources key them by this id.
func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// WorkerID returns the worker id stored in ctx, if any.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerIDKey{}).(int)
	return id, ok
}
