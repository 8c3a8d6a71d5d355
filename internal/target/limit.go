package target

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type limited struct {
	next Invoker
	sem  *semaphore.Weighted
}

// Limit caps the number of concurrent invocations of next at n. Calls over the
// limit fail immediately with ErrThrottled. n <= 0 returns next unchanged.
func Limit(next Invoker, n int) Invoker {
	if n <= 0 {
		return next
	}
	return &limited{next: next, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limited) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if !l.sem.TryAcquire(1) {
		return nil, ErrThrottled
	}
	defer l.sem.Release(1)
	return l.next.Invoke(ctx, inv)
}
