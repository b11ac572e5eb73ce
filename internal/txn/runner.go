// Package txn runs read-modify-write cycles on threads under the per-thread
// lock with transient storage failures retried.
package txn

import (
	"context"
	"errors"

	"messaging-core/internal/keylock"
	"messaging-core/internal/models"
	"messaging-core/internal/repositories"
	"messaging-core/internal/retry"
)

// ErrNoChange returned from an update callback skips the write and yields the
// thread as loaded.
var ErrNoChange = errors.New("no change")

// Runner is shared by every service that writes thread state.
type Runner struct {
	threads repositories.ThreadRepository
	locks   *keylock.Locker
	retrier *retry.Retrier
}

// NewRunner builds a Runner. A nil retrier runs each attempt once.
func NewRunner(threads repositories.ThreadRepository, locks *keylock.Locker, retrier *retry.Retrier) *Runner {
	if locks == nil {
		locks = keylock.New()
	}
	return &Runner{threads: threads, locks: locks, retrier: retrier}
}

// Locks exposes the shared locker so call sessions use the same instance.
func (r *Runner) Locks() *keylock.Locker {
	return r.locks
}

// Retry runs op under the retry policy without taking any lock.
func (r *Runner) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	return r.retrier.Do(ctx, op)
}

// Locked holds key for the duration of fn.
func (r *Runner) Locked(key string, fn func() error) error {
	unlock := r.locks.Lock(key)
	defer unlock()
	return fn()
}

// LoadThread reads a thread with retries.
func (r *Runner) LoadThread(ctx context.Context, threadID string) (models.Thread, error) {
	var thread models.Thread
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		var err error
		thread, err = r.threads.GetThread(ctx, threadID)
		return err
	})
	return thread, err
}

// UpdateThread loads the thread under its lock, lets fn change it and writes
// it back with a compare-and-swap. fn returning an error aborts the write.
func (r *Runner) UpdateThread(ctx context.Context, threadID string, fn func(t *models.Thread) error) (models.Thread, error) {
	unlock := r.locks.Lock(keylock.Thread(threadID))
	defer unlock()
	return r.UpdateThreadLocked(ctx, threadID, fn)
}

// UpdateThreadLocked is UpdateThread for callers already holding the lock.
func (r *Runner) UpdateThreadLocked(ctx context.Context, threadID string, fn func(t *models.Thread) error) (models.Thread, error) {
	var updated models.Thread
	err := r.retrier.Do(ctx, func(ctx context.Context) error {
		thread, err := r.threads.GetThread(ctx, threadID)
		if err != nil {
			return err
		}
		if err := fn(&thread); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = thread
				return nil
			}
			return err
		}
		updated, err = r.threads.UpdateThread(ctx, thread)
		return err
	})
	return updated, err
}
