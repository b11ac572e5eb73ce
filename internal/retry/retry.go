// Package retry retries storage operations that failed with a transient error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"messaging-core/internal/models"
)

// Policy configures bounded exponential backoff.
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy retries three times starting at 50ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
	}
}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy Policy
	log    zerolog.Logger
}

// New builds a Retrier.
func New(policy Policy, log zerolog.Logger) *Retrier {
	return &Retrier{policy: policy, log: log}
}

// Do runs op, retrying only errors wrapping models.ErrTransient. When the
// retries are exhausted the last error is surfaced wrapped in ErrUnavailable.
// Any other error is returned as is on the first failure.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if r == nil {
		return op(ctx)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialInterval
	eb.MaxInterval = r.policy.MaxInterval
	eb.Multiplier = r.policy.Multiplier
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.policy.MaxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrTransient) {
			return backoff.Permanent(err)
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("transient storage error, retrying")
		return err
	}, policy)
	if err == nil {
		return nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	if errors.Is(err, models.ErrTransient) {
		return fmt.Errorf("%w: %v", models.ErrUnavailable, err)
	}
	return err
}
