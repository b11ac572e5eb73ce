// Package housekeeping runs periodic cleanup of ephemeral state on a cron
// schedule.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// DefaultCron runs every minute.
const DefaultCron = "* * * * *"

type TypingSweeper interface {
	Sweep() int
}

type PresencePruner interface {
	Prune() int
}

type CallArchiver interface {
	ArchiveEndedCalls(ctx context.Context, endedBefore time.Time) (int, error)
}

// Result counts what one run cleaned up.
type Result struct {
	TypingExpired   int
	PresenceTracked int
	CallsArchived   int
}

// Runner sweeps expired typing signals, prunes decayed presence records and
// archives ended call sessions older than the retention window.
type Runner struct {
	cron      string
	typing    TypingSweeper
	presence  PresencePruner
	calls     CallArchiver
	retention time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewRunner(cron string, typing TypingSweeper, presence PresencePruner, calls CallArchiver, retention time.Duration, log zerolog.Logger) *Runner {
	if cron == "" {
		cron = DefaultCron
	}
	return &Runner{
		cron:      cron,
		typing:    typing,
		presence:  presence,
		calls:     calls,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
}

// RunOnce performs a single cleanup pass.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if r.typing != nil {
		res.TypingExpired = r.typing.Sweep()
	}
	if r.presence != nil {
		res.PresenceTracked = r.presence.Prune()
	}
	if r.calls != nil && r.retention > 0 {
		n, err := r.calls.ArchiveEndedCalls(ctx, r.now().Add(-r.retention))
		if err != nil {
			return res, fmt.Errorf("archive ended calls: %w", err)
		}
		res.CallsArchived = n
	}
	return res, nil
}

// Start validates the schedule and runs passes until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	if !gronx.IsValid(r.cron) {
		return fmt.Errorf("invalid housekeeping cron expression: %s", r.cron)
	}
	r.log.Info().Str("cron", r.cron).Msg("housekeeping scheduler started")
	go r.loop(ctx)
	return nil
}

func (r *Runner) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.cron, r.now().UTC(), false)
		wait := time.Until(next)
		if err != nil {
			r.log.Error().Err(err).Str("cron", r.cron).Msg("housekeeping next tick failed")
			wait = 30 * time.Second
		}

		select {
		case <-ctx.Done():
			r.log.Info().Msg("housekeeping scheduler stopping")
			return
		case <-time.After(wait):
		}
		if err != nil {
			continue
		}

		res, err := r.RunOnce(ctx)
		if err != nil {
			r.log.Warn().Err(err).Msg("housekeeping run failed")
			continue
		}
		r.log.Debug().
			Int("typing_expired", res.TypingExpired).
			Int("presence_tracked", res.PresenceTracked).
			Int("calls_archived", res.CallsArchived).
			Msg("housekeeping run")
	}
}
