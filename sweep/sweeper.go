package sweep

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"valorswap/swap"
)

// SystemActor is the actor id recorded on sweeper-driven transitions.
const SystemActor = "system"

// DueLister yields swaps whose dispute window lapsed without a dispute.
type DueLister interface {
	SweepDue(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Completer lands the terminal settlement for one swap.
type Completer interface {
	Complete(ctx context.Context, swapID, actorID string) error
}

// Escalator moves overdue disputes to review.
type Escalator interface {
	EscalateOverdue(ctx context.Context, now time.Time, limit int) (int, error)
}

// Sweeper auto-completes delivered swaps after their dispute window and
// escalates disputes that blew their evidence deadline. Losing the row lock
// to a freshly opened dispute is expected and skipped, not an error.
type Sweeper struct {
	due       DueLister
	completer Completer
	escalator Escalator
	log       *zap.Logger

	interval  time.Duration
	batchSize int
}

func New(due DueLister, completer Completer, escalator Escalator, log *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		due:       due,
		completer: completer,
		escalator: escalator,
		log:       log,
		interval:  interval,
		batchSize: 100,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.SweepOnce(ctx, time.Now()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("sweep pass failed", zap.Error(err))
		}
	}
}

// SweepOnce runs one pass of both duties.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) error {
	ids, err := s.due.SweepDue(ctx, now, s.batchSize)
	if err != nil {
		return err
	}
	completed := 0
	for _, id := range ids {
		err := s.completer.Complete(ctx, id, SystemActor)
		switch {
		case err == nil:
			completed++
		case errors.Is(err, swap.ErrInvalidTransition), errors.Is(err, swap.ErrConcurrentModification):
			// a dispute opened between listing and locking; theirs now
			s.log.Debug("sweep skipped swap", zap.String("swap_id", id), zap.Error(err))
		default:
			s.log.Error("sweep completion failed", zap.String("swap_id", id), zap.Error(err))
		}
	}
	if completed > 0 {
		s.log.Info("swept swaps", zap.Int("completed", completed))
	}

	if s.escalator != nil {
		escalated, err := s.escalator.EscalateOverdue(ctx, now, s.batchSize)
		if err != nil {
			return err
		}
		if escalated > 0 {
			s.log.Info("escalated disputes", zap.Int("count", escalated))
		}
	}
	return nil
}
