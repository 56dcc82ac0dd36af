/*
Package maintenance runs out-of-band housekeeping over the ledger stores.

PURPOSE:
  Marks patients inactive once they stop showing up. The status flag is a
  front-desk hint only: balances never depend on it.

IDEMPOTENCE:
  Each run first claims the (job, day) row with an atomic compare-and-set
  in the database. Only the first claimant on a given day does the work, so
  several replicas may schedule the same sweep safely.

RULE:
  cutoff = today - IdleDays
  deactivate when status = active
          AND plan started before cutoff
          AND no attendance (any status) on or after cutoff

SEE ALSO:
  - scheduler.go: daily gocron schedule
  - ledger/store.go: MaintenanceStore
*/
package maintenance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/clinic-ledger/ledger"
)

// JobDeactivateIdle is the run-row key of the idle sweep.
const JobDeactivateIdle = "deactivate_idle"

// DefaultIdleDays is the number of days without any attendance after which
// a patient is considered inactive.
const DefaultIdleDays = 3

// Result reports a single sweep invocation.
type Result struct {
	Day         ledger.Date `json:"day"`
	Claimed     bool        `json:"claimed"`
	Cutoff      ledger.Date `json:"cutoff"`
	Deactivated int64       `json:"deactivated"`
}

type Sweeper struct {
	store    ledger.MaintenanceStore
	idleDays int
	logger   zerolog.Logger
}

func NewSweeper(store ledger.MaintenanceStore, idleDays int, logger zerolog.Logger) *Sweeper {
	if idleDays <= 0 {
		idleDays = DefaultIdleDays
	}
	return &Sweeper{
		store:    store,
		idleDays: idleDays,
		logger:   logger.With().Str("job", JobDeactivateIdle).Logger(),
	}
}

// Run performs today's sweep unless another caller already did.
func (s *Sweeper) Run(ctx context.Context, today ledger.Date) (Result, error) {
	res := Result{Day: today, Cutoff: today.AddDays(-s.idleDays)}

	claimed, err := s.store.ClaimRun(ctx, JobDeactivateIdle, today)
	if err != nil {
		return res, fmt.Errorf("claim %s: %w", JobDeactivateIdle, err)
	}
	if !claimed {
		s.logger.Debug().Str("day", today.String()).Msg("sweep already ran today")
		return res, nil
	}
	res.Claimed = true

	n, err := s.store.DeactivateIdle(ctx, res.Cutoff)
	if err != nil {
		return res, fmt.Errorf("deactivate idle: %w", err)
	}
	res.Deactivated = n

	s.logger.Info().
		Str("day", today.String()).
		Str("cutoff", res.Cutoff.String()).
		Int64("deactivated", n).
		Msg("idle sweep completed")
	return res, nil
}
