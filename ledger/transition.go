/*
transition.go - Atomic plan transitions (PlanTransitionCoordinator)

PURPOSE:
  Retires the active plan into billing history and installs a new one.
  The closed plan keeps its own rate forever, so attendance before the
  transition is never re-billed at the new rate.

STEPS (one transaction, patient locked):
  1. Load the active plan
  2. Insert it as a closed TreatmentPeriod [plan.start, transitionDate)
  3. Overwrite the active plan (start = transitionDate,
     end = start + days - 1 for fixed-length models, else open)
  4. Reset the visits display cache to 0
  5. Append a plan-change advance payment if one was given
  6. Commit. Any failure rolls back every step.

GRACE WINDOW:
  plan.End is the last listed day of a fixed-length plan. A plan that has
  already run out is closed the day after plan.End rather than at the
  transition date: every listed day bills at the old rate, and days between
  the plan's end and the transition stay unbilled.

VALIDATION (before the transaction):
  - rate must be positive for the chosen model
  - fixed-length models need days > 0
  - discount within [0, 100]
  - patient must exist

CONCURRENCY:
  Two transitions on the same patient serialize on the patient lock. The
  second one waits and closes the first one's plan; if it cannot get the
  lock within Options.LockTimeout it fails with ConcurrencyError.
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PLAN SPEC - Requested parameters of the next plan
// =============================================================================

type PlanSpec struct {
	Model           BillingModel
	PackageCost     decimal.Decimal
	PackageDays     int
	DayRate         decimal.Decimal
	DiscountPercent decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func (s PlanSpec) Validate() error {
	switch s.Model {
	case ModelPackage:
		if s.PackageDays <= 0 {
			return invalid("package_days", "fixed-length plan needs a positive day count, got %d", s.PackageDays)
		}
		if !s.PackageCost.IsPositive() {
			return invalid("package_cost", "must be positive, got %s", s.PackageCost)
		}
	case ModelPerDay:
		if !s.DayRate.IsPositive() {
			return invalid("day_rate", "must be positive, got %s", s.DayRate)
		}
	default:
		return invalid("model", "unknown billing model %q", s.Model)
	}
	if s.DiscountPercent.IsNegative() || s.DiscountPercent.GreaterThan(hundred) {
		return invalid("discount_percent", "must be between 0 and 100, got %s", s.DiscountPercent)
	}
	return nil
}

// PlanFrom builds the active plan starting on start.
func (s PlanSpec) PlanFrom(start Date) Plan {
	plan := Plan{
		Rate: Rate{
			Model:           s.Model,
			DiscountPercent: s.DiscountPercent,
		},
		Start: start,
	}
	if s.Model.IsFixedLength() {
		plan.PackageCost = s.PackageCost
		plan.PackageDays = s.PackageDays
		end := start.AddDays(s.PackageDays - 1)
		plan.End = &end
	} else {
		plan.DayRate = s.DayRate
	}
	return plan
}

// =============================================================================
// COORDINATOR
// =============================================================================

type PlanTransitionCoordinator struct {
	w      *writer
	engine *Engine
}

type TransitionResult struct {
	// Before is the pre-flight snapshot, read outside the transaction.
	Before   Snapshot
	Closed   TreatmentPeriod
	Plan     Plan
	Advance  *Payment
	Snapshot Snapshot
}

// ChangePlan closes the active plan and opens spec from today. advance may be nil.
func (c *PlanTransitionCoordinator) ChangePlan(ctx context.Context, id PatientID, spec PlanSpec, advance *PaymentInput) (TransitionResult, error) {
	if err := spec.Validate(); err != nil {
		return TransitionResult{}, err
	}
	if advance != nil {
		if err := advance.validate(false); err != nil {
			return TransitionResult{}, err
		}
	}

	// Pre-flight read: confirms the patient exists and gives the caller the
	// figure to show for confirmation. Never used for consistency.
	before, err := c.engine.ComputeBalance(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}

	clock := c.w.opts.Clock
	var out TransitionResult
	snap, err := c.w.withPatient(ctx, id, func(tx Tx, p *Patient) error {
		out = TransitionResult{}
		today := clock.Today()

		closed, err := closePlan(ctx, tx, *p, today)
		if err != nil {
			return err
		}
		closed.ClosedAt = clock.Now()
		if err := tx.InsertPeriod(ctx, closed); err != nil {
			return fmt.Errorf("insert closed period: %w", err)
		}

		plan := spec.PlanFrom(today)
		if err := tx.UpdatePlan(ctx, id, plan); err != nil {
			return fmt.Errorf("update active plan: %w", err)
		}

		if advance != nil && advance.Amount.IsPositive() {
			pay := advance.toPayment(id, PaymentPlanAdvance, clock)
			if err := tx.AppendPayment(ctx, pay); err != nil {
				return fmt.Errorf("append advance payment: %w", err)
			}
			out.Advance = &pay
		}

		out.Closed = closed
		out.Plan = plan
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}
	out.Before = before
	out.Snapshot = snap

	c.w.opts.Logger.Info().
		Str("patient_id", string(id)).
		Str("closed", out.Closed.Range().String()).
		Str("model", string(out.Plan.Model)).
		Str("due_before", before.DueAmount.String()).
		Str("due_after", snap.DueAmount.String()).
		Msg("plan changed")
	return out, nil
}

// closePlan derives the closed period for p's active plan and checks it
// against the history already on record.
func closePlan(ctx context.Context, tx Tx, p Patient, transitionDate Date) (TreatmentPeriod, error) {
	end := transitionDate
	if p.Plan.End != nil {
		if after := p.Plan.End.AddDays(1); after.Before(end) {
			end = after
		}
	}
	if end.Before(p.Plan.Start) {
		return TreatmentPeriod{}, &ConsistencyError{
			PatientID: p.ID,
			Message:   fmt.Sprintf("active plan starts %s, after transition date %s", p.Plan.Start, end),
		}
	}

	history, err := tx.ListPeriods(ctx, p.ID)
	if err != nil {
		return TreatmentPeriod{}, err
	}
	if n := len(history); n > 0 && p.Plan.Start.Before(history[n-1].End) {
		return TreatmentPeriod{}, &ConsistencyError{
			PatientID: p.ID,
			Message: fmt.Sprintf("active plan starts %s, inside closed period %s",
				p.Plan.Start, history[n-1].Range()),
		}
	}

	return TreatmentPeriod{
		ID:        PeriodID(uuid.NewString()),
		PatientID: p.ID,
		Rate:      p.Plan.Rate,
		Start:     p.Plan.Start,
		End:       end,
	}, nil
}

// CheckHistory verifies that closed periods are well-formed and do not
// overlap each other or the active plan: every period's End is at or before
// the next Start, so its last billed day strictly precedes it.
func CheckHistory(p Patient, periods []TreatmentPeriod) error {
	for i, period := range periods {
		if period.End.Before(period.Start) {
			return &ConsistencyError{PatientID: p.ID, Message: "period " + period.Range().String() + " ends before it starts"}
		}
		next := p.Plan.Start
		if i+1 < len(periods) {
			next = periods[i+1].Start
		}
		if next.Before(period.End) {
			return &ConsistencyError{PatientID: p.ID, Message: "period " + period.Range().String() + " overlaps the next billing window"}
		}
	}
	return nil
}
