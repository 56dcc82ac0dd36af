/*
balance.go - Balance reconciliation (the LedgerEngine)

PURPOSE:
  Answers "what does this patient owe?" from stored state alone. No side
  effects and no caching between calls: two calls with no intervening
  writes return identical snapshots.

ALGORITHM:
  1. TotalPaid     = sum of every payment, all time
  2. For each closed period [start, end):
       present days in window * period rate
  3. For the active plan [start, end or open):
       present days in window * active rate
  4. EffectiveBalance = TotalPaid - TotalConsumed
  5. DueAmount        = max(0, -EffectiveBalance)

  Rate: package => cost / days (0 days => 0), per_day => stored rate.
  Each epoch's consumption is rounded to 2 decimal places.

GAPS:
  A present day that falls outside every window (between a closed period's
  end and the next start) is not billed at all.

EXAMPLE:
  Package 10 days @ 5000 total, 4 present days, 2000 paid:
    TotalConsumed = 4 * 500 = 2000
    EffectiveBalance = 0, DueAmount = 0

SEE ALSO:
  - cache.go: stores VisitsInActivePeriod/DueAmount as display hints
  - transition.go: creates the closed periods read here
*/
package ledger

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SNAPSHOT - Computed financial state
// =============================================================================

type Snapshot struct {
	PatientID            PatientID       `json:"patient_id"`
	TotalPaid            decimal.Decimal `json:"total_paid"`
	TotalConsumed        decimal.Decimal `json:"total_consumed"`
	EffectiveBalance     decimal.Decimal `json:"effective_balance"`
	DueAmount            decimal.Decimal `json:"due_amount"`
	VisitsInActivePeriod int             `json:"visits_in_active_period"`

	// Lines breaks TotalConsumed down per billing epoch, oldest first.
	Lines []ConsumptionLine `json:"lines"`
}

// ConsumptionLine is one billing epoch's share of the consumption.
type ConsumptionLine struct {
	Window  DateRange       `json:"-"`
	Active  bool            `json:"active"`
	Model   BillingModel    `json:"model"`
	DayRate decimal.Decimal `json:"day_rate"`
	Visits  int             `json:"visits"`
	Amount  decimal.Decimal `json:"amount"`
}

// moneyPlaces is the precision consumption is rounded to.
const moneyPlaces = 2

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	reader Reader
}

func NewEngine(reader Reader) *Engine {
	return &Engine{reader: reader}
}

// ComputeBalance returns the patient's snapshot from committed state.
// Returns NotFoundError when the patient does not exist.
func (e *Engine) ComputeBalance(ctx context.Context, id PatientID) (Snapshot, error) {
	return ComputeBalance(ctx, e.reader, id)
}

// ComputeBalance loads the patient's history through r and reconciles it.
// Passing a Tx computes over the transaction's own uncommitted view.
func ComputeBalance(ctx context.Context, r Reader, id PatientID) (Snapshot, error) {
	patient, err := r.GetPatient(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	periods, err := r.ListPeriods(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	attendance, err := r.ListAttendance(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	payments, err := r.ListPayments(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Reconcile(*patient, periods, attendance, payments), nil
}

// Reconcile is the pure core of the engine.
func Reconcile(patient Patient, periods []TreatmentPeriod, attendance []AttendanceRecord, payments []Payment) Snapshot {
	snap := Snapshot{
		PatientID:     patient.ID,
		TotalPaid:     decimal.Zero,
		TotalConsumed: decimal.Zero,
		Lines:         []ConsumptionLine{},
	}

	// 1. Total paid, all time
	for _, p := range payments {
		snap.TotalPaid = snap.TotalPaid.Add(p.Amount)
	}

	present := presentDays(attendance)

	// 2. Closed periods, oldest first for a stable breakdown
	closed := make([]TreatmentPeriod, len(periods))
	copy(closed, periods)
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].Start.Before(closed[j].Start)
	})
	for _, period := range closed {
		line := consume(period.Range(), period.Rate, present)
		snap.Lines = append(snap.Lines, line)
		snap.TotalConsumed = snap.TotalConsumed.Add(line.Amount)
	}

	// 3. Active plan
	active := consume(patient.Plan.Range(), patient.Plan.Rate, present)
	active.Active = true
	snap.Lines = append(snap.Lines, active)
	snap.TotalConsumed = snap.TotalConsumed.Add(active.Amount)
	snap.VisitsInActivePeriod = active.Visits

	// 4-5. Balance and due
	snap.EffectiveBalance = snap.TotalPaid.Sub(snap.TotalConsumed)
	snap.DueAmount = decimal.Zero
	if snap.EffectiveBalance.IsNegative() {
		snap.DueAmount = snap.EffectiveBalance.Neg()
	}
	return snap
}

func consume(window DateRange, rate Rate, present []Date) ConsumptionLine {
	visits := 0
	for _, d := range present {
		if window.Contains(d) {
			visits++
		}
	}
	perDay := rate.PerDay()
	return ConsumptionLine{
		Window:  window,
		Model:   rate.Model,
		DayRate: perDay,
		Visits:  visits,
		Amount:  perDay.Mul(decimal.NewFromInt(int64(visits))).Round(moneyPlaces),
	}
}

func presentDays(records []AttendanceRecord) []Date {
	days := make([]Date, 0, len(records))
	for _, r := range records {
		if r.Status == AttendancePresent {
			days = append(days, r.Date)
		}
	}
	return days
}
