/*
Package ledger is the treatment consumption and balance reconciliation engine.

PURPOSE:
  A patient's outstanding balance is never stored. It is derived from
  three histories:
    - Treatment periods: closed billing epochs, each with its own rate
    - Attendance: one record per patient per calendar day
    - Payments: append-only money received
  plus the patient's active plan. Every caller (patient list, detail view,
  token/receipt, plan change confirmation) asks the same Engine and gets
  the same answer.

KEY CONCEPTS IN THIS FILE (types.go):
  - Plan: the active billing model embedded on the patient
  - TreatmentPeriod: a superseded plan with its closed date window
  - AttendanceRecord: presence marker for (patient, day)
  - Payment: immutable money-in entry

BILLING MODELS:
  package: fixed total cost spread evenly over a fixed number of days
           rate = cost / days (days = 0 => rate 0)
  per_day: fixed rate per attended day, no predetermined length

MONEY:
  decimal.Decimal everywhere. Floats never touch a balance.

SEE ALSO:
  - balance.go: Engine and the reconciliation algorithm
  - transition.go: PlanTransitionCoordinator
  - attendance.go: AttendanceGateway
  - store.go: Record store interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type PeriodID string
type PaymentID string
type BranchID string

// =============================================================================
// ENUMS
// =============================================================================

type PatientStatus string

const (
	PatientActive   PatientStatus = "active"
	PatientInactive PatientStatus = "inactive"
)

type BillingModel string

const (
	ModelPackage BillingModel = "package"
	ModelPerDay  BillingModel = "per_day"
)

func (m BillingModel) Valid() bool {
	return m == ModelPackage || m == ModelPerDay
}

// IsFixedLength reports whether the model carries a predetermined day count.
func (m BillingModel) IsFixedLength() bool { return m == ModelPackage }

type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendancePending AttendanceStatus = "pending"
	AttendanceAbsent  AttendanceStatus = "absent"
)

func (s AttendanceStatus) Valid() bool {
	switch s {
	case AttendancePresent, AttendancePending, AttendanceAbsent:
		return true
	default:
		return false
	}
}

// PaymentKind records which flow collected the money.
type PaymentKind string

const (
	PaymentRegistration PaymentKind = "registration"
	PaymentCollection   PaymentKind = "collection"
	PaymentAttendance   PaymentKind = "attendance"
	PaymentPlanAdvance  PaymentKind = "plan_change_advance"
)

const DefaultPaymentMethod = "cash"

// =============================================================================
// RATE - Effective per-day charge of a billing epoch
// =============================================================================

// Rate holds the parameters of a billing model as they were at the time.
type Rate struct {
	Model           BillingModel
	PackageCost     decimal.Decimal
	PackageDays     int
	DayRate         decimal.Decimal
	DiscountPercent decimal.Decimal
}

// PerDay returns the amount charged for one present day.
func (r Rate) PerDay() decimal.Decimal {
	if r.Model == ModelPackage {
		if r.PackageDays <= 0 {
			return decimal.Zero
		}
		return r.PackageCost.Div(decimal.NewFromInt(int64(r.PackageDays)))
	}
	return r.DayRate
}

// =============================================================================
// PATIENT - Aggregate root with the embedded active plan
// =============================================================================

// Plan is the patient's current billing epoch. It is overwritten in place on
// every transition; the previous value survives only as a TreatmentPeriod.
type Plan struct {
	Rate
	Start Date
	End   *Date // nil = open-ended
}

func (p Plan) Range() DateRange { return DateRange{Start: p.Start, End: p.End} }

// PlanCache holds display hints derived by the Engine. Not authoritative.
type PlanCache struct {
	VisitsInPlan int
	DueAmount    decimal.Decimal
	RefreshedAt  time.Time
}

type Patient struct {
	ID         PatientID
	UID        string // human-facing, branch-scoped sequence
	BranchID   BranchID
	Name       string
	Status     PatientStatus
	Plan       Plan
	Cache      PlanCache
	EnrolledAt time.Time
}

// =============================================================================
// HISTORY RECORDS
// =============================================================================

// TreatmentPeriod is a closed billing epoch covering [Start, End).
// Created only by a plan transition and never edited afterwards.
type TreatmentPeriod struct {
	ID        PeriodID
	PatientID PatientID
	Rate
	Start    Date
	End      Date
	ClosedAt time.Time
}

func (p TreatmentPeriod) Range() DateRange {
	end := p.End
	return DateRange{Start: p.Start, End: &end}
}

// AttendanceRecord is unique per (PatientID, Date).
type AttendanceRecord struct {
	PatientID PatientID
	Date      Date
	Status    AttendanceStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment is append-only. Amount is always positive.
type Payment struct {
	ID        PaymentID
	PatientID PatientID
	Amount    decimal.Decimal
	Method    string
	Kind      PaymentKind
	PaidOn    Date
	Remarks   string
	CreatedAt time.Time
}
