/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

MONEY:
  decimal.Decimal marshals as a quoted string ("4300.00" stays exact).
  Requests accept either a string or a JSON number.

DATES:
  Calendar days are "YYYY-MM-DD" strings.

VALIDATION:
  Shape checks live in struct tags (go-playground/validator). Business
  rules (rates, discounts, plan bounds) stay in the ledger package and come
  back as ledger.ValidationError.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/clinic-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// PlanRequest describes a billing model. Only the fields of the chosen
// model are read.
type PlanRequest struct {
	Model           string          `json:"model" validate:"required,oneof=package per_day"`
	PackageCost     decimal.Decimal `json:"package_cost"`
	PackageDays     int             `json:"package_days" validate:"gte=0"`
	DayRate         decimal.Decimal `json:"day_rate"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

func (p PlanRequest) toSpec() ledger.PlanSpec {
	return ledger.PlanSpec{
		Model:           ledger.BillingModel(p.Model),
		PackageCost:     p.PackageCost,
		PackageDays:     p.PackageDays,
		DayRate:         p.DayRate,
		DiscountPercent: p.DiscountPercent,
	}
}

type PaymentRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method" validate:"omitempty,max=40"`
	Remarks string          `json:"remarks" validate:"max=500"`
	PaidOn  string          `json:"paid_on" validate:"omitempty,datetime=2006-01-02"`
}

func (p *PaymentRequest) toInput() *ledger.PaymentInput {
	if p == nil {
		return nil
	}
	return &ledger.PaymentInput{
		Amount:  p.Amount,
		Method:  p.Method,
		Remarks: p.Remarks,
		PaidOn:  optionalDate(p.PaidOn),
	}
}

// optionalDate parses a field already checked by its datetime tag.
// Empty yields the zero Date.
func optionalDate(s string) ledger.Date {
	d, _ := ledger.ParseDate(s)
	return d
}

// EnrollRequest registers a patient. StartDate defaults to today.
type EnrollRequest struct {
	BranchID  string          `json:"branch_id" validate:"required,max=40"`
	Name      string          `json:"name" validate:"required,max=200"`
	Plan      PlanRequest     `json:"plan"`
	StartDate string          `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	Payment   *PaymentRequest `json:"payment"`
}

// AttendanceRequest marks one day. Payment is optional money collected at
// the desk on that visit.
type AttendanceRequest struct {
	Date    string          `json:"date" validate:"required,datetime=2006-01-02"`
	Status  string          `json:"status" validate:"required,oneof=present pending absent"`
	Payment *PaymentRequest `json:"payment"`
}

type ChangePlanRequest struct {
	Plan    PlanRequest     `json:"plan"`
	Advance *PaymentRequest `json:"advance"`
}

type TokenRequest struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type PlanDTO struct {
	Model           ledger.BillingModel `json:"model"`
	PackageCost     decimal.Decimal     `json:"package_cost"`
	PackageDays     int                 `json:"package_days"`
	DayRate         decimal.Decimal     `json:"day_rate"`
	DiscountPercent decimal.Decimal     `json:"discount_percent"`
	StartDate       ledger.Date         `json:"start_date"`
	EndDate         *ledger.Date        `json:"end_date,omitempty"`
}

func toPlanDTO(p ledger.Plan) PlanDTO {
	return PlanDTO{
		Model:           p.Model,
		PackageCost:     p.PackageCost,
		PackageDays:     p.PackageDays,
		DayRate:         p.DayRate,
		DiscountPercent: p.DiscountPercent,
		StartDate:       p.Start,
		EndDate:         p.End,
	}
}

// PatientDTO represents a patient in API responses. Balance is the engine's
// figure, never the stored cache.
type PatientDTO struct {
	ID         string           `json:"id"`
	UID        string           `json:"uid"`
	BranchID   string           `json:"branch_id"`
	Name       string           `json:"name"`
	Status     string           `json:"status"`
	Plan       PlanDTO          `json:"plan"`
	EnrolledAt time.Time        `json:"enrolled_at"`
	Balance    *ledger.Snapshot `json:"balance,omitempty"`
}

func toPatientDTO(p ledger.Patient, snap *ledger.Snapshot) PatientDTO {
	return PatientDTO{
		ID:         string(p.ID),
		UID:        p.UID,
		BranchID:   string(p.BranchID),
		Name:       p.Name,
		Status:     string(p.Status),
		Plan:       toPlanDTO(p.Plan),
		EnrolledAt: p.EnrolledAt,
		Balance:    snap,
	}
}

type PeriodDTO struct {
	ID              string              `json:"id"`
	Model           ledger.BillingModel `json:"model"`
	PackageCost     decimal.Decimal     `json:"package_cost"`
	PackageDays     int                 `json:"package_days"`
	DayRate         decimal.Decimal     `json:"day_rate"`
	DiscountPercent decimal.Decimal     `json:"discount_percent"`
	StartDate       ledger.Date         `json:"start_date"`
	EndDate         ledger.Date         `json:"end_date"`
	ClosedAt        time.Time           `json:"closed_at"`
}

func toPeriodDTO(p ledger.TreatmentPeriod) PeriodDTO {
	return PeriodDTO{
		ID:              string(p.ID),
		Model:           p.Model,
		PackageCost:     p.PackageCost,
		PackageDays:     p.PackageDays,
		DayRate:         p.DayRate,
		DiscountPercent: p.DiscountPercent,
		StartDate:       p.Start,
		EndDate:         p.End,
		ClosedAt:        p.ClosedAt,
	}
}

type AttendanceDTO struct {
	Date      ledger.Date `json:"date"`
	Status    string      `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func toAttendanceDTO(r ledger.AttendanceRecord) AttendanceDTO {
	return AttendanceDTO{Date: r.Date, Status: string(r.Status), UpdatedAt: r.UpdatedAt}
}

type PaymentDTO struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Kind      string          `json:"kind"`
	PaidOn    ledger.Date     `json:"paid_on"`
	Remarks   string          `json:"remarks,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func toPaymentDTO(p ledger.Payment) PaymentDTO {
	return PaymentDTO{
		ID:        string(p.ID),
		Amount:    p.Amount,
		Method:    p.Method,
		Kind:      string(p.Kind),
		PaidOn:    p.PaidOn,
		Remarks:   p.Remarks,
		CreatedAt: p.CreatedAt,
	}
}

func toPaymentDTOPtr(p *ledger.Payment) *PaymentDTO {
	if p == nil {
		return nil
	}
	dto := toPaymentDTO(*p)
	return &dto
}

type EnrollResponse struct {
	Patient PatientDTO      `json:"patient"`
	Payment *PaymentDTO     `json:"payment,omitempty"`
	Balance ledger.Snapshot `json:"balance"`
}

type HistoryResponse struct {
	PatientID  string          `json:"patient_id"`
	Periods    []PeriodDTO     `json:"periods"`
	Attendance []AttendanceDTO `json:"attendance"`
	Payments   []PaymentDTO    `json:"payments"`
}

type AttendanceResponse struct {
	Attendance AttendanceDTO   `json:"attendance"`
	Created    bool            `json:"created"`
	Changed    bool            `json:"changed"`
	Payment    *PaymentDTO     `json:"payment,omitempty"`
	Balance    ledger.Snapshot `json:"balance"`
}

type PlanChangeResponse struct {
	Before  ledger.Snapshot `json:"before"`
	Closed  PeriodDTO       `json:"closed_period"`
	Plan    PlanDTO         `json:"plan"`
	Advance *PaymentDTO     `json:"advance,omitempty"`
	Balance ledger.Snapshot `json:"balance"`
}

type PaymentResponse struct {
	Payment PaymentDTO      `json:"payment"`
	Balance ledger.Snapshot `json:"balance"`
}

// ErrorResponse is the standard error response. Retryable marks lock
// contention: the same request may succeed if sent again.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}
