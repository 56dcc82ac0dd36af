/*
handlers.go - HTTP API handlers for the clinic ledger

PURPOSE:
  Exposes the ledger services via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to the ledger package.

ENDPOINTS:
  Patients:
    GET    /api/patients                    List with engine balances (?branch=&status=)
    POST   /api/patients                    Enroll (optional registration payment)
    GET    /api/patients/{id}               Patient detail with balance
    GET    /api/patients/{id}/balance       Balance snapshot only
    GET    /api/patients/{id}/history       Periods, attendance, payments

  Mutations:
    POST   /api/patients/{id}/attendance    Mark a day (optional payment)
    POST   /api/patients/{id}/plan          Change plan (optional advance)
    POST   /api/patients/{id}/payments      Standalone collection
    POST   /api/patients/{id}/tokens        Issue the daily token

  Admin:
    POST   /api/admin/sweep                 Run today's idle sweep

REQUEST FLOW:
  1. Decode JSON body
  2. Validate shape (struct tags)
  3. Call the ledger service
  4. Serialize response
  5. Map ledger errors to status codes

ERROR HANDLING:
  - 400: ValidationError, malformed body
  - 404: NotFoundError
  - 409: ConsistencyError
  - 409: ConcurrencyError, with "retryable": true
  - 500: everything else (logged)

SECURITY NOTE:
  No authentication or authorization. Deploy behind the clinic's gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/warp/clinic-ledger/ledger"
	"github.com/warp/clinic-ledger/maintenance"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Sweeper *maintenance.Sweeper
	Clock   ledger.Clock
	Logger  zerolog.Logger

	validate *validator.Validate
}

// NewHandler creates a handler over the service. sweeper may be nil, in
// which case /admin/sweep answers 404.
func NewHandler(svc *ledger.Service, sweeper *maintenance.Sweeper, clock ledger.Clock, logger zerolog.Logger) *Handler {
	if clock == nil {
		clock = ledger.SystemClock{}
	}
	return &Handler{
		Service:  svc,
		Sweeper:  sweeper,
		Clock:    clock,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// PATIENT HANDLERS
// =============================================================================

// ListPatients returns patients with their engine-computed balances.
func (h *Handler) ListPatients(w http.ResponseWriter, r *http.Request) {
	filter := ledger.PatientFilter{
		BranchID: ledger.BranchID(r.URL.Query().Get("branch")),
		Status:   ledger.PatientStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && filter.Status != ledger.PatientActive && filter.Status != ledger.PatientInactive {
		writeError(w, http.StatusBadRequest, "invalid status filter", fmt.Errorf("unknown status %q", filter.Status))
		return
	}

	ctx := r.Context()
	patients, err := h.Service.Store.ListPatients(ctx, filter)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]PatientDTO, 0, len(patients))
	for _, p := range patients {
		snap, err := h.Service.ComputeBalance(ctx, p.ID)
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		dtos = append(dtos, toPatientDTO(p, &snap))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) EnrollPatient(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.Enroll(r.Context(), ledger.EnrollInput{
		BranchID: ledger.BranchID(strings.TrimSpace(req.BranchID)),
		Name:     req.Name,
		Plan:     req.Plan.toSpec(),
		Start:    optionalDate(req.StartDate),
		Payment:  req.Payment.toInput(),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, EnrollResponse{
		Patient: toPatientDTO(res.Patient, &res.Snapshot),
		Payment: toPaymentDTOPtr(res.Payment),
		Balance: res.Snapshot,
	})
}

func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	id := patientID(r)
	ctx := r.Context()

	patient, err := h.Service.Store.GetPatient(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	snap, err := h.Service.ComputeBalance(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPatientDTO(*patient, &snap))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Service.ComputeBalance(r.Context(), patientID(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetHistory returns the three raw histories the balance is derived from.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := patientID(r)
	ctx := r.Context()
	store := h.Service.Store

	if _, err := store.GetPatient(ctx, id); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	periods, err := store.ListPeriods(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	attendance, err := store.ListAttendance(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	payments, err := store.ListPayments(ctx, id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	resp := HistoryResponse{
		PatientID:  string(id),
		Periods:    make([]PeriodDTO, len(periods)),
		Attendance: make([]AttendanceDTO, len(attendance)),
		Payments:   make([]PaymentDTO, len(payments)),
	}
	for i, p := range periods {
		resp.Periods[i] = toPeriodDTO(p)
	}
	for i, a := range attendance {
		resp.Attendance[i] = toAttendanceDTO(a)
	}
	for i, p := range payments {
		resp.Payments[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// MUTATIONS
// =============================================================================

func (h *Handler) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !h.decode(w, r, &req) {
		return
	}

	out, err := h.Service.Attendance.MarkAttendance(r.Context(), patientID(r),
		optionalDate(req.Date), ledger.AttendanceStatus(req.Status), req.Payment.toInput())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, AttendanceResponse{
		Attendance: toAttendanceDTO(out.Record),
		Created:    out.Created,
		Changed:    out.Changed,
		Payment:    toPaymentDTOPtr(out.Payment),
		Balance:    out.Snapshot,
	})
}

func (h *Handler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	var req ChangePlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.Plans.ChangePlan(r.Context(), patientID(r), req.Plan.toSpec(), req.Advance.toInput())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PlanChangeResponse{
		Before:  res.Before,
		Closed:  toPeriodDTO(res.Closed),
		Plan:    toPlanDTO(res.Plan),
		Advance: toPaymentDTOPtr(res.Advance),
		Balance: res.Snapshot,
	})
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.Service.RecordPayment(r.Context(), patientID(r), *req.toInput())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PaymentResponse{
		Payment: toPaymentDTO(res.Payment),
		Balance: res.Snapshot,
	})
}

// IssueToken accepts an empty body for today's token.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	token, err := h.Service.IssueToken(r.Context(), patientID(r), optionalDate(req.Date))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

// =============================================================================
// ADMIN
// =============================================================================

// RunSweep triggers today's idle sweep. A second call on the same day
// reports claimed=false and changes nothing.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	if h.Sweeper == nil {
		writeError(w, http.StatusNotFound, "sweep is not configured", nil)
		return
	}
	res, err := h.Sweeper.Run(r.Context(), h.Clock.Today())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Service.Store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func patientID(r *http.Request) ledger.PatientID {
	return ledger.PatientID(chi.URLParam(r, "id"))
}

// decode reads and validates the body. On failure it writes the 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Namespace()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "validation failed",
				Code:    "validation",
				Details: fields,
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// writeLedgerError maps the ledger error taxonomy onto HTTP.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, ledger.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrValidation):
		status, resp.Code = http.StatusBadRequest, "validation"
	case errors.Is(err, ledger.ErrConcurrency):
		status, resp.Code, resp.Retryable = http.StatusConflict, "concurrency", true
	case errors.Is(err, ledger.ErrConsistency):
		status, resp.Code = http.StatusConflict, "consistency"
	default:
		h.Logger.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
