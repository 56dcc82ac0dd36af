package ledger

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentInput is money collected alongside another operation, or on its own.
type PaymentInput struct {
	Amount  decimal.Decimal
	Method  string
	Remarks string
	PaidOn  Date // zero = today
}

// validate rejects negative amounts. requirePositive also rejects zero.
func (in PaymentInput) validate(requirePositive bool) error {
	if in.Amount.IsNegative() {
		return invalid("amount", "must not be negative, got %s", in.Amount)
	}
	if requirePositive && !in.Amount.IsPositive() {
		return invalid("amount", "must be positive, got %s", in.Amount)
	}
	return nil
}

func (in PaymentInput) toPayment(id PatientID, kind PaymentKind, c Clock) Payment {
	method := strings.TrimSpace(in.Method)
	if method == "" {
		method = DefaultPaymentMethod
	}
	paidOn := in.PaidOn
	if paidOn.IsZero() {
		paidOn = c.Today()
	}
	return Payment{
		ID:        PaymentID(uuid.NewString()),
		PatientID: id,
		Amount:    in.Amount,
		Method:    method,
		Kind:      kind,
		PaidOn:    paidOn,
		Remarks:   in.Remarks,
		CreatedAt: c.Now(),
	}
}

// PaymentResult is returned by RecordPayment.
type PaymentResult struct {
	Payment  Payment
	Snapshot Snapshot
}

// RecordPayment appends a standalone collection under the patient lock.
func (s *Service) RecordPayment(ctx context.Context, id PatientID, in PaymentInput) (PaymentResult, error) {
	if err := in.validate(true); err != nil {
		return PaymentResult{}, err
	}
	w := s.w
	payment := in.toPayment(id, PaymentCollection, w.opts.Clock)
	snap, err := w.withPatient(ctx, id, func(tx Tx, _ *Patient) error {
		return tx.AppendPayment(ctx, payment)
	})
	if err != nil {
		return PaymentResult{}, err
	}
	w.opts.Logger.Info().
		Str("patient_id", string(id)).
		Str("amount", payment.Amount.String()).
		Str("method", payment.Method).
		Msg("payment recorded")
	return PaymentResult{Payment: payment, Snapshot: snap}, nil
}
