package ledger

import (
	"context"
	"time"
)

// refreshCache recomputes the snapshot over the open transaction and stores
// the display hints on the patient row. This is the only writer of
// PlanCache; nothing reads it back for billing.
func refreshCache(ctx context.Context, tx Tx, id PatientID, now time.Time) (Snapshot, error) {
	snap, err := ComputeBalance(ctx, tx, id)
	if err != nil {
		return Snapshot{}, err
	}
	err = tx.UpdateCache(ctx, id, PlanCache{
		VisitsInPlan: snap.VisitsInActivePeriod,
		DueAmount:    snap.DueAmount,
		RefreshedAt:  now,
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}
