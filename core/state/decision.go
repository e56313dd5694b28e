package state

import (
	"context"
	"fmt"
	"time"
)

// DecisionLog appends reviewable decisions to an execution's log.
type DecisionLog struct {
	store Store
	ids   *idSource
}

func NewDecisionLog(store Store) *DecisionLog {
	return &DecisionLog{store: store, ids: newIDSource()}
}

// Record fills id, timestamp, severity and approval defaults and appends
// rec. Info decisions are auto-approved; everything else waits for review.
func (l *DecisionLog) Record(ctx context.Context, rec DecisionRecord) (DecisionRecord, error) {
	if rec.ExecutionID == "" {
		return DecisionRecord{}, fmt.Errorf("decision needs an execution id")
	}
	if rec.Description == "" {
		return DecisionRecord{}, fmt.Errorf("decision needs a description")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = l.ids.next(rec.Timestamp)
	}
	if rec.Severity == "" {
		rec.Severity = SeverityInfo
	}
	if rec.Approval == "" {
		rec.Approval = ApprovalPending
		if rec.Severity == SeverityInfo {
			rec.Approval = ApprovalAutoApproved
		}
	}
	rec.SchemaVersion = SchemaVersion
	if err := l.store.AppendDecision(ctx, &rec); err != nil {
		return DecisionRecord{}, fmt.Errorf("append decision: %w", err)
	}
	return rec, nil
}

// List returns the execution's decisions in append order.
func (l *DecisionLog) List(ctx context.Context, executionID string) ([]DecisionRecord, error) {
	return l.store.ListDecisions(ctx, executionID)
}

// Pending returns decisions still awaiting approval.
func (l *DecisionLog) Pending(ctx context.Context, executionID string) ([]DecisionRecord, error) {
	all, err := l.List(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var out []DecisionRecord
	for _, rec := range all {
		if rec.Approval == ApprovalPending {
			out = append(out, rec)
		}
	}
	return out, nil
}
