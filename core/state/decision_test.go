package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecisionLogDefaults(t *testing.T) {
	log := NewDecisionLog(newFileStore(t))
	ctx := context.Background()

	info, err := log.Record(ctx, DecisionRecord{ExecutionID: "exec-1", Phase: 1, Category: "naming", Description: "use kebab-case ids"})
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)
	require.False(t, info.Timestamp.IsZero())
	require.Equal(t, SeverityInfo, info.Severity)
	require.Equal(t, ApprovalAutoApproved, info.Approval)

	crit, err := log.Record(ctx, DecisionRecord{
		ExecutionID: "exec-1",
		Phase:       2,
		Category:    "schema",
		Description: "drop legacy table",
		Severity:    SeverityCritical,
		Options:     []string{"drop", "archive"},
		Selected:    "archive",
	})
	require.NoError(t, err)
	require.Equal(t, ApprovalPending, crit.Approval)

	_, err = log.Record(ctx, DecisionRecord{ExecutionID: "exec-1", Description: "reviewed", Severity: SeverityWarning, Approval: ApprovalApproved})
	require.NoError(t, err)

	all, err := log.List(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, info.ID, all[0].ID)

	pending, err := log.Pending(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, crit.ID, pending[0].ID)
	require.Equal(t, []string{"drop", "archive"}, pending[0].Options)
}

func TestDecisionLogRejectsIncompleteRecords(t *testing.T) {
	log := NewDecisionLog(newFileStore(t))
	_, err := log.Record(context.Background(), DecisionRecord{Description: "orphan"})
	require.Error(t, err)
	_, err = log.Record(context.Background(), DecisionRecord{ExecutionID: "exec-1"})
	require.Error(t, err)
}
