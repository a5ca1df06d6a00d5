package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

func stageWith(policy repository.DecisionPolicy, quorum *int, allowReject bool) *repository.WorkflowStageInstance {
	return &repository.WorkflowStageInstance{
		DecisionPolicy: policy,
		QuorumCount:    quorum,
		AllowReject:    allowReject,
	}
}

func asg(user string, status repository.AssignmentStatus) *repository.Assignment {
	return &repository.Assignment{UserID: user, Status: status}
}

func act(kind repository.ActionKind) *repository.Action {
	return &repository.Action{Kind: kind}
}

func TestEvaluateStage(t *testing.T) {
	two := 2
	three := 3

	tests := []struct {
		name        string
		stage       *repository.WorkflowStageInstance
		assignments []*repository.Assignment
		actions     []*repository.Action
		want        StageOutcome
	}{
		{
			name:  "all pending until everyone approved",
			stage: stageWith(repository.PolicyAll, nil, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusApproved),
				asg("u2", repository.AssignmentStatusPending),
			},
			want: OutcomePending,
		},
		{
			name:  "all approved when everyone approved",
			stage: stageWith(repository.PolicyAll, nil, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusApproved),
				asg("u2", repository.AssignmentStatusApproved),
			},
			want: OutcomeApproved,
		},
		{
			name:        "all with zero live assignments stays pending",
			stage:       stageWith(repository.PolicyAll, nil, false),
			assignments: nil,
			want:        OutcomePending,
		},
		{
			name:  "delegated assignments do not count toward all",
			stage: stageWith(repository.PolicyAll, nil, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusDelegated),
				asg("u3", repository.AssignmentStatusApproved),
			},
			want: OutcomeApproved,
		},
		{
			name:  "any approves on first approve action",
			stage: stageWith(repository.PolicyAny, nil, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusApproved),
				asg("u2", repository.AssignmentStatusPending),
			},
			actions: []*repository.Action{act(repository.ActionApprove)},
			want:    OutcomeApproved,
		},
		{
			name:  "quorum met",
			stage: stageWith(repository.PolicyQuorum, &two, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusApproved),
				asg("u2", repository.AssignmentStatusApproved),
				asg("u3", repository.AssignmentStatusPending),
			},
			want: OutcomeApproved,
		},
		{
			name:  "quorum not yet met",
			stage: stageWith(repository.PolicyQuorum, &two, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusApproved),
				asg("u2", repository.AssignmentStatusPending),
				asg("u3", repository.AssignmentStatusPending),
			},
			want: OutcomePending,
		},
		{
			name:  "quorum above live assignments is unsatisfiable",
			stage: stageWith(repository.PolicyQuorum, &three, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusPending),
				asg("u2", repository.AssignmentStatusDelegated),
			},
			want: OutcomeUnsatisfiable,
		},
		{
			name:  "reject short-circuits when permitted",
			stage: stageWith(repository.PolicyAll, nil, true),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusApproved),
				asg("u2", repository.AssignmentStatusRejected),
			},
			actions: []*repository.Action{act(repository.ActionApprove), act(repository.ActionReject)},
			want:    OutcomeRejected,
		},
		{
			name:  "reject action ignored when stage forbids rejection",
			stage: stageWith(repository.PolicyAny, nil, false),
			assignments: []*repository.Assignment{
				asg("u1", repository.AssignmentStatusPending),
			},
			actions: []*repository.Action{act(repository.ActionReject)},
			want:    OutcomePending,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateStage(tc.stage, tc.assignments, tc.actions)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGroupOutcome(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []StageOutcome
		want     StageOutcome
	}{
		{"empty group pending", nil, OutcomePending},
		{"single approved", []StageOutcome{OutcomeApproved}, OutcomeApproved},
		{"mixed pending", []StageOutcome{OutcomeApproved, OutcomePending}, OutcomePending},
		{"any rejection wins", []StageOutcome{OutcomeApproved, OutcomeRejected}, OutcomeRejected},
		{"unsatisfiable keeps group pending", []StageOutcome{OutcomeApproved, OutcomeUnsatisfiable}, OutcomePending},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GroupOutcome(tc.outcomes))
		})
	}
}
