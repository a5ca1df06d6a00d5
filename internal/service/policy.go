package service

import (
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// StageOutcome is the result of evaluating one stage's decision policy
// against its assignments and action stream.
type StageOutcome int

const (
	// OutcomePending means the policy is not yet satisfied.
	OutcomePending StageOutcome = iota
	// OutcomeApproved means the policy is satisfied.
	OutcomeApproved
	// OutcomeRejected means a permitted reject short-circuited the stage.
	OutcomeRejected
	// OutcomeUnsatisfiable means a quorum exceeds the number of live
	// assignments. The stage stays pending; the engine surfaces an
	// operational warning instead of auto-rejecting.
	OutcomeUnsatisfiable
)

// EvaluateStage is a pure function from (stage snapshot, assignments,
// actions) to an outcome. Delegated assignments were replaced by the
// delegate's own assignment and do not count toward any policy.
func EvaluateStage(stage *repository.WorkflowStageInstance, assignments []*repository.Assignment, actions []*repository.Action) StageOutcome {
	if stage.AllowReject {
		for _, a := range actions {
			if a.Kind == repository.ActionReject {
				return OutcomeRejected
			}
		}
	}

	var live, approved int
	for _, a := range assignments {
		if a.Status == repository.AssignmentStatusDelegated {
			continue
		}
		live++
		if a.Status == repository.AssignmentStatusApproved {
			approved++
		}
	}

	switch stage.DecisionPolicy {
	case repository.PolicyAll:
		if live > 0 && approved == live {
			return OutcomeApproved
		}
		return OutcomePending

	case repository.PolicyAny:
		for _, a := range actions {
			if a.Kind == repository.ActionApprove {
				return OutcomeApproved
			}
		}
		return OutcomePending

	case repository.PolicyQuorum:
		if stage.QuorumCount == nil {
			return OutcomeUnsatisfiable
		}
		q := *stage.QuorumCount
		if q > live {
			return OutcomeUnsatisfiable
		}
		if approved >= q {
			return OutcomeApproved
		}
		return OutcomePending
	}

	return OutcomePending
}

// GroupOutcome aggregates the outcomes of every stage in an order group:
// any rejection rejects the group; the group approves only when every
// stage approved.
func GroupOutcome(outcomes []StageOutcome) StageOutcome {
	allApproved := len(outcomes) > 0
	for _, o := range outcomes {
		if o == OutcomeRejected {
			return OutcomeRejected
		}
		if o != OutcomeApproved {
			allApproved = false
		}
	}
	if allApproved {
		return OutcomeApproved
	}
	return OutcomePending
}
