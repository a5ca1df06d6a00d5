package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-budget-transfers/internal/events"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/metrics"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// EngineConfig carries the engine's injected constants.
type EngineConfig struct {
	// ArchivedThreshold is the stage order index at and above which stage
	// templates are never activated.
	ArchivedThreshold int
	// TransactionPrefixLen is how many leading characters of the transfer
	// code select workflow assignments.
	TransactionPrefixLen int
}

// UserDirectory looks up users for delegation-target validation.
type UserDirectory interface {
	GetUser(ctx context.Context, id string) (*repository.User, error)
}

// ApprovalEngine drives the workflow lifecycle: chain creation, stage
// activation and assignment materialization, action processing under the
// per-transfer lock, decision-policy evaluation, chaining, and terminal
// transfer side effects.
//
// Every mutating operation runs inside TxRunner.InTransferTx. Events are
// collected in a buffer during the transaction and flushed to the
// publisher only after commit.
type ApprovalEngine struct {
	templates   TemplateStore
	routing     *RoutingService
	workflows   WorkflowStore
	assignments AssignmentStore
	transfers   TransferStore
	access      *AccessService
	users       UserDirectory
	hold        *HoldService
	tx          TxRunner
	publisher   events.Publisher
	metrics     *metrics.Engine
	cfg         EngineConfig
	log         *logger.Logger

	warnMu       sync.Mutex
	warnedQuorum map[string]bool
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(
	templates TemplateStore,
	routing *RoutingService,
	workflows WorkflowStore,
	assignments AssignmentStore,
	transfers TransferStore,
	access *AccessService,
	users UserDirectory,
	hold *HoldService,
	tx TxRunner,
	publisher events.Publisher,
	m *metrics.Engine,
	cfg EngineConfig,
	log *logger.Logger,
) *ApprovalEngine {
	return &ApprovalEngine{
		templates:    templates,
		routing:      routing,
		workflows:    workflows,
		assignments:  assignments,
		transfers:    transfers,
		access:       access,
		users:        users,
		hold:         hold,
		tx:           tx,
		publisher:    publisher,
		metrics:      m,
		cfg:          cfg,
		log:          log,
		warnedQuorum: map[string]bool{},
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

// StartWorkflow instantiates the transfer's workflow chain and activates
// the first workflow. Calling it while an active workflow exists is a
// no-op that returns the active workflow.
func (e *ApprovalEngine) StartWorkflow(ctx context.Context, transferID string) (*repository.WorkflowInstance, error) {
	var (
		first *repository.WorkflowInstance
		buf   events.Buffer
		warn  events.Buffer
	)
	err := e.tx.InTransferTx(ctx, transferID, func(ctx context.Context) error {
		transfer, err := e.transfers.GetByID(ctx, transferID)
		if err != nil {
			return err
		}
		first, err = e.startLocked(ctx, &buf, &warn, transfer)
		return err
	})
	// Warnings raised before any write survive the rollback; everything
	// else is published only after the transaction committed.
	e.flush(ctx, &warn)
	if err != nil {
		return nil, err
	}
	e.flush(ctx, &buf)
	e.metrics.WorkflowsStarted.Inc()
	return first, nil
}

// startLocked runs the start algorithm under the transfer lock. Also used
// by RestartWorkflow after the old chain is cancelled. warn collects
// pre-write warnings that must reach the sink even when the transaction
// rolls back.
func (e *ApprovalEngine) startLocked(ctx context.Context, buf, warn *events.Buffer, transfer *repository.Transfer) (*repository.WorkflowInstance, error) {
	if transfer.SecurityGroupID == nil || *transfer.SecurityGroupID == "" {
		return nil, errors.NewWithReason(errors.ErrCodeInvalidInput, errors.ReasonMissingSecurityGroup,
			"transfer has no security group")
	}

	if active, err := e.workflows.ActiveInstanceForTransfer(ctx, transfer.ID); err != nil {
		return nil, err
	} else if active != nil {
		return active, nil
	}

	prefix := transactionCodePrefix(transfer.Code, e.cfg.TransactionPrefixLen)
	chain, err := e.routing.ResolveChain(ctx, *transfer.SecurityGroupID, prefix)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		warning := events.New(events.TypeEngineWarning, transfer.ID)
		warning.Reason = errors.ReasonNoAssignments
		warning.Payload = map[string]any{"security_group_id": *transfer.SecurityGroupID, "prefix": prefix}
		warn.Add(warning)
		return nil, errors.NewWithReason(errors.ErrCodeConfiguration, errors.ReasonNoAssignments,
			"no workflow assignments for the transfer's security group")
	}

	instances := make([]*repository.WorkflowInstance, 0, len(chain))
	for _, a := range chain {
		tmpl, err := e.templates.GetTemplate(ctx, a.WorkflowTemplateID)
		if err != nil {
			return nil, err
		}
		stages, err := e.templates.StagesForTemplate(ctx, tmpl.ID, e.cfg.ArchivedThreshold)
		if err != nil {
			return nil, err
		}
		for _, st := range stages {
			if st.DecisionPolicy == repository.PolicyQuorum && (st.QuorumCount == nil || *st.QuorumCount < 1) {
				return nil, errors.New(errors.ErrCodeConfiguration,
					"stage "+st.Name+" has quorum policy without a positive quorum count")
			}
		}
		instances = append(instances, &repository.WorkflowInstance{
			TransferID:     transfer.ID,
			TemplateID:     tmpl.ID,
			TemplateCode:   tmpl.Code,
			ExecutionOrder: a.ExecutionOrder,
			Status:         repository.WorkflowStatusPending,
		})
	}

	if err := e.workflows.CreateInstances(ctx, instances); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("transfer_id", transfer.ID).
		Int("chain_length", len(instances)).
		Msg("Workflow chain created")

	if err := e.activateNext(ctx, buf, transfer, instances[0]); err != nil {
		return nil, err
	}
	return instances[0], nil
}

// ── Stage activation ──────────────────────────────────────────────────────────

// activateNext activates the next order group of the workflow. Groups
// whose stages all skip are passed over until a group activates or the
// workflow completes as approved.
func (e *ApprovalEngine) activateNext(ctx context.Context, buf *events.Buffer, transfer *repository.Transfer, w *repository.WorkflowInstance) error {
	for {
		if w.Status.Terminal() {
			return nil
		}

		templateStages, err := e.templates.StagesForTemplate(ctx, w.TemplateID, e.cfg.ArchivedThreshold)
		if err != nil {
			return err
		}
		existing, err := e.workflows.StagesForInstance(ctx, w.ID)
		if err != nil {
			return err
		}

		lastProgressed := 0
		for _, si := range existing {
			if si.Status == repository.StageStatusActive {
				// A group is already under review; nothing to activate.
				return nil
			}
			if (si.Status == repository.StageStatusCompleted || si.Status == repository.StageStatusSkipped) &&
				si.OrderIndex > lastProgressed {
				lastProgressed = si.OrderIndex
			}
		}

		nextOrder := 0
		for _, st := range templateStages {
			if st.OrderIndex > lastProgressed {
				nextOrder = st.OrderIndex
				break
			}
		}
		if nextOrder == 0 {
			return e.completeApproved(ctx, buf, transfer, w)
		}

		now := time.Now().UTC()
		allSkipped := true
		var currentStage *string

		for _, st := range templateStages {
			if st.OrderIndex != nextOrder {
				continue
			}

			si := &repository.WorkflowStageInstance{
				WorkflowInstanceID: w.ID,
				StageTemplateID:    st.ID,
				OrderIndex:         st.OrderIndex,
				Name:               st.Name,
				DecisionPolicy:     st.DecisionPolicy,
				QuorumCount:        st.QuorumCount,
				AllowReject:        st.AllowReject,
				AllowDelegate:      st.AllowDelegate,
				SLAHours:           st.SLAHours,
				Status:             repository.StageStatusActive,
				ActivatedAt:        &now,
			}
			if err := e.workflows.CreateStageInstance(ctx, si); err != nil {
				return err
			}

			eligible, err := e.access.EligibleUsersForStage(ctx, st, derefString(transfer.SecurityGroupID))
			if err != nil {
				return err
			}

			if len(eligible) == 0 {
				if err := e.skipStage(ctx, buf, transfer, si, now); err != nil {
					return err
				}
				continue
			}

			for _, appr := range eligible {
				a := &repository.Assignment{
					StageInstanceID: si.ID,
					UserID:          appr.UserID,
					IsMandatory:     true,
					Status:          repository.AssignmentStatusPending,
					LevelSnapshot:   intPtr(appr.Level),
				}
				if appr.RoleName != "" {
					a.RoleSnapshot = strPtr(appr.RoleName)
				}
				if err := e.assignments.CreateAssignment(ctx, a); err != nil {
					return err
				}
			}

			if si.DecisionPolicy == repository.PolicyQuorum && si.QuorumCount != nil && *si.QuorumCount > len(eligible) &&
				e.markQuorumWarned(si.ID) {
				warning := events.New(events.TypeEngineWarning, transfer.ID)
				warning.WorkflowInstanceID = w.ID
				warning.StageInstanceID = si.ID
				warning.Reason = errors.ReasonQuorumUnsatisfiable
				warning.Payload = map[string]any{"quorum": *si.QuorumCount, "assignments": len(eligible)}
				buf.Add(warning)
			}

			ev := events.New(events.TypeStageActivated, transfer.ID)
			ev.WorkflowInstanceID = w.ID
			ev.StageInstanceID = si.ID
			ev.Payload = map[string]any{"stage": si.Name, "order_index": si.OrderIndex}
			buf.Add(ev)
			e.metrics.StagesActivated.Inc()

			allSkipped = false
			if currentStage == nil {
				currentStage = strPtr(st.ID)
			}
		}

		if w.Status == repository.WorkflowStatusPending {
			started := now
			if err := e.workflows.UpdateInstanceStatus(ctx, w.ID, repository.WorkflowStatusInProgress, &started, nil); err != nil {
				return err
			}
			w.Status = repository.WorkflowStatusInProgress
			w.StartedAt = &started
		}
		if err := e.workflows.SetCurrentStage(ctx, w.ID, currentStage); err != nil {
			return err
		}

		if !allSkipped {
			return nil
		}
		// Every stage at this order skipped; fall through to the next group.
	}
}

// skipStage marks a just-created stage as skipped: no eligible approvers
// exist. A system approve action is recorded for the audit trail.
func (e *ApprovalEngine) skipStage(ctx context.Context, buf *events.Buffer, transfer *repository.Transfer, si *repository.WorkflowStageInstance, now time.Time) error {
	if err := e.workflows.UpdateStageStatus(ctx, si.ID, repository.StageStatusSkipped, &now); err != nil {
		return err
	}
	action := &repository.Action{
		StageInstanceID:         si.ID,
		Kind:                    repository.ActionApprove,
		Comment:                 strPtr("auto-skipped: no eligible approvers"),
		TriggersStageCompletion: true,
	}
	if err := e.assignments.AppendAction(ctx, action); err != nil {
		return err
	}
	if err := e.assignments.DeactivateDelegationsForStage(ctx, si.ID, now); err != nil {
		return err
	}

	ev := events.New(events.TypeStageSkipped, transfer.ID)
	ev.WorkflowInstanceID = si.WorkflowInstanceID
	ev.StageInstanceID = si.ID
	ev.Payload = map[string]any{"stage": si.Name, "order_index": si.OrderIndex}
	buf.Add(ev)
	e.metrics.StagesSkipped.Inc()
	return nil
}

// ── Action processing ─────────────────────────────────────────────────────────

// ActionRequest is one user decision on a transfer's active stage.
type ActionRequest struct {
	TransferID       string
	UserID           string
	Action           repository.ActionKind
	Comment          string
	DelegateToUserID string
}

// ProcessAction validates and applies one approval action, then evaluates
// the active order group. Concurrent actions on the same transfer are
// serialized by the transfer lock; actions on different transfers run in
// parallel.
func (e *ApprovalEngine) ProcessAction(ctx context.Context, req *ActionRequest) (*repository.WorkflowInstance, error) {
	var (
		result *repository.WorkflowInstance
		buf    events.Buffer
	)
	err := e.tx.InTransferTx(ctx, req.TransferID, func(ctx context.Context) error {
		transfer, err := e.transfers.GetByID(ctx, req.TransferID)
		if err != nil {
			return err
		}

		w, err := e.workflows.ActiveInstanceForTransfer(ctx, req.TransferID)
		if err != nil {
			return err
		}
		if w == nil {
			return errors.NewWithReason(errors.ErrCodeConflict, errors.ReasonStateConflict,
				"transfer has no active workflow")
		}

		activeStages, err := e.workflows.ActiveStagesForInstance(ctx, w.ID)
		if err != nil {
			return err
		}
		if len(activeStages) == 0 {
			return errors.NewWithReason(errors.ErrCodeConflict, errors.ReasonStateConflict,
				"workflow has no active stage")
		}

		stage, assignment, err := e.findPendingAssignment(ctx, activeStages, req.UserID)
		if err != nil {
			return err
		}

		switch req.Action {
		case repository.ActionApprove:
			err = e.applyDecision(ctx, &buf, transfer, w, activeStages, stage, assignment, req, repository.AssignmentStatusApproved)
		case repository.ActionReject:
			if !stage.AllowReject {
				return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonRejectNotAllowed,
					"stage does not allow rejection")
			}
			if req.Comment == "" {
				return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonReasonRequired,
					"rejection requires a comment")
			}
			err = e.applyDecision(ctx, &buf, transfer, w, activeStages, stage, assignment, req, repository.AssignmentStatusRejected)
		case repository.ActionDelegate:
			err = e.applyDelegate(ctx, stage, assignment, req)
		default:
			return errors.InvalidInput("action", "unknown action kind")
		}
		if err != nil {
			return err
		}

		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(ctx, &buf)
	e.metrics.ActionsProcessed.WithLabelValues(string(req.Action)).Inc()
	return result, nil
}

// findPendingAssignment locates the active stage holding a pending
// assignment for the user.
func (e *ApprovalEngine) findPendingAssignment(ctx context.Context, activeStages []*repository.WorkflowStageInstance, userID string) (*repository.WorkflowStageInstance, *repository.Assignment, error) {
	for _, si := range activeStages {
		list, err := e.assignments.AssignmentsForStage(ctx, si.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, a := range list {
			if a.UserID == userID && a.Status == repository.AssignmentStatusPending {
				return si, a, nil
			}
		}
	}
	return nil, nil, errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonNoAssignment,
		"user has no pending assignment on an active stage")
}

// applyDecision records an approve/reject action and evaluates the group.
func (e *ApprovalEngine) applyDecision(
	ctx context.Context,
	buf *events.Buffer,
	transfer *repository.Transfer,
	w *repository.WorkflowInstance,
	activeStages []*repository.WorkflowStageInstance,
	stage *repository.WorkflowStageInstance,
	assignment *repository.Assignment,
	req *ActionRequest,
	newStatus repository.AssignmentStatus,
) error {
	existing, err := e.assignments.ActionsForStage(ctx, stage.ID)
	if err != nil {
		return err
	}
	for _, a := range existing {
		if a.UserID != nil && *a.UserID == req.UserID &&
			(a.Kind == repository.ActionApprove || a.Kind == repository.ActionReject) &&
			derefString(a.Comment) == req.Comment {
			return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonDuplicateAction,
				"duplicate action with identical comment on this stage")
		}
	}

	if err := e.assignments.UpdateAssignmentStatus(ctx, assignment.ID, newStatus); err != nil {
		return err
	}
	assignment.Status = newStatus

	kind := repository.ActionApprove
	if newStatus == repository.AssignmentStatusRejected {
		kind = repository.ActionReject
	}
	action := &repository.Action{
		StageInstanceID: stage.ID,
		UserID:          strPtr(req.UserID),
		AssignmentID:    strPtr(assignment.ID),
		Kind:            kind,
	}
	if req.Comment != "" {
		action.Comment = strPtr(req.Comment)
	}

	// Evaluate with the new action included so the flag on the audit
	// record reflects whether this action decided the stage.
	stageAssignments, err := e.assignments.AssignmentsForStage(ctx, stage.ID)
	if err != nil {
		return err
	}
	outcome := EvaluateStage(stage, stageAssignments, append(existing, action))
	action.TriggersStageCompletion = outcome == OutcomeApproved || outcome == OutcomeRejected
	if err := e.assignments.AppendAction(ctx, action); err != nil {
		return err
	}

	return e.evaluateGroup(ctx, buf, transfer, w, activeStages)
}

// applyDelegate hands the assignment to another user. Delegation never
// triggers group evaluation.
func (e *ApprovalEngine) applyDelegate(ctx context.Context, stage *repository.WorkflowStageInstance, assignment *repository.Assignment, req *ActionRequest) error {
	if !stage.AllowDelegate {
		return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonDelegateNotAllowed,
			"stage does not allow delegation")
	}
	if req.DelegateToUserID == "" || req.DelegateToUserID == req.UserID {
		return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonInvalidTargetUser,
			"delegation target is missing or is the delegating user")
	}

	target, err := e.users.GetUser(ctx, req.DelegateToUserID)
	if err != nil {
		return err
	}
	if target == nil || !target.IsActive {
		return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonInvalidTargetUser,
			"delegation target is unknown or inactive")
	}

	stageAssignments, err := e.assignments.AssignmentsForStage(ctx, stage.ID)
	if err != nil {
		return err
	}
	for _, a := range stageAssignments {
		if a.UserID == req.DelegateToUserID {
			return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonInvalidTargetUser,
				"delegation target already has an assignment on this stage")
		}
	}
	delegations, err := e.assignments.ActiveDelegationsForStage(ctx, stage.ID)
	if err != nil {
		return err
	}
	for _, d := range delegations {
		if d.ToUserID == req.DelegateToUserID {
			return errors.NewWithReason(errors.ErrCodePolicy, errors.ReasonInvalidTargetUser,
				"delegation target already holds an active delegation on this stage")
		}
	}

	delegation := &repository.Delegation{
		StageInstanceID: stage.ID,
		FromUserID:      req.UserID,
		ToUserID:        req.DelegateToUserID,
	}
	if err := e.assignments.CreateDelegation(ctx, delegation); err != nil {
		return err
	}

	// The delegate inherits the original snapshots.
	replacement := &repository.Assignment{
		StageInstanceID: stage.ID,
		UserID:          req.DelegateToUserID,
		RoleSnapshot:    assignment.RoleSnapshot,
		LevelSnapshot:   assignment.LevelSnapshot,
		IsMandatory:     assignment.IsMandatory,
		Status:          repository.AssignmentStatusPending,
	}
	if err := e.assignments.CreateAssignment(ctx, replacement); err != nil {
		return err
	}
	if err := e.assignments.UpdateAssignmentStatus(ctx, assignment.ID, repository.AssignmentStatusDelegated); err != nil {
		return err
	}

	action := &repository.Action{
		StageInstanceID: stage.ID,
		UserID:          strPtr(req.UserID),
		AssignmentID:    strPtr(assignment.ID),
		Kind:            repository.ActionDelegate,
	}
	if req.Comment != "" {
		action.Comment = strPtr(req.Comment)
	}
	return e.assignments.AppendAction(ctx, action)
}

// ── Group evaluation ──────────────────────────────────────────────────────────

// evaluateGroup evaluates every stage of the active order group and acts
// on the aggregate outcome.
func (e *ApprovalEngine) evaluateGroup(ctx context.Context, buf *events.Buffer, transfer *repository.Transfer, w *repository.WorkflowInstance, group []*repository.WorkflowStageInstance) error {
	outcomes := make([]StageOutcome, 0, len(group))
	for _, si := range group {
		stageAssignments, err := e.assignments.AssignmentsForStage(ctx, si.ID)
		if err != nil {
			return err
		}
		actions, err := e.assignments.ActionsForStage(ctx, si.ID)
		if err != nil {
			return err
		}
		outcome := EvaluateStage(si, stageAssignments, actions)
		if outcome == OutcomeUnsatisfiable {
			if e.markQuorumWarned(si.ID) {
				warning := events.New(events.TypeEngineWarning, transfer.ID)
				warning.WorkflowInstanceID = w.ID
				warning.StageInstanceID = si.ID
				warning.Reason = errors.ReasonQuorumUnsatisfiable
				buf.Add(warning)
			}
			outcome = OutcomePending
		}
		outcomes = append(outcomes, outcome)
	}

	switch GroupOutcome(outcomes) {
	case OutcomeApproved:
		if err := e.terminateGroup(ctx, buf, transfer, w, group, "approved"); err != nil {
			return err
		}
		return e.activateNext(ctx, buf, transfer, w)

	case OutcomeRejected:
		if err := e.terminateGroup(ctx, buf, transfer, w, group, "rejected"); err != nil {
			return err
		}
		return e.rejectWorkflow(ctx, buf, transfer, w)

	default:
		return nil
	}
}

// terminateGroup completes every stage in the group: delegations are
// deactivated, remaining pending assignments removed, and one
// stage-completed event emitted per stage.
func (e *ApprovalEngine) terminateGroup(ctx context.Context, buf *events.Buffer, transfer *repository.Transfer, w *repository.WorkflowInstance, group []*repository.WorkflowStageInstance, outcome string) error {
	now := time.Now().UTC()
	for _, si := range group {
		if err := e.workflows.UpdateStageStatus(ctx, si.ID, repository.StageStatusCompleted, &now); err != nil {
			return err
		}
		if err := e.assignments.DeactivateDelegationsForStage(ctx, si.ID, now); err != nil {
			return err
		}
		if err := e.assignments.DeletePendingForStage(ctx, si.ID); err != nil {
			return err
		}

		ev := events.New(events.TypeStageCompleted, transfer.ID)
		ev.WorkflowInstanceID = w.ID
		ev.StageInstanceID = si.ID
		ev.Outcome = outcome
		ev.Payload = map[string]any{"stage": si.Name, "order_index": si.OrderIndex}
		buf.Add(ev)
	}
	return nil
}

// rejectWorkflow finishes the workflow as rejected and applies the
// transfer-level side effects. Later workflows in the chain stay pending
// and never activate.
func (e *ApprovalEngine) rejectWorkflow(ctx context.Context, buf *events.Buffer, transfer *repository.Transfer, w *repository.WorkflowInstance) error {
	now := time.Now().UTC()
	if err := e.workflows.UpdateInstanceStatus(ctx, w.ID, repository.WorkflowStatusRejected, nil, &now); err != nil {
		return err
	}
	if err := e.workflows.SetCurrentStage(ctx, w.ID, nil); err != nil {
		return err
	}
	w.Status = repository.WorkflowStatusRejected

	ev := events.New(events.TypeWorkflowRejected, transfer.ID)
	ev.WorkflowInstanceID = w.ID
	buf.Add(ev)
	e.metrics.WorkflowsRejected.Inc()

	if err := e.transfers.UpdateStatus(ctx, transfer.ID, repository.TransferStatusRejected); err != nil {
		return err
	}
	terminal := events.New(events.TypeTransferTerminal, transfer.ID)
	terminal.Outcome = "rejected"
	buf.Add(terminal)

	// A rejected hold releases its unused remainder back to the fund.
	if transfer.Type == repository.TransferTypeHoldRelease {
		summary, err := e.hold.summaryOf(ctx, transfer)
		if err != nil {
			return err
		}
		if summary.Remaining > 0 {
			ret := events.New(events.TypeHoldFundReturn, transfer.ID)
			ret.Payload = map[string]any{"amount": summary.Remaining}
			buf.Add(ret)
		}
	}
	return nil
}

// completeApproved finishes the workflow as approved and either activates
// the next workflow in the chain or applies the chain-terminal side
// effects.
func (e *ApprovalEngine) completeApproved(ctx context.Context, buf *events.Buffer, transfer *repository.Transfer, w *repository.WorkflowInstance) error {
	now := time.Now().UTC()
	if err := e.workflows.UpdateInstanceStatus(ctx, w.ID, repository.WorkflowStatusApproved, nil, &now); err != nil {
		return err
	}
	if err := e.workflows.SetCurrentStage(ctx, w.ID, nil); err != nil {
		return err
	}
	w.Status = repository.WorkflowStatusApproved
	w.FinishedAt = &now

	ev := events.New(events.TypeWorkflowApproved, transfer.ID)
	ev.WorkflowInstanceID = w.ID
	buf.Add(ev)
	e.metrics.WorkflowsApproved.Inc()

	next, err := e.workflows.ActiveInstanceForTransfer(ctx, transfer.ID)
	if err != nil {
		return err
	}
	if next != nil {
		return e.activateNext(ctx, buf, transfer, next)
	}

	chain := events.New(events.TypeChainCompleted, transfer.ID)
	chain.Outcome = "approved"
	buf.Add(chain)

	if err := e.transfers.UpdateStatus(ctx, transfer.ID, repository.TransferStatusApproved); err != nil {
		return err
	}
	terminal := events.New(events.TypeTransferTerminal, transfer.ID)
	terminal.Outcome = "approved"
	buf.Add(terminal)
	return nil
}

// ── Cancel / Restart ──────────────────────────────────────────────────────────

// CancelWorkflow cancels the transfer's active workflow. Later chained
// workflows stay pending and never activate; RestartWorkflow is the
// explicit recovery path.
func (e *ApprovalEngine) CancelWorkflow(ctx context.Context, transferID, reason string) (*repository.WorkflowInstance, error) {
	var (
		cancelled *repository.WorkflowInstance
		buf       events.Buffer
	)
	err := e.tx.InTransferTx(ctx, transferID, func(ctx context.Context) error {
		transfer, err := e.transfers.GetByID(ctx, transferID)
		if err != nil {
			return err
		}
		w, err := e.workflows.ActiveInstanceForTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if w == nil {
			return errors.NewWithReason(errors.ErrCodeConflict, errors.ReasonAlreadyTerminal,
				"transfer has no active workflow to cancel")
		}
		if err := e.cancelLocked(ctx, &buf, transfer, w, reason); err != nil {
			return err
		}
		cancelled = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.flush(ctx, &buf)
	return cancelled, nil
}

// cancelLocked cancels one workflow instance under the transfer lock.
func (e *ApprovalEngine) cancelLocked(ctx context.Context, buf *events.Buffer, transfer *repository.Transfer, w *repository.WorkflowInstance, reason string) error {
	now := time.Now().UTC()

	activeStages, err := e.workflows.ActiveStagesForInstance(ctx, w.ID)
	if err != nil {
		return err
	}
	for _, si := range activeStages {
		if err := e.workflows.UpdateStageStatus(ctx, si.ID, repository.StageStatusCancelled, &now); err != nil {
			return err
		}
		if err := e.assignments.DeactivateDelegationsForStage(ctx, si.ID, now); err != nil {
			return err
		}
		if err := e.assignments.DeletePendingForStage(ctx, si.ID); err != nil {
			return err
		}

		action := &repository.Action{
			StageInstanceID: si.ID,
			Kind:            repository.ActionReject,
		}
		if reason != "" {
			action.Comment = strPtr(reason)
		} else {
			action.Comment = strPtr("workflow cancelled")
		}
		if err := e.assignments.AppendAction(ctx, action); err != nil {
			return err
		}
	}

	if err := e.workflows.UpdateInstanceStatus(ctx, w.ID, repository.WorkflowStatusCancelled, nil, &now); err != nil {
		return err
	}
	if err := e.workflows.SetCurrentStage(ctx, w.ID, nil); err != nil {
		return err
	}
	w.Status = repository.WorkflowStatusCancelled
	w.FinishedAt = &now

	ev := events.New(events.TypeWorkflowCancelled, transfer.ID)
	ev.WorkflowInstanceID = w.ID
	if reason != "" {
		ev.Reason = reason
	}
	buf.Add(ev)
	e.metrics.WorkflowsCancelled.Inc()
	return nil
}

// RestartWorkflow cancels the remaining chain (active and not-yet-started
// workflows alike) and starts a fresh chain in the same transaction.
func (e *ApprovalEngine) RestartWorkflow(ctx context.Context, transferID string) (*repository.WorkflowInstance, error) {
	var (
		first *repository.WorkflowInstance
		buf   events.Buffer
		warn  events.Buffer
	)
	err := e.tx.InTransferTx(ctx, transferID, func(ctx context.Context) error {
		transfer, err := e.transfers.GetByID(ctx, transferID)
		if err != nil {
			return err
		}

		instances, err := e.workflows.InstancesForTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		for _, w := range instances {
			if w.Status.Terminal() {
				continue
			}
			if err := e.cancelLocked(ctx, &buf, transfer, w, "workflow restarted"); err != nil {
				return err
			}
		}

		first, err = e.startLocked(ctx, &buf, &warn, transfer)
		return err
	})
	e.flush(ctx, &warn)
	if err != nil {
		return nil, err
	}
	e.flush(ctx, &buf)
	e.metrics.WorkflowsStarted.Inc()
	return first, nil
}

// ── Status view ───────────────────────────────────────────────────────────────

// StageView is one stage instance with its assignments and action log.
type StageView struct {
	Stage       *repository.WorkflowStageInstance `json:"stage"`
	Assignments []*repository.Assignment          `json:"assignments"`
	Actions     []*repository.Action              `json:"actions"`
}

// WorkflowView is one workflow instance with its stages.
type WorkflowView struct {
	Instance *repository.WorkflowInstance `json:"instance"`
	Stages   []StageView                  `json:"stages"`
}

// GetStatus returns the per-workflow stage view for a transfer.
func (e *ApprovalEngine) GetStatus(ctx context.Context, transferID string) ([]*WorkflowView, error) {
	if _, err := e.transfers.GetByID(ctx, transferID); err != nil {
		return nil, err
	}
	instances, err := e.workflows.InstancesForTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, errors.NotFound("workflow", transferID)
	}

	views := make([]*WorkflowView, 0, len(instances))
	for _, w := range instances {
		stages, err := e.workflows.StagesForInstance(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		view := &WorkflowView{Instance: w}
		for _, si := range stages {
			stageAssignments, err := e.assignments.AssignmentsForStage(ctx, si.ID)
			if err != nil {
				return nil, err
			}
			actions, err := e.assignments.ActionsForStage(ctx, si.ID)
			if err != nil {
				return nil, err
			}
			view.Stages = append(view.Stages, StageView{Stage: si, Assignments: stageAssignments, Actions: actions})
		}
		views = append(views, view)
	}
	return views, nil
}

// ActionHistory returns the full ordered action log for a transfer.
func (e *ApprovalEngine) ActionHistory(ctx context.Context, transferID string) ([]*repository.Action, error) {
	return e.assignments.ActionsForTransfer(ctx, transferID)
}

// HoldSummary exposes the hold accounting view.
func (e *ApprovalEngine) HoldSummary(ctx context.Context, holdTransferID string) (*HoldSummary, error) {
	return e.hold.Summary(ctx, holdTransferID)
}

// ── helpers ───────────────────────────────────────────────────────────────────

// flush publishes buffered events after the transaction has returned.
// Publish failures are the sink's problem; the engine never retries.
func (e *ApprovalEngine) flush(ctx context.Context, buf *events.Buffer) {
	for _, ev := range buf.Drain() {
		e.publisher.Publish(ctx, ev)
		e.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	}
}

// markQuorumWarned records that the stage's unsatisfiable quorum has been
// reported. Returns false when a warning was already emitted for it, so
// the stalled stage is not re-reported on every subsequent evaluation.
func (e *ApprovalEngine) markQuorumWarned(stageInstanceID string) bool {
	e.warnMu.Lock()
	defer e.warnMu.Unlock()
	if e.warnedQuorum[stageInstanceID] {
		return false
	}
	e.warnedQuorum[stageInstanceID] = true
	return true
}

// transactionCodePrefix derives the assignment-selection prefix from a
// transfer code.
func transactionCodePrefix(code string, n int) string {
	if len(code) < n {
		return code
	}
	return code[:n]
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
