package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// The services depend on narrow store interfaces rather than the concrete
// pgx repositories, so the engine suite can run against in-memory fakes.
// The repository types satisfy these interfaces one-to-one.

// TxRunner serializes an operation per transfer: fn runs inside one
// transaction holding the transfer's lock, and either every write commits
// or none do.
type TxRunner interface {
	InTransferTx(ctx context.Context, transferID string, fn func(ctx context.Context) error) error
}

// TemplateStore reads workflow templates and their stages.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*repository.WorkflowTemplate, error)
	// StagesForTemplate returns stages with order_index below maxOrder,
	// ordered ascending.
	StagesForTemplate(ctx context.Context, templateID string, maxOrder int) ([]*repository.WorkflowStageTemplate, error)
}

// TemplateAdminStore extends TemplateStore with the mutations the template
// service needs.
type TemplateAdminStore interface {
	TemplateStore
	CreateTemplate(ctx context.Context, t *repository.WorkflowTemplate) error
	ListTemplates(ctx context.Context, activeOnly bool) ([]*repository.WorkflowTemplate, error)
	UpdateTemplate(ctx context.Context, t *repository.WorkflowTemplate) error
	DeleteTemplate(ctx context.Context, id string) error
	TemplateReferenced(ctx context.Context, templateID string) (bool, error)
	CreateStage(ctx context.Context, s *repository.WorkflowStageTemplate) error
	GetStage(ctx context.Context, id string) (*repository.WorkflowStageTemplate, error)
	UpdateStage(ctx context.Context, s *repository.WorkflowStageTemplate) error
	RelocateStageOrder(ctx context.Context, id string, newOrder int) error
	DeleteStage(ctx context.Context, id string) error
	StageHasInstances(ctx context.Context, stageTemplateID string) (bool, error)
}

// RegistryStore persists group-to-template chain assignments.
type RegistryStore interface {
	AssignmentsForGroup(ctx context.Context, securityGroupID string) ([]*repository.WorkflowTemplateAssignment, error)
	ReplaceAssignments(ctx context.Context, securityGroupID string, assignments []*repository.WorkflowTemplateAssignment) error
}

// WorkflowStore persists workflow instances and stage instances.
type WorkflowStore interface {
	CreateInstances(ctx context.Context, instances []*repository.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error)
	InstancesForTransfer(ctx context.Context, transferID string) ([]*repository.WorkflowInstance, error)
	ActiveInstanceForTransfer(ctx context.Context, transferID string) (*repository.WorkflowInstance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status repository.WorkflowStatus, startedAt, finishedAt *time.Time) error
	SetCurrentStage(ctx context.Context, id string, stageTemplateID *string) error
	CreateStageInstance(ctx context.Context, s *repository.WorkflowStageInstance) error
	GetStageInstance(ctx context.Context, id string) (*repository.WorkflowStageInstance, error)
	StagesForInstance(ctx context.Context, workflowInstanceID string) ([]*repository.WorkflowStageInstance, error)
	ActiveStagesForInstance(ctx context.Context, workflowInstanceID string) ([]*repository.WorkflowStageInstance, error)
	UpdateStageStatus(ctx context.Context, id string, status repository.StageStatus, completedAt *time.Time) error
}

// AssignmentStore persists assignments, the action log and delegations.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *repository.Assignment) error
	AssignmentsForStage(ctx context.Context, stageInstanceID string) ([]*repository.Assignment, error)
	UpdateAssignmentStatus(ctx context.Context, id string, status repository.AssignmentStatus) error
	DeletePendingForStage(ctx context.Context, stageInstanceID string) error
	AppendAction(ctx context.Context, a *repository.Action) error
	ActionsForStage(ctx context.Context, stageInstanceID string) ([]*repository.Action, error)
	ActionsForTransfer(ctx context.Context, transferID string) ([]*repository.Action, error)
	CreateDelegation(ctx context.Context, d *repository.Delegation) error
	ActiveDelegationsForStage(ctx context.Context, stageInstanceID string) ([]*repository.Delegation, error)
	DeactivateDelegationsForStage(ctx context.Context, stageInstanceID string, at time.Time) error
}

// TransferStore reads transfers and applies engine status updates.
type TransferStore interface {
	GetByID(ctx context.Context, id string) (*repository.Transfer, error)
	UpdateStatus(ctx context.Context, id string, status repository.TransferStatus) error
	ChildDrawTotal(ctx context.Context, holdTransferID string) (int64, error)
}

// VisibilityStore runs the pending/history listing queries.
type VisibilityStore interface {
	ListPending(ctx context.Context, userID string, groupIDs []string, allGroups, filterUser bool, page, pageSize int) ([]*repository.Transfer, int, error)
	ListHistory(ctx context.Context, userID string, groupIDs []string, allGroups bool, page, pageSize int) ([]*repository.Transfer, int, error)
}

// SLAStore reads the rows the SLA monitor scans.
type SLAStore interface {
	// ActiveStagesPastSLA returns active stages whose sla deadline,
	// activated_at + sla_hours, is at or before cutoff.
	ActiveStagesPastSLA(ctx context.Context, cutoff time.Time) ([]*repository.WorkflowStageInstance, error)
	GetInstance(ctx context.Context, id string) (*repository.WorkflowInstance, error)
}

// AuthzStore reads the authorization master data.
type AuthzStore interface {
	GetUser(ctx context.Context, id string) (*repository.User, error)
	GetGroup(ctx context.Context, id string) (*repository.SecurityGroup, error)
	GetRole(ctx context.Context, id string) (*repository.SecurityGroupRole, error)
	RolesForGroup(ctx context.Context, groupID string, activeOnly bool) ([]*repository.SecurityGroupRole, error)
	MembershipsForUser(ctx context.Context, userID string) ([]*repository.UserGroupMembership, error)
	ActiveMembershipsForGroup(ctx context.Context, groupID string) ([]*repository.UserGroupMembership, error)
	SegmentAbilitiesForUser(ctx context.Context, userID, ability string) ([]*repository.UserSegmentAbility, error)
}
