package repository

import "time"

// ── Enumerations ──────────────────────────────────────────────────────────────

// TransferType classifies a budget transfer by the kind of movement.
type TransferType string

const (
	TransferTypeAdjustment   TransferType = "standard_adjustment"
	TransferTypeAugmentation TransferType = "augmentation"
	TransferTypeReallocation TransferType = "reallocation"
	TransferTypeHoldRelease  TransferType = "hold_release"
	TransferTypeGeneric      TransferType = "generic"
)

// TransferStatus is the lifecycle status of a budget transfer.
type TransferStatus string

const (
	TransferStatusDraft     TransferStatus = "draft"
	TransferStatusReturned  TransferStatus = "returned"
	TransferStatusSubmitted TransferStatus = "submitted"
	TransferStatusInReview  TransferStatus = "in_review"
	TransferStatusApproved  TransferStatus = "approved"
	TransferStatusRejected  TransferStatus = "rejected"
	TransferStatusCancelled TransferStatus = "cancelled"
)

// StatusLevel orders transfer statuses by how far the transfer has
// progressed. Hold-release accounting counts children at level >= 2
// (submitted or deeper) or approved; children below level 1 are ignored.
func StatusLevel(s TransferStatus) int {
	switch s {
	case TransferStatusReturned:
		return 1
	case TransferStatusSubmitted, TransferStatusInReview:
		return 2
	case TransferStatusApproved:
		return 3
	default: // draft, rejected, cancelled
		return 0
	}
}

// WorkflowStatus is the lifecycle status of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusApproved   WorkflowStatus = "approved"
	WorkflowStatusRejected   WorkflowStatus = "rejected"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
)

// Terminal reports whether a workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusApproved || s == WorkflowStatusRejected || s == WorkflowStatusCancelled
}

// StageStatus is the lifecycle status of a stage instance.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusActive    StageStatus = "active"
	StageStatusCompleted StageStatus = "completed"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusCancelled StageStatus = "cancelled"
)

// Terminal reports whether a stage status is final.
func (s StageStatus) Terminal() bool {
	return s == StageStatusCompleted || s == StageStatusSkipped || s == StageStatusCancelled
}

// AssignmentStatus is the state of one user's assignment on a stage.
type AssignmentStatus string

const (
	AssignmentStatusPending   AssignmentStatus = "pending"
	AssignmentStatusApproved  AssignmentStatus = "approved"
	AssignmentStatusRejected  AssignmentStatus = "rejected"
	AssignmentStatusDelegated AssignmentStatus = "delegated"
)

// ActionKind is the tagged variant of an approval action.
type ActionKind string

const (
	ActionApprove  ActionKind = "approve"
	ActionReject   ActionKind = "reject"
	ActionDelegate ActionKind = "delegate"
)

// DecisionPolicy is how stage approvals are aggregated.
type DecisionPolicy string

const (
	PolicyAll    DecisionPolicy = "all"
	PolicyAny    DecisionPolicy = "any"
	PolicyQuorum DecisionPolicy = "quorum"
)

// Ability tags grantable through roles and memberships.
const (
	AbilityTransfer = "transfer"
	AbilityApprove  = "approve"
	AbilityEdit     = "edit"
	AbilityView     = "view"
	AbilityDelete   = "delete"
	AbilityReport   = "report"
)

// ── Workflow configuration ────────────────────────────────────────────────────

// WorkflowTemplate is a versioned approval workflow definition. Only active
// templates are selected for new instances; versions may coexist.
type WorkflowTemplate struct {
	ID            string
	Code          string
	TransferType  TransferType
	Name          string
	Version       int
	IsActive      bool
	AllowWithdraw bool
	AllowReopen   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkflowStageTemplate is one step of a workflow template. Stages with
// OrderIndex at or above the configured archived threshold are retained for
// audit but never activated.
type WorkflowStageTemplate struct {
	ID                string
	TemplateID        string
	OrderIndex        int
	Name              string
	DecisionPolicy    DecisionPolicy
	QuorumCount       *int // required iff DecisionPolicy == quorum
	AllowReject       bool
	AllowDelegate     bool
	SLAHours          *int
	RequiredRoleID    *string // SecurityGroupRole; its group overrides the transfer's
	RequiredUserLevel *int
	ParallelGroup     *string // reserved; ties on OrderIndex permitted only when set
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WorkflowTemplateAssignment maps a security group to a workflow template
// with a chain position. (SecurityGroupID, WorkflowTemplateID) is unique.
type WorkflowTemplateAssignment struct {
	ID                    string
	SecurityGroupID       string
	WorkflowTemplateID    string
	ExecutionOrder        int
	TransactionCodeFilter *string // nil/empty = applies to all transfer codes
	CreatedAt             time.Time
}

// ── Workflow runtime ──────────────────────────────────────────────────────────

// WorkflowInstance is one workflow execution for a transfer. ExecutionOrder
// is dense 1..n within the transfer's chain; at most one instance per
// transfer is non-terminal at a time.
type WorkflowInstance struct {
	ID                     string
	TransferID             string
	TemplateID             string
	TemplateCode           string
	ExecutionOrder         int
	Status                 WorkflowStatus
	CurrentStageTemplateID *string
	StartedAt              *time.Time
	FinishedAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// WorkflowStageInstance is a materialized stage. The decision fields are
// snapshots of the stage template at activation time, so later template
// edits only affect future instances.
type WorkflowStageInstance struct {
	ID                 string
	WorkflowInstanceID string
	StageTemplateID    string
	OrderIndex         int
	Name               string
	DecisionPolicy     DecisionPolicy
	QuorumCount        *int
	AllowReject        bool
	AllowDelegate      bool
	SLAHours           *int
	Status             StageStatus
	ActivatedAt        *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Assignment is one user's work item on a stage instance. (StageInstanceID,
// UserID) is unique. Role and level are snapshotted at creation to preserve
// historical intent when memberships change later.
type Assignment struct {
	ID              string
	StageInstanceID string
	UserID          string
	RoleSnapshot    *string
	LevelSnapshot   *int
	IsMandatory     bool
	Status          AssignmentStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Action is one append-only audit record of an approval action. UserID is
// nil for system actions (auto-skip, cancellation).
type Action struct {
	ID                      string
	StageInstanceID         string
	UserID                  *string
	AssignmentID            *string
	Kind                    ActionKind
	Comment                 *string
	TriggersStageCompletion bool
	CreatedAt               time.Time
	Seq                     int64 // insertion order tie-breaker within equal timestamps
}

// Delegation hands a pending assignment from one user to another. While
// active, the target user always has a pending assignment on the stage.
type Delegation struct {
	ID              string
	StageInstanceID string
	FromUserID      string
	ToUserID        string
	Active          bool
	CreatedAt       time.Time
	DeactivatedAt   *time.Time
}

// ── Authorization data ────────────────────────────────────────────────────────

// User is the read model of a platform user.
type User struct {
	ID           string
	Name         string
	Level        int
	IsActive     bool
	IsSuperadmin bool
}

// SecurityGroup is a set of users sharing permissions over a scope of
// transfers.
type SecurityGroup struct {
	ID       string
	Name     string
	IsActive bool
}

// SecurityGroupRole is a named bundle of default abilities scoped to one
// security group.
type SecurityGroupRole struct {
	ID               string
	SecurityGroupID  string
	RoleName         string
	DefaultAbilities []string
	IsActive         bool
}

// UserGroupMembership ties a user to a group with one or two assigned roles
// from that group. CustomAbilities, when non-empty, are added to the role
// defaults.
type UserGroupMembership struct {
	ID              string
	UserID          string
	SecurityGroupID string
	AssignedRoleIDs []string
	CustomAbilities []string
	IsActive        bool
}

// SegmentType is one accounting coding dimension (cost center, account, ...).
type SegmentType struct {
	ID       string
	Name     string
	IsActive bool
}

// Segment is one value in a segment type's hierarchical code list.
type Segment struct {
	ID            string
	SegmentTypeID string
	Code          string
	ParentCode    *string
	Level         int
	IsActive      bool
}

// UserSegmentAbility grants a user an ability over a segment combination.
// The combination maps segment type id to segment code; a stored
// combination matches an input when every stored entry is present with an
// equal value in the input. Encoded as JSON for cross-record comparison.
type UserSegmentAbility struct {
	ID                 string
	UserID             string
	Ability            string
	SegmentCombination map[string]string
	IsActive           bool
}

// ── Transfer read model ───────────────────────────────────────────────────────

// TransferLine is one movement line of a transfer. FromAmount is the
// debited (source) side in cents.
type TransferLine struct {
	ID         string
	TransferID string
	FromAmount int64
	ToAmount   int64
	Segments   map[string]string // segment type id -> segment code
}

// Transfer is the engine's read model of a budget transfer. The transfer
// store owns the record; the engine reads it and requests status updates.
type Transfer struct {
	ID               string
	Code             string
	Type             TransferType
	Status           TransferStatus
	SecurityGroupID  *string
	RequestedBy      string
	RequestedAt      time.Time
	LinkedTransferID *string // set on children drawing from a hold
	Lines            []TransferLine
}

// TotalFromAmount sums the from-side of all lines.
func (t *Transfer) TotalFromAmount() int64 {
	var sum int64
	for _, l := range t.Lines {
		sum += l.FromAmount
	}
	return sum
}
