package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
)

// WorkflowRepository manages workflow instances and their stage instances.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// ── Workflow instances ────────────────────────────────────────────────────────

const instanceSelect = `
	SELECT w.id, w.transfer_id, w.template_id, t.code,
	       w.execution_order, w.status, w.current_stage_template_id,
	       w.started_at, w.finished_at, w.created_at, w.updated_at
	FROM workflow_instances w
	JOIN workflow_templates t ON t.id = w.template_id
`

// CreateInstances inserts the full chain of instances for a transfer.
func (r *WorkflowRepository) CreateInstances(ctx context.Context, instances []*WorkflowInstance) error {
	query := `
		INSERT INTO workflow_instances
		    (transfer_id, template_id, execution_order, status)
		VALUES ($1, $2, $3, $4::workflow_status)
		RETURNING id, created_at, updated_at
	`

	for _, w := range instances {
		err := r.db.QueryRow(ctx, query,
			w.TransferID,
			w.TemplateID,
			w.ExecutionOrder,
			w.Status,
		).Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow instance")
		}
	}
	return nil
}

// GetInstance retrieves a workflow instance by primary key.
func (r *WorkflowRepository) GetInstance(ctx context.Context, id string) (*WorkflowInstance, error) {
	w, err := r.scanInstance(r.db.QueryRow(ctx, instanceSelect+` WHERE w.id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", id)
	}
	return w, err
}

// InstancesForTransfer returns the transfer's chain ordered by
// execution_order ascending.
func (r *WorkflowRepository) InstancesForTransfer(ctx context.Context, transferID string) ([]*WorkflowInstance, error) {
	query := instanceSelect + `
		WHERE w.transfer_id = $1
		ORDER BY w.execution_order ASC
	`

	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow instances")
	}
	defer rows.Close()

	var instances []*WorkflowInstance
	for rows.Next() {
		w, err := r.scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow instance")
		}
		instances = append(instances, w)
	}
	return instances, nil
}

// ActiveInstanceForTransfer returns the non-terminal instance with the
// lowest execution order, or nil when the chain is fully terminal or absent.
func (r *WorkflowRepository) ActiveInstanceForTransfer(ctx context.Context, transferID string) (*WorkflowInstance, error) {
	query := instanceSelect + `
		WHERE w.transfer_id = $1
		  AND w.status IN ('pending', 'in_progress')
		ORDER BY w.execution_order ASC
		LIMIT 1
	`

	w, err := r.scanInstance(r.db.QueryRow(ctx, query, transferID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// UpdateInstanceStatus sets the instance status and the lifecycle
// timestamps when provided.
func (r *WorkflowRepository) UpdateInstanceStatus(ctx context.Context, id string, status WorkflowStatus, startedAt, finishedAt *time.Time) error {
	query := `
		UPDATE workflow_instances
		SET status      = $2::workflow_status,
		    started_at  = COALESCE($3, started_at),
		    finished_at = COALESCE($4, finished_at),
		    updated_at  = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, startedAt, finishedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_instance", id)
	}
	return err
}

// SetCurrentStage updates the convenience pointer to the stage template
// currently under review.
func (r *WorkflowRepository) SetCurrentStage(ctx context.Context, id string, stageTemplateID *string) error {
	query := `
		UPDATE workflow_instances
		SET current_stage_template_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, stageTemplateID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_instance", id)
	}
	return err
}

// ── Stage instances ───────────────────────────────────────────────────────────

const stageInstanceSelect = `
	SELECT id, workflow_instance_id, stage_template_id, order_index, name,
	       decision_policy, quorum_count, allow_reject, allow_delegate, sla_hours,
	       status, activated_at, completed_at, created_at, updated_at
	FROM workflow_stage_instances
`

// CreateStageInstance inserts a materialized stage with its template
// snapshot fields.
func (r *WorkflowRepository) CreateStageInstance(ctx context.Context, s *WorkflowStageInstance) error {
	query := `
		INSERT INTO workflow_stage_instances
		    (workflow_instance_id, stage_template_id, order_index, name,
		     decision_policy, quorum_count, allow_reject, allow_delegate, sla_hours,
		     status, activated_at)
		VALUES ($1, $2, $3, $4, $5::decision_policy, $6, $7, $8, $9, $10::stage_status, $11)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		s.WorkflowInstanceID,
		s.StageTemplateID,
		s.OrderIndex,
		s.Name,
		s.DecisionPolicy,
		s.QuorumCount,
		s.AllowReject,
		s.AllowDelegate,
		s.SLAHours,
		s.Status,
		s.ActivatedAt,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetStageInstance retrieves a stage instance by primary key.
func (r *WorkflowRepository) GetStageInstance(ctx context.Context, id string) (*WorkflowStageInstance, error) {
	s, err := r.scanStageInstance(r.db.QueryRow(ctx, stageInstanceSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_stage_instance", id)
	}
	return s, err
}

// StagesForInstance returns all stage instances of a workflow ordered by
// order_index then creation time.
func (r *WorkflowRepository) StagesForInstance(ctx context.Context, workflowInstanceID string) ([]*WorkflowStageInstance, error) {
	query := stageInstanceSelect + `
		WHERE workflow_instance_id = $1
		ORDER BY order_index ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, workflowInstanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage instances")
	}
	defer rows.Close()

	return r.scanStageRows(rows)
}

// ActiveStagesForInstance returns the stage instances currently in active
// status.
func (r *WorkflowRepository) ActiveStagesForInstance(ctx context.Context, workflowInstanceID string) ([]*WorkflowStageInstance, error) {
	query := stageInstanceSelect + `
		WHERE workflow_instance_id = $1 AND status = 'active'
		ORDER BY order_index ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, workflowInstanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get active stage instances")
	}
	defer rows.Close()

	return r.scanStageRows(rows)
}

// UpdateStageStatus transitions a stage instance and stamps completed_at
// when provided.
func (r *WorkflowRepository) UpdateStageStatus(ctx context.Context, id string, status StageStatus, completedAt *time.Time) error {
	query := `
		UPDATE workflow_stage_instances
		SET status       = $2::stage_status,
		    completed_at = COALESCE($3, completed_at),
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_stage_instance", id)
	}
	return err
}

// ActiveStagesPastSLA returns active stages whose SLA window elapsed before
// the cutoff. Used by the SLA monitor.
func (r *WorkflowRepository) ActiveStagesPastSLA(ctx context.Context, cutoff time.Time) ([]*WorkflowStageInstance, error) {
	query := stageInstanceSelect + `
		WHERE status = 'active'
		  AND sla_hours IS NOT NULL
		  AND activated_at + (sla_hours * INTERVAL '1 hour') < $1
	`

	rows, err := r.db.Query(ctx, query, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stages past SLA")
	}
	defer rows.Close()

	return r.scanStageRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *WorkflowRepository) scanInstance(row rowScanner) (*WorkflowInstance, error) {
	w := &WorkflowInstance{}
	err := row.Scan(
		&w.ID,
		&w.TransferID,
		&w.TemplateID,
		&w.TemplateCode,
		&w.ExecutionOrder,
		&w.Status,
		&w.CurrentStageTemplateID,
		&w.StartedAt,
		&w.FinishedAt,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (r *WorkflowRepository) scanStageInstance(row rowScanner) (*WorkflowStageInstance, error) {
	s := &WorkflowStageInstance{}
	err := row.Scan(
		&s.ID,
		&s.WorkflowInstanceID,
		&s.StageTemplateID,
		&s.OrderIndex,
		&s.Name,
		&s.DecisionPolicy,
		&s.QuorumCount,
		&s.AllowReject,
		&s.AllowDelegate,
		&s.SLAHours,
		&s.Status,
		&s.ActivatedAt,
		&s.CompletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *WorkflowRepository) scanStageRows(rows pgx.Rows) ([]*WorkflowStageInstance, error) {
	var stages []*WorkflowStageInstance
	for rows.Next() {
		s, err := r.scanStageInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage instance")
		}
		stages = append(stages, s)
	}
	return stages, nil
}
