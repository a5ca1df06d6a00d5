package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
)

// TemplateRepository handles CRUD for workflow templates and their stages.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// CreateTemplate inserts a new workflow template.
func (r *TemplateRepository) CreateTemplate(ctx context.Context, t *WorkflowTemplate) error {
	query := `
		INSERT INTO workflow_templates
		    (code, transfer_type, name, version, is_active,
		     allow_withdraw, allow_reopen)
		VALUES ($1, $2::transfer_type, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		t.Code,
		t.TransferType,
		t.Name,
		t.Version,
		t.IsActive,
		t.AllowWithdraw,
		t.AllowReopen,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// GetTemplate retrieves a template by primary key.
func (r *TemplateRepository) GetTemplate(ctx context.Context, id string) (*WorkflowTemplate, error) {
	query := `
		SELECT id, code, transfer_type, name, version, is_active,
		       allow_withdraw, allow_reopen, created_at, updated_at
		FROM workflow_templates
		WHERE id = $1
	`

	t, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_template", id)
	}
	return t, err
}

// ListTemplates returns templates, optionally active only, ordered by code
// then version descending.
func (r *TemplateRepository) ListTemplates(ctx context.Context, activeOnly bool) ([]*WorkflowTemplate, error) {
	query := `
		SELECT id, code, transfer_type, name, version, is_active,
		       allow_withdraw, allow_reopen, created_at, updated_at
		FROM workflow_templates
	`
	if activeOnly {
		query += " WHERE is_active = TRUE"
	}
	query += " ORDER BY code ASC, version DESC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow templates")
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		t, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow template")
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// UpdateTemplate persists changes to a template's mutable fields.
func (r *TemplateRepository) UpdateTemplate(ctx context.Context, t *WorkflowTemplate) error {
	query := `
		UPDATE workflow_templates
		SET name           = $2,
		    is_active      = $3,
		    allow_withdraw = $4,
		    allow_reopen   = $5,
		    updated_at     = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query, t.ID, t.Name, t.IsActive, t.AllowWithdraw, t.AllowReopen).Scan(&t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_template", t.ID)
	}
	return err
}

// DeleteTemplate removes a template. The service layer forbids deletion
// while any instance references the template.
func (r *TemplateRepository) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_templates WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete workflow template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_template", id)
	}
	return nil
}

// TemplateReferenced reports whether any workflow instance (live or
// historical) references the template.
func (r *TemplateRepository) TemplateReferenced(ctx context.Context, templateID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE template_id = $1)`,
		templateID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check template references")
	}
	return exists, nil
}

// ── Stages ────────────────────────────────────────────────────────────────────

// CreateStage inserts a stage template.
func (r *TemplateRepository) CreateStage(ctx context.Context, s *WorkflowStageTemplate) error {
	query := `
		INSERT INTO workflow_stage_templates
		    (template_id, order_index, name, decision_policy, quorum_count,
		     allow_reject, allow_delegate, sla_hours,
		     required_role_id, required_user_level, parallel_group)
		VALUES ($1, $2, $3, $4::decision_policy, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		s.TemplateID,
		s.OrderIndex,
		s.Name,
		s.DecisionPolicy,
		s.QuorumCount,
		s.AllowReject,
		s.AllowDelegate,
		s.SLAHours,
		s.RequiredRoleID,
		s.RequiredUserLevel,
		s.ParallelGroup,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

// GetStage retrieves a stage template by primary key.
func (r *TemplateRepository) GetStage(ctx context.Context, id string) (*WorkflowStageTemplate, error) {
	query := stageSelect + ` WHERE id = $1`

	s, err := r.scanStage(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_stage_template", id)
	}
	return s, err
}

// StagesForTemplate returns the template's stages ordered by order_index.
// Stages at or above maxOrder are excluded; pass a large maxOrder to
// include archived stages.
func (r *TemplateRepository) StagesForTemplate(ctx context.Context, templateID string, maxOrder int) ([]*WorkflowStageTemplate, error) {
	query := stageSelect + `
		WHERE template_id = $1 AND order_index < $2
		ORDER BY order_index ASC
	`

	rows, err := r.db.Query(ctx, query, templateID, maxOrder)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage templates")
	}
	defer rows.Close()

	var stages []*WorkflowStageTemplate
	for rows.Next() {
		s, err := r.scanStage(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage template")
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// UpdateStage persists changes to a stage template. Live stage instances
// are unaffected: they carry their own snapshot of the decision fields.
func (r *TemplateRepository) UpdateStage(ctx context.Context, s *WorkflowStageTemplate) error {
	query := `
		UPDATE workflow_stage_templates
		SET name                = $2,
		    decision_policy     = $3::decision_policy,
		    quorum_count        = $4,
		    allow_reject        = $5,
		    allow_delegate      = $6,
		    sla_hours           = $7,
		    required_role_id    = $8,
		    required_user_level = $9,
		    updated_at          = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		s.ID,
		s.Name,
		s.DecisionPolicy,
		s.QuorumCount,
		s.AllowReject,
		s.AllowDelegate,
		s.SLAHours,
		s.RequiredRoleID,
		s.RequiredUserLevel,
	).Scan(&s.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_stage_template", s.ID)
	}
	return err
}

// RelocateStageOrder moves a stage to a new order index. Used by the
// archive-on-delete rule.
func (r *TemplateRepository) RelocateStageOrder(ctx context.Context, id string, newOrder int) error {
	query := `
		UPDATE workflow_stage_templates
		SET order_index = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, newOrder).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_stage_template", id)
	}
	return err
}

// DeleteStage removes a stage template outright. Only valid for stages
// with no stage instances; otherwise the service archives instead.
func (r *TemplateRepository) DeleteStage(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_stage_templates WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete stage template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("workflow_stage_template", id)
	}
	return nil
}

// StageHasInstances reports whether any stage instance references the
// stage template.
func (r *TemplateRepository) StageHasInstances(ctx context.Context, stageTemplateID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_stage_instances WHERE stage_template_id = $1)`,
		stageTemplateID,
	).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check stage references")
	}
	return exists, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const stageSelect = `
	SELECT id, template_id, order_index, name, decision_policy, quorum_count,
	       allow_reject, allow_delegate, sla_hours,
	       required_role_id, required_user_level, parallel_group,
	       created_at, updated_at
	FROM workflow_stage_templates
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *TemplateRepository) scanTemplate(row rowScanner) (*WorkflowTemplate, error) {
	t := &WorkflowTemplate{}
	err := row.Scan(
		&t.ID,
		&t.Code,
		&t.TransferType,
		&t.Name,
		&t.Version,
		&t.IsActive,
		&t.AllowWithdraw,
		&t.AllowReopen,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TemplateRepository) scanStage(row rowScanner) (*WorkflowStageTemplate, error) {
	s := &WorkflowStageTemplate{}
	err := row.Scan(
		&s.ID,
		&s.TemplateID,
		&s.OrderIndex,
		&s.Name,
		&s.DecisionPolicy,
		&s.QuorumCount,
		&s.AllowReject,
		&s.AllowDelegate,
		&s.SLAHours,
		&s.RequiredRoleID,
		&s.RequiredUserLevel,
		&s.ParallelGroup,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}
