package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
)

// AssignmentRepository manages per-user stage assignments, the append-only
// action log, and delegations.
type AssignmentRepository struct {
	db *database.DB
}

// NewAssignmentRepository creates a new AssignmentRepository.
func NewAssignmentRepository(db *database.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// ── Assignments ───────────────────────────────────────────────────────────────

const assignmentSelect = `
	SELECT id, stage_instance_id, user_id, role_snapshot, level_snapshot,
	       is_mandatory, status, created_at, updated_at
	FROM stage_assignments
`

// CreateAssignment inserts one user assignment. The unique index on
// (stage_instance_id, user_id) enforces assignment uniqueness.
func (r *AssignmentRepository) CreateAssignment(ctx context.Context, a *Assignment) error {
	query := `
		INSERT INTO stage_assignments
		    (stage_instance_id, user_id, role_snapshot, level_snapshot,
		     is_mandatory, status)
		VALUES ($1, $2, $3, $4, $5, $6::assignment_status)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		a.StageInstanceID,
		a.UserID,
		a.RoleSnapshot,
		a.LevelSnapshot,
		a.IsMandatory,
		a.Status,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create assignment")
	}
	return nil
}

// AssignmentsForStage returns all assignments on a stage instance.
func (r *AssignmentRepository) AssignmentsForStage(ctx context.Context, stageInstanceID string) ([]*Assignment, error) {
	query := assignmentSelect + `
		WHERE stage_instance_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, stageInstanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get assignments")
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		a, err := r.scanAssignment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan assignment")
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// UpdateAssignmentStatus transitions one assignment. Terminal statuses are
// monotone; the WHERE clause refuses transitions out of a terminal state.
func (r *AssignmentRepository) UpdateAssignmentStatus(ctx context.Context, id string, status AssignmentStatus) error {
	query := `
		UPDATE stage_assignments
		SET status = $2::assignment_status, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NewWithReason(errors.ErrCodeConflict, errors.ReasonStateConflict,
			"assignment not found or no longer pending")
	}
	return err
}

// DeletePendingForStage removes the remaining pending assignments when a
// stage terminates.
func (r *AssignmentRepository) DeletePendingForStage(ctx context.Context, stageInstanceID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM stage_assignments WHERE stage_instance_id = $1 AND status = 'pending'`,
		stageInstanceID,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete pending assignments")
	}
	return nil
}

// ── Actions ───────────────────────────────────────────────────────────────────

// AppendAction inserts one audit record. The table carries a
// delete-prevention trigger; this is the only mutation exposed.
func (r *AssignmentRepository) AppendAction(ctx context.Context, a *Action) error {
	query := `
		INSERT INTO stage_actions
		    (stage_instance_id, user_id, assignment_id, kind, comment,
		     triggers_stage_completion)
		VALUES ($1, $2, $3, $4::action_kind, $5, $6)
		RETURNING id, created_at, seq
	`

	err := r.db.QueryRow(ctx, query,
		a.StageInstanceID,
		a.UserID,
		a.AssignmentID,
		a.Kind,
		a.Comment,
		a.TriggersStageCompletion,
	).Scan(&a.ID, &a.CreatedAt, &a.Seq)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append action")
	}
	return nil
}

// ActionsForStage returns the stage's action log ordered by creation time,
// insertion sequence breaking ties.
func (r *AssignmentRepository) ActionsForStage(ctx context.Context, stageInstanceID string) ([]*Action, error) {
	query := `
		SELECT id, stage_instance_id, user_id, assignment_id, kind, comment,
		       triggers_stage_completion, created_at, seq
		FROM stage_actions
		WHERE stage_instance_id = $1
		ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, stageInstanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get actions")
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a := &Action{}
		err := rows.Scan(
			&a.ID,
			&a.StageInstanceID,
			&a.UserID,
			&a.AssignmentID,
			&a.Kind,
			&a.Comment,
			&a.TriggersStageCompletion,
			&a.CreatedAt,
			&a.Seq,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ActionsForTransfer returns the full action history across every stage of
// every workflow of a transfer, oldest first.
func (r *AssignmentRepository) ActionsForTransfer(ctx context.Context, transferID string) ([]*Action, error) {
	query := `
		SELECT a.id, a.stage_instance_id, a.user_id, a.assignment_id, a.kind,
		       a.comment, a.triggers_stage_completion, a.created_at, a.seq
		FROM stage_actions a
		JOIN workflow_stage_instances s ON s.id = a.stage_instance_id
		JOIN workflow_instances w ON w.id = s.workflow_instance_id
		WHERE w.transfer_id = $1
		ORDER BY a.created_at ASC, a.seq ASC
	`

	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get transfer actions")
	}
	defer rows.Close()

	var actions []*Action
	for rows.Next() {
		a := &Action{}
		err := rows.Scan(
			&a.ID,
			&a.StageInstanceID,
			&a.UserID,
			&a.AssignmentID,
			&a.Kind,
			&a.Comment,
			&a.TriggersStageCompletion,
			&a.CreatedAt,
			&a.Seq,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action")
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// ── Delegations ───────────────────────────────────────────────────────────────

// CreateDelegation inserts an active delegation.
func (r *AssignmentRepository) CreateDelegation(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO approval_delegations
		    (stage_instance_id, from_user_id, to_user_id, active)
		VALUES ($1, $2, $3, TRUE)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		d.StageInstanceID,
		d.FromUserID,
		d.ToUserID,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	d.Active = true
	return nil
}

// ActiveDelegationsForStage returns the stage's active delegations.
func (r *AssignmentRepository) ActiveDelegationsForStage(ctx context.Context, stageInstanceID string) ([]*Delegation, error) {
	query := `
		SELECT id, stage_instance_id, from_user_id, to_user_id,
		       active, created_at, deactivated_at
		FROM approval_delegations
		WHERE stage_instance_id = $1 AND active = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, stageInstanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegations")
	}
	defer rows.Close()

	var delegations []*Delegation
	for rows.Next() {
		d := &Delegation{}
		err := rows.Scan(
			&d.ID,
			&d.StageInstanceID,
			&d.FromUserID,
			&d.ToUserID,
			&d.Active,
			&d.CreatedAt,
			&d.DeactivatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		delegations = append(delegations, d)
	}
	return delegations, nil
}

// DeactivateDelegationsForStage revokes all active delegations on a stage.
// Called on stage termination.
func (r *AssignmentRepository) DeactivateDelegationsForStage(ctx context.Context, stageInstanceID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE approval_delegations
		SET active = FALSE, deactivated_at = $2
		WHERE stage_instance_id = $1 AND active = TRUE
	`, stageInstanceID, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate delegations")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AssignmentRepository) scanAssignment(row rowScanner) (*Assignment, error) {
	a := &Assignment{}
	err := row.Scan(
		&a.ID,
		&a.StageInstanceID,
		&a.UserID,
		&a.RoleSnapshot,
		&a.LevelSnapshot,
		&a.IsMandatory,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
