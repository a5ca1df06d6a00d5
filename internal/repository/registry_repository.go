package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
)

// RegistryRepository persists the mapping of security groups to workflow
// template chains.
type RegistryRepository struct {
	db *database.DB
}

// NewRegistryRepository creates a new RegistryRepository.
func NewRegistryRepository(db *database.DB) *RegistryRepository {
	return &RegistryRepository{db: db}
}

// AssignmentsForGroup returns the group's template assignments ordered by
// execution_order ascending.
func (r *RegistryRepository) AssignmentsForGroup(ctx context.Context, securityGroupID string) ([]*WorkflowTemplateAssignment, error) {
	query := `
		SELECT id, security_group_id, workflow_template_id,
		       execution_order, transaction_code_filter, created_at
		FROM workflow_template_assignments
		WHERE security_group_id = $1
		ORDER BY execution_order ASC
	`

	rows, err := r.db.Query(ctx, query, securityGroupID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get template assignments")
	}
	defer rows.Close()

	var assignments []*WorkflowTemplateAssignment
	for rows.Next() {
		a := &WorkflowTemplateAssignment{}
		err := rows.Scan(
			&a.ID,
			&a.SecurityGroupID,
			&a.WorkflowTemplateID,
			&a.ExecutionOrder,
			&a.TransactionCodeFilter,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan template assignment")
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// ReplaceAssignments deletes the group's prior assignments and inserts the
// replacement set in one transaction. Input validation (duplicate templates
// or execution orders) happens in the service layer.
func (r *RegistryRepository) ReplaceAssignments(ctx context.Context, securityGroupID string, assignments []*WorkflowTemplateAssignment) error {
	return r.db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM workflow_template_assignments WHERE security_group_id = $1`,
			securityGroupID,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear template assignments")
		}

		query := `
			INSERT INTO workflow_template_assignments
			    (security_group_id, workflow_template_id,
			     execution_order, transaction_code_filter)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at
		`

		for _, a := range assignments {
			a.SecurityGroupID = securityGroupID
			err := tx.QueryRow(ctx, query,
				a.SecurityGroupID,
				a.WorkflowTemplateID,
				a.ExecutionOrder,
				a.TransactionCodeFilter,
			).Scan(&a.ID, &a.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create template assignment")
			}
		}
		return nil
	})
}
