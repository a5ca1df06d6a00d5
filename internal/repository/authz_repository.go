package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/database"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
)

// AuthzRepository reads the authorization master data: users, security
// groups, roles, memberships and segment abilities. The engine never
// mutates this data.
type AuthzRepository struct {
	db *database.DB
}

// NewAuthzRepository creates a new AuthzRepository.
func NewAuthzRepository(db *database.DB) *AuthzRepository {
	return &AuthzRepository{db: db}
}

// GetUser retrieves a user by id. Returns nil (no error) for unknown users.
func (r *AuthzRepository) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, name, user_level, is_active, is_superadmin
		FROM users
		WHERE id = $1
	`

	u := &User{}
	err := r.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.Name, &u.Level, &u.IsActive, &u.IsSuperadmin)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}

// GetGroup retrieves a security group by id. Returns nil for unknown groups.
func (r *AuthzRepository) GetGroup(ctx context.Context, id string) (*SecurityGroup, error) {
	query := `
		SELECT id, name, is_active
		FROM security_groups
		WHERE id = $1
	`

	g := &SecurityGroup{}
	err := r.db.QueryRow(ctx, query, id).Scan(&g.ID, &g.Name, &g.IsActive)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get security group")
	}
	return g, nil
}

// GetRole retrieves a security-group role by id. Returns nil for unknown
// roles.
func (r *AuthzRepository) GetRole(ctx context.Context, id string) (*SecurityGroupRole, error) {
	query := `
		SELECT id, security_group_id, role_name, default_abilities, is_active
		FROM security_group_roles
		WHERE id = $1
	`

	role := &SecurityGroupRole{}
	var abilities []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&role.ID, &role.SecurityGroupID, &role.RoleName, &abilities, &role.IsActive)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get role")
	}
	if err := json.Unmarshal(abilities, &role.DefaultAbilities); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal role abilities")
	}
	return role, nil
}

// RolesForGroup returns the group's roles, optionally active only.
func (r *AuthzRepository) RolesForGroup(ctx context.Context, groupID string, activeOnly bool) ([]*SecurityGroupRole, error) {
	query := `
		SELECT id, security_group_id, role_name, default_abilities, is_active
		FROM security_group_roles
		WHERE security_group_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY role_name ASC"

	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get group roles")
	}
	defer rows.Close()

	var roles []*SecurityGroupRole
	for rows.Next() {
		role := &SecurityGroupRole{}
		var abilities []byte
		if err := rows.Scan(&role.ID, &role.SecurityGroupID, &role.RoleName, &abilities, &role.IsActive); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan role")
		}
		if err := json.Unmarshal(abilities, &role.DefaultAbilities); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal role abilities")
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// MembershipsForUser returns the user's active memberships across all
// groups.
func (r *AuthzRepository) MembershipsForUser(ctx context.Context, userID string) ([]*UserGroupMembership, error) {
	query := membershipSelect + `
		WHERE user_id = $1 AND is_active = TRUE
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user memberships")
	}
	defer rows.Close()

	return r.scanMemberships(rows)
}

// ActiveMembershipsForGroup returns the group's active memberships.
func (r *AuthzRepository) ActiveMembershipsForGroup(ctx context.Context, groupID string) ([]*UserGroupMembership, error) {
	query := membershipSelect + `
		WHERE security_group_id = $1 AND is_active = TRUE
	`

	rows, err := r.db.Query(ctx, query, groupID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get group memberships")
	}
	defer rows.Close()

	return r.scanMemberships(rows)
}

// SegmentAbilitiesForUser returns the user's active segment abilities for
// one ability tag.
func (r *AuthzRepository) SegmentAbilitiesForUser(ctx context.Context, userID, ability string) ([]*UserSegmentAbility, error) {
	query := `
		SELECT id, user_id, ability, segment_combination, is_active
		FROM user_segment_abilities
		WHERE user_id = $1 AND ability = $2 AND is_active = TRUE
	`

	rows, err := r.db.Query(ctx, query, userID, ability)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get segment abilities")
	}
	defer rows.Close()

	var abilities []*UserSegmentAbility
	for rows.Next() {
		a := &UserSegmentAbility{}
		var combination []byte
		if err := rows.Scan(&a.ID, &a.UserID, &a.Ability, &combination, &a.IsActive); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan segment ability")
		}
		if err := json.Unmarshal(combination, &a.SegmentCombination); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal segment combination")
		}
		abilities = append(abilities, a)
	}
	return abilities, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const membershipSelect = `
	SELECT id, user_id, security_group_id, assigned_role_ids,
	       custom_abilities, is_active
	FROM user_group_memberships
`

func (r *AuthzRepository) scanMemberships(rows pgx.Rows) ([]*UserGroupMembership, error) {
	var memberships []*UserGroupMembership
	for rows.Next() {
		m := &UserGroupMembership{}
		var roleIDs, custom []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.SecurityGroupID, &roleIDs, &custom, &m.IsActive); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan membership")
		}
		if err := json.Unmarshal(roleIDs, &m.AssignedRoleIDs); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal assigned roles")
		}
		if custom != nil {
			if err := json.Unmarshal(custom, &m.CustomAbilities); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal custom abilities")
			}
		}
		memberships = append(memberships, m)
	}
	return memberships, nil
}
