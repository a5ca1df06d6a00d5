package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// EligibleApprover is one user allowed to act on a stage, with the role
// and level snapshots recorded on the assignment at materialization time.
type EligibleApprover struct {
	UserID   string
	RoleName string
	Level    int
}

// AccessService resolves effective abilities, ability-scoped groups and
// per-stage eligibility. All lookups are read-only; absent users or groups
// resolve to empty results, never errors.
type AccessService struct {
	store AuthzStore
	log   *logger.Logger
}

// NewAccessService creates a new AccessService.
func NewAccessService(store AuthzStore, log *logger.Logger) *AccessService {
	return &AccessService{store: store, log: log}
}

// EffectiveAbilities returns the union of the membership's custom abilities
// with the default abilities of its active assigned roles, for the user's
// active membership in the given group. Empty set when no membership exists.
func (s *AccessService) EffectiveAbilities(ctx context.Context, userID, groupID string) (map[string]bool, error) {
	memberships, err := s.store.MembershipsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	abilities := map[string]bool{}
	for _, m := range memberships {
		if m.SecurityGroupID != groupID {
			continue
		}
		merged, err := s.membershipAbilities(ctx, m)
		if err != nil {
			return nil, err
		}
		for tag := range merged {
			abilities[tag] = true
		}
	}
	return abilities, nil
}

// GroupsWithAbility returns the ids of groups where the user's effective
// abilities include the tag. allGroups is true iff the user is a
// superadmin, in which case the slice is empty and every group qualifies.
func (s *AccessService) GroupsWithAbility(ctx context.Context, userID, tag string) (groupIDs []string, allGroups bool, err error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if user != nil && user.IsSuperadmin {
		return nil, true, nil
	}

	memberships, err := s.store.MembershipsForUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	seen := map[string]bool{}
	for _, m := range memberships {
		if seen[m.SecurityGroupID] {
			continue
		}
		abilities, err := s.membershipAbilities(ctx, m)
		if err != nil {
			return nil, false, err
		}
		if abilities[tag] {
			seen[m.SecurityGroupID] = true
			groupIDs = append(groupIDs, m.SecurityGroupID)
		}
	}
	sort.Strings(groupIDs)
	return groupIDs, false, nil
}

// EligibleUsersForStage computes the distinct users allowed to act on a
// stage. When the stage requires a role, the role's own security group is
// used, which may differ from the transfer's group; this is what enables
// cross-group review workflows.
func (s *AccessService) EligibleUsersForStage(ctx context.Context, stage *repository.WorkflowStageTemplate, transferGroupID string) ([]EligibleApprover, error) {
	groupID := transferGroupID
	var requiredRole *repository.SecurityGroupRole

	if stage.RequiredRoleID != nil {
		role, err := s.store.GetRole(ctx, *stage.RequiredRoleID)
		if err != nil {
			return nil, err
		}
		if role == nil || !role.IsActive {
			s.log.Warn().
				Str("stage_template_id", stage.ID).
				Str("required_role_id", *stage.RequiredRoleID).
				Msg("required role missing or inactive; stage resolves to no approvers")
			return nil, nil
		}
		requiredRole = role
		groupID = role.SecurityGroupID
	}
	if groupID == "" {
		return nil, nil
	}

	memberships, err := s.store.ActiveMembershipsForGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	var eligible []EligibleApprover
	seen := map[string]bool{}
	for _, m := range memberships {
		if requiredRole != nil && !containsString(m.AssignedRoleIDs, requiredRole.ID) {
			continue
		}

		user, err := s.store.GetUser(ctx, m.UserID)
		if err != nil {
			return nil, err
		}
		if user == nil || !user.IsActive {
			continue
		}
		if stage.RequiredUserLevel != nil && user.Level < *stage.RequiredUserLevel {
			continue
		}
		if seen[user.ID] {
			continue
		}
		seen[user.ID] = true

		approver := EligibleApprover{UserID: user.ID, Level: user.Level}
		if requiredRole != nil {
			approver.RoleName = requiredRole.RoleName
		}
		eligible = append(eligible, approver)
	}
	return eligible, nil
}

// HasAbilityOverSegments reports whether any active segment-ability record
// for (user, tag) matches the input combination. A stored combination
// matches when every stored (segment type, code) entry is present with an
// equal value in the input.
func (s *AccessService) HasAbilityOverSegments(ctx context.Context, userID, tag string, combination map[string]string) (bool, error) {
	records, err := s.store.SegmentAbilitiesForUser(ctx, userID, tag)
	if err != nil {
		return false, err
	}

	for _, rec := range records {
		if combinationMatches(rec.SegmentCombination, combination) {
			return true, nil
		}
	}
	return false, nil
}

// membershipAbilities merges a membership's custom abilities with the
// defaults of its active assigned roles.
func (s *AccessService) membershipAbilities(ctx context.Context, m *repository.UserGroupMembership) (map[string]bool, error) {
	abilities := map[string]bool{}
	for _, tag := range m.CustomAbilities {
		abilities[tag] = true
	}
	for _, roleID := range m.AssignedRoleIDs {
		role, err := s.store.GetRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		if role == nil || !role.IsActive || role.SecurityGroupID != m.SecurityGroupID {
			continue
		}
		for _, tag := range role.DefaultAbilities {
			abilities[tag] = true
		}
	}
	return abilities, nil
}

func combinationMatches(stored, input map[string]string) bool {
	if len(stored) == 0 {
		return false
	}
	for segType, code := range stored {
		if input[segType] != code {
			return false
		}
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
