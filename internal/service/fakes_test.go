package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-budget-transfers/internal/events"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/metrics"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// memStore is an in-memory implementation of every store interface the
// engine depends on. It mirrors the semantics of the pgx repositories,
// including the pending-only assignment update and unique (stage, user)
// assignments, so invariant violations surface as test failures.
type memStore struct {
	seq int

	templates       map[string]*repository.WorkflowTemplate
	stageTemplates  map[string]*repository.WorkflowStageTemplate
	registry        map[string][]*repository.WorkflowTemplateAssignment
	instances       []*repository.WorkflowInstance
	stageInstances  []*repository.WorkflowStageInstance
	assignments     []*repository.Assignment
	actions         []*repository.Action
	delegations     []*repository.Delegation
	transfers       map[string]*repository.Transfer
	users           map[string]*repository.User
	groups          map[string]*repository.SecurityGroup
	roles           map[string]*repository.SecurityGroupRole
	memberships     []*repository.UserGroupMembership
	segmentAbility  []*repository.UserSegmentAbility
	templateRefs    map[string]bool
	stageTmplRefs   map[string]bool
	deletedTmpl     []string
	deletedStageTpl []string
}

func newMemStore() *memStore {
	return &memStore{
		templates:      map[string]*repository.WorkflowTemplate{},
		stageTemplates: map[string]*repository.WorkflowStageTemplate{},
		registry:       map[string][]*repository.WorkflowTemplateAssignment{},
		transfers:      map[string]*repository.Transfer{},
		users:          map[string]*repository.User{},
		groups:         map[string]*repository.SecurityGroup{},
		roles:          map[string]*repository.SecurityGroupRole{},
		templateRefs:   map[string]bool{},
		stageTmplRefs:  map[string]bool{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// ── TxRunner ──────────────────────────────────────────────────────────────────

func (m *memStore) InTransferTx(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// ── TemplateStore / TemplateAdminStore ────────────────────────────────────────

func (m *memStore) GetTemplate(_ context.Context, id string) (*repository.WorkflowTemplate, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, errors.NotFound("workflow template", id)
	}
	return t, nil
}

func (m *memStore) StagesForTemplate(_ context.Context, templateID string, maxOrder int) ([]*repository.WorkflowStageTemplate, error) {
	var out []*repository.WorkflowStageTemplate
	for _, st := range m.stageTemplates {
		if st.TemplateID == templateID && st.OrderIndex < maxOrder {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *memStore) CreateTemplate(_ context.Context, t *repository.WorkflowTemplate) error {
	if t.ID == "" {
		t.ID = m.nextID("tmpl")
	}
	m.templates[t.ID] = t
	return nil
}

func (m *memStore) ListTemplates(_ context.Context, activeOnly bool) ([]*repository.WorkflowTemplate, error) {
	var out []*repository.WorkflowTemplate
	for _, t := range m.templates {
		if activeOnly && !t.IsActive {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateTemplate(_ context.Context, t *repository.WorkflowTemplate) error {
	if _, ok := m.templates[t.ID]; !ok {
		return errors.NotFound("workflow template", t.ID)
	}
	m.templates[t.ID] = t
	return nil
}

func (m *memStore) DeleteTemplate(_ context.Context, id string) error {
	if _, ok := m.templates[id]; !ok {
		return errors.NotFound("workflow template", id)
	}
	delete(m.templates, id)
	m.deletedTmpl = append(m.deletedTmpl, id)
	return nil
}

func (m *memStore) TemplateReferenced(_ context.Context, templateID string) (bool, error) {
	return m.templateRefs[templateID], nil
}

func (m *memStore) CreateStage(_ context.Context, s *repository.WorkflowStageTemplate) error {
	if s.ID == "" {
		s.ID = m.nextID("stage-tmpl")
	}
	m.stageTemplates[s.ID] = s
	return nil
}

func (m *memStore) GetStage(_ context.Context, id string) (*repository.WorkflowStageTemplate, error) {
	s, ok := m.stageTemplates[id]
	if !ok {
		return nil, errors.NotFound("stage template", id)
	}
	return s, nil
}

func (m *memStore) UpdateStage(_ context.Context, s *repository.WorkflowStageTemplate) error {
	if _, ok := m.stageTemplates[s.ID]; !ok {
		return errors.NotFound("stage template", s.ID)
	}
	m.stageTemplates[s.ID] = s
	return nil
}

func (m *memStore) RelocateStageOrder(_ context.Context, id string, newOrder int) error {
	s, ok := m.stageTemplates[id]
	if !ok {
		return errors.NotFound("stage template", id)
	}
	s.OrderIndex = newOrder
	return nil
}

func (m *memStore) DeleteStage(_ context.Context, id string) error {
	if _, ok := m.stageTemplates[id]; !ok {
		return errors.NotFound("stage template", id)
	}
	delete(m.stageTemplates, id)
	m.deletedStageTpl = append(m.deletedStageTpl, id)
	return nil
}

func (m *memStore) StageHasInstances(_ context.Context, stageTemplateID string) (bool, error) {
	return m.stageTmplRefs[stageTemplateID], nil
}

// ── RegistryStore ─────────────────────────────────────────────────────────────

func (m *memStore) AssignmentsForGroup(_ context.Context, securityGroupID string) ([]*repository.WorkflowTemplateAssignment, error) {
	return m.registry[securityGroupID], nil
}

func (m *memStore) ReplaceAssignments(_ context.Context, securityGroupID string, assignments []*repository.WorkflowTemplateAssignment) error {
	for _, a := range assignments {
		if a.ID == "" {
			a.ID = m.nextID("reg")
		}
		a.SecurityGroupID = securityGroupID
	}
	m.registry[securityGroupID] = assignments
	return nil
}

// ── WorkflowStore ─────────────────────────────────────────────────────────────

func (m *memStore) CreateInstances(_ context.Context, instances []*repository.WorkflowInstance) error {
	for _, w := range instances {
		if w.ID == "" {
			w.ID = m.nextID("wf")
		}
		w.CreatedAt = time.Now().UTC()
		m.instances = append(m.instances, w)
	}
	return nil
}

func (m *memStore) GetInstance(_ context.Context, id string) (*repository.WorkflowInstance, error) {
	for _, w := range m.instances {
		if w.ID == id {
			return w, nil
		}
	}
	return nil, errors.NotFound("workflow instance", id)
}

func (m *memStore) InstancesForTransfer(_ context.Context, transferID string) ([]*repository.WorkflowInstance, error) {
	var out []*repository.WorkflowInstance
	for _, w := range m.instances {
		if w.TransferID == transferID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out, nil
}

func (m *memStore) ActiveInstanceForTransfer(ctx context.Context, transferID string) (*repository.WorkflowInstance, error) {
	all, _ := m.InstancesForTransfer(ctx, transferID)
	for _, w := range all {
		if w.Status == repository.WorkflowStatusPending || w.Status == repository.WorkflowStatusInProgress {
			return w, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateInstanceStatus(ctx context.Context, id string, status repository.WorkflowStatus, startedAt, finishedAt *time.Time) error {
	w, err := m.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	w.Status = status
	if startedAt != nil {
		w.StartedAt = startedAt
	}
	if finishedAt != nil {
		w.FinishedAt = finishedAt
	}
	return nil
}

func (m *memStore) SetCurrentStage(ctx context.Context, id string, stageTemplateID *string) error {
	w, err := m.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	w.CurrentStageTemplateID = stageTemplateID
	return nil
}

func (m *memStore) CreateStageInstance(_ context.Context, s *repository.WorkflowStageInstance) error {
	if s.ID == "" {
		s.ID = m.nextID("si")
	}
	s.CreatedAt = time.Now().UTC()
	m.stageInstances = append(m.stageInstances, s)
	return nil
}

func (m *memStore) GetStageInstance(_ context.Context, id string) (*repository.WorkflowStageInstance, error) {
	for _, s := range m.stageInstances {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, errors.NotFound("stage instance", id)
}

func (m *memStore) StagesForInstance(_ context.Context, workflowInstanceID string) ([]*repository.WorkflowStageInstance, error) {
	var out []*repository.WorkflowStageInstance
	for _, s := range m.stageInstances {
		if s.WorkflowInstanceID == workflowInstanceID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *memStore) ActiveStagesForInstance(ctx context.Context, workflowInstanceID string) ([]*repository.WorkflowStageInstance, error) {
	all, _ := m.StagesForInstance(ctx, workflowInstanceID)
	var out []*repository.WorkflowStageInstance
	for _, s := range all {
		if s.Status == repository.StageStatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) UpdateStageStatus(ctx context.Context, id string, status repository.StageStatus, completedAt *time.Time) error {
	s, err := m.GetStageInstance(ctx, id)
	if err != nil {
		return err
	}
	s.Status = status
	if completedAt != nil {
		s.CompletedAt = completedAt
	}
	return nil
}

func (m *memStore) ActiveStagesPastSLA(_ context.Context, cutoff time.Time) ([]*repository.WorkflowStageInstance, error) {
	var out []*repository.WorkflowStageInstance
	for _, s := range m.stageInstances {
		if s.Status != repository.StageStatusActive || s.SLAHours == nil || s.ActivatedAt == nil {
			continue
		}
		if !s.ActivatedAt.Add(time.Duration(*s.SLAHours) * time.Hour).After(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ── AssignmentStore ───────────────────────────────────────────────────────────

func (m *memStore) CreateAssignment(_ context.Context, a *repository.Assignment) error {
	for _, existing := range m.assignments {
		if existing.StageInstanceID == a.StageInstanceID && existing.UserID == a.UserID {
			return errors.New(errors.ErrCodeConflict, "assignment already exists for user on stage")
		}
	}
	if a.ID == "" {
		a.ID = m.nextID("asg")
	}
	a.CreatedAt = time.Now().UTC()
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *memStore) AssignmentsForStage(_ context.Context, stageInstanceID string) ([]*repository.Assignment, error) {
	var out []*repository.Assignment
	for _, a := range m.assignments {
		if a.StageInstanceID == stageInstanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) UpdateAssignmentStatus(_ context.Context, id string, status repository.AssignmentStatus) error {
	for _, a := range m.assignments {
		if a.ID == id {
			if a.Status != repository.AssignmentStatusPending {
				return errors.NewWithReason(errors.ErrCodeConflict, errors.ReasonStateConflict,
					"assignment is not pending")
			}
			a.Status = status
			return nil
		}
	}
	return errors.NotFound("assignment", id)
}

func (m *memStore) DeletePendingForStage(_ context.Context, stageInstanceID string) error {
	kept := m.assignments[:0]
	for _, a := range m.assignments {
		if a.StageInstanceID == stageInstanceID && a.Status == repository.AssignmentStatusPending {
			continue
		}
		kept = append(kept, a)
	}
	m.assignments = kept
	return nil
}

func (m *memStore) AppendAction(_ context.Context, a *repository.Action) error {
	if a.ID == "" {
		a.ID = m.nextID("act")
	}
	a.CreatedAt = time.Now().UTC()
	a.Seq = int64(len(m.actions) + 1)
	m.actions = append(m.actions, a)
	return nil
}

func (m *memStore) ActionsForStage(_ context.Context, stageInstanceID string) ([]*repository.Action, error) {
	var out []*repository.Action
	for _, a := range m.actions {
		if a.StageInstanceID == stageInstanceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ActionsForTransfer(ctx context.Context, transferID string) ([]*repository.Action, error) {
	stageIDs := map[string]bool{}
	for _, w := range m.instances {
		if w.TransferID != transferID {
			continue
		}
		stages, _ := m.StagesForInstance(ctx, w.ID)
		for _, s := range stages {
			stageIDs[s.ID] = true
		}
	}
	var out []*repository.Action
	for _, a := range m.actions {
		if stageIDs[a.StageInstanceID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CreateDelegation(_ context.Context, d *repository.Delegation) error {
	if d.ID == "" {
		d.ID = m.nextID("del")
	}
	d.Active = true
	d.CreatedAt = time.Now().UTC()
	m.delegations = append(m.delegations, d)
	return nil
}

func (m *memStore) ActiveDelegationsForStage(_ context.Context, stageInstanceID string) ([]*repository.Delegation, error) {
	var out []*repository.Delegation
	for _, d := range m.delegations {
		if d.StageInstanceID == stageInstanceID && d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) DeactivateDelegationsForStage(_ context.Context, stageInstanceID string, at time.Time) error {
	for _, d := range m.delegations {
		if d.StageInstanceID == stageInstanceID && d.Active {
			d.Active = false
			d.DeactivatedAt = &at
		}
	}
	return nil
}

// ── TransferStore ─────────────────────────────────────────────────────────────

func (m *memStore) GetByID(_ context.Context, id string) (*repository.Transfer, error) {
	t, ok := m.transfers[id]
	if !ok {
		return nil, errors.NotFound("transfer", id)
	}
	return t, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id string, status repository.TransferStatus) error {
	t, ok := m.transfers[id]
	if !ok {
		return errors.NotFound("transfer", id)
	}
	t.Status = status
	return nil
}

func (m *memStore) ChildDrawTotal(_ context.Context, holdTransferID string) (int64, error) {
	var total int64
	for _, t := range m.transfers {
		if t.LinkedTransferID == nil || *t.LinkedTransferID != holdTransferID {
			continue
		}
		switch t.Status {
		case repository.TransferStatusApproved, repository.TransferStatusSubmitted, repository.TransferStatusInReview:
			total += t.TotalFromAmount()
		}
	}
	return total, nil
}

// ── AuthzStore ────────────────────────────────────────────────────────────────

func (m *memStore) GetUser(_ context.Context, id string) (*repository.User, error) {
	return m.users[id], nil
}

func (m *memStore) GetGroup(_ context.Context, id string) (*repository.SecurityGroup, error) {
	return m.groups[id], nil
}

func (m *memStore) GetRole(_ context.Context, id string) (*repository.SecurityGroupRole, error) {
	return m.roles[id], nil
}

func (m *memStore) RolesForGroup(_ context.Context, groupID string, activeOnly bool) ([]*repository.SecurityGroupRole, error) {
	var out []*repository.SecurityGroupRole
	for _, r := range m.roles {
		if r.SecurityGroupID != groupID {
			continue
		}
		if activeOnly && !r.IsActive {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) MembershipsForUser(_ context.Context, userID string) ([]*repository.UserGroupMembership, error) {
	var out []*repository.UserGroupMembership
	for _, mem := range m.memberships {
		if mem.UserID == userID && mem.IsActive {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *memStore) ActiveMembershipsForGroup(_ context.Context, groupID string) ([]*repository.UserGroupMembership, error) {
	var out []*repository.UserGroupMembership
	for _, mem := range m.memberships {
		if mem.SecurityGroupID == groupID && mem.IsActive {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *memStore) SegmentAbilitiesForUser(_ context.Context, userID, ability string) ([]*repository.UserSegmentAbility, error) {
	var out []*repository.UserSegmentAbility
	for _, sa := range m.segmentAbility {
		if sa.UserID == userID && sa.Ability == ability && sa.IsActive {
			out = append(out, sa)
		}
	}
	return out, nil
}

// ── Fixture helpers ───────────────────────────────────────────────────────────

func (m *memStore) addUser(id string, level int) *repository.User {
	u := &repository.User{ID: id, Name: id, Level: level, IsActive: true}
	m.users[id] = u
	return u
}

func (m *memStore) addGroup(id string) *repository.SecurityGroup {
	g := &repository.SecurityGroup{ID: id, Name: id, IsActive: true}
	m.groups[id] = g
	return g
}

func (m *memStore) addRole(id, groupID string, abilities ...string) *repository.SecurityGroupRole {
	r := &repository.SecurityGroupRole{
		ID: id, SecurityGroupID: groupID, RoleName: id,
		DefaultAbilities: abilities, IsActive: true,
	}
	m.roles[id] = r
	return r
}

func (m *memStore) addMembership(userID, groupID string, roleIDs ...string) *repository.UserGroupMembership {
	mem := &repository.UserGroupMembership{
		ID: m.nextID("mem"), UserID: userID, SecurityGroupID: groupID,
		AssignedRoleIDs: roleIDs, IsActive: true,
	}
	m.memberships = append(m.memberships, mem)
	return mem
}

func (m *memStore) addTransfer(id, code string, kind repository.TransferType, groupID string) *repository.Transfer {
	t := &repository.Transfer{
		ID: id, Code: code, Type: kind,
		Status:          repository.TransferStatusSubmitted,
		SecurityGroupID: &groupID,
		RequestedBy:     "requester",
		RequestedAt:     time.Now().UTC(),
	}
	m.transfers[id] = t
	return t
}

func (m *memStore) addTemplate(id string, kind repository.TransferType) *repository.WorkflowTemplate {
	t := &repository.WorkflowTemplate{
		ID: id, Code: id, TransferType: kind, Name: id, Version: 1, IsActive: true,
	}
	m.templates[id] = t
	return t
}

func (m *memStore) addStageTemplate(id, templateID string, order int, policy repository.DecisionPolicy, mutate func(*repository.WorkflowStageTemplate)) *repository.WorkflowStageTemplate {
	s := &repository.WorkflowStageTemplate{
		ID: id, TemplateID: templateID, OrderIndex: order,
		Name: id, DecisionPolicy: policy,
	}
	if mutate != nil {
		mutate(s)
	}
	m.stageTemplates[id] = s
	return s
}

func (m *memStore) assignTemplate(groupID, templateID string, order int, filter *string) {
	m.registry[groupID] = append(m.registry[groupID], &repository.WorkflowTemplateAssignment{
		ID: m.nextID("reg"), SecurityGroupID: groupID,
		WorkflowTemplateID: templateID, ExecutionOrder: order,
		TransactionCodeFilter: filter,
	})
}

// newTestEngine wires an ApprovalEngine over a memStore with a Recorder
// event sink.
func newTestEngine(store *memStore) (*ApprovalEngine, *events.Recorder) {
	log := logger.Nop()
	recorder := &events.Recorder{}
	access := NewAccessService(store, log)
	routing := NewRoutingService(store, log)
	hold := NewHoldService(store)
	engine := NewApprovalEngine(
		store, routing, store, store, store, access, store, hold, store,
		recorder, metrics.NewEngineForTest(),
		EngineConfig{ArchivedThreshold: 9999, TransactionPrefixLen: 3},
		log,
	)
	return engine, recorder
}
