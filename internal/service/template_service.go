package service

import (
	"context"

	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
)

// TemplateService manages workflow templates and their stages. Edits to a
// stage's decision fields apply to future instances only: live stage
// instances carry their own snapshot.
type TemplateService struct {
	store             TemplateAdminStore
	validate          *validator.Validate
	archivedThreshold int
	log               *logger.Logger
}

// NewTemplateService creates a new TemplateService. archivedThreshold is
// the order index at and above which stages are archived.
func NewTemplateService(store TemplateAdminStore, archivedThreshold int, log *logger.Logger) *TemplateService {
	return &TemplateService{
		store:             store,
		validate:          validator.New(),
		archivedThreshold: archivedThreshold,
		log:               log,
	}
}

// CreateTemplateRequest carries the fields for a new workflow template.
type CreateTemplateRequest struct {
	Code          string                  `json:"code" validate:"required"`
	TransferType  repository.TransferType `json:"transfer_type" validate:"required,oneof=standard_adjustment augmentation reallocation hold_release generic"`
	Name          string                  `json:"name" validate:"required"`
	Version       int                     `json:"version" validate:"gte=1"`
	AllowWithdraw bool                    `json:"allow_withdraw"`
	AllowReopen   bool                    `json:"allow_reopen"`
}

// CreateStageRequest carries the fields for a new stage template.
type CreateStageRequest struct {
	TemplateID        string                    `json:"template_id" validate:"required"`
	OrderIndex        int                       `json:"order_index" validate:"gte=1"`
	Name              string                    `json:"name" validate:"required"`
	DecisionPolicy    repository.DecisionPolicy `json:"decision_policy" validate:"required,oneof=all any quorum"`
	QuorumCount       *int                      `json:"quorum_count,omitempty"`
	AllowReject       bool                      `json:"allow_reject"`
	AllowDelegate     bool                      `json:"allow_delegate"`
	SLAHours          *int                      `json:"sla_hours,omitempty"`
	RequiredRoleID    *string                   `json:"required_role_id,omitempty"`
	RequiredUserLevel *int                      `json:"required_user_level,omitempty"`
}

// CreateTemplate validates and inserts a template. New templates start
// active; versions of the same code may coexist.
func (s *TemplateService) CreateTemplate(ctx context.Context, req *CreateTemplateRequest) (*repository.WorkflowTemplate, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid template")
	}

	t := &repository.WorkflowTemplate{
		Code:          req.Code,
		TransferType:  req.TransferType,
		Name:          req.Name,
		Version:       req.Version,
		IsActive:      true,
		AllowWithdraw: req.AllowWithdraw,
		AllowReopen:   req.AllowReopen,
	}
	if err := s.store.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}

	s.log.Info().Str("template_id", t.ID).Str("code", t.Code).Int("version", t.Version).
		Msg("Workflow template created")
	return t, nil
}

// GetTemplate returns a template with its unarchived stages.
func (s *TemplateService) GetTemplate(ctx context.Context, id string) (*repository.WorkflowTemplate, []*repository.WorkflowStageTemplate, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	stages, err := s.store.StagesForTemplate(ctx, id, s.archivedThreshold)
	if err != nil {
		return nil, nil, err
	}
	return t, stages, nil
}

// ListTemplates returns templates, optionally active only.
func (s *TemplateService) ListTemplates(ctx context.Context, activeOnly bool) ([]*repository.WorkflowTemplate, error) {
	return s.store.ListTemplates(ctx, activeOnly)
}

// UpdateTemplate persists mutable template fields.
func (s *TemplateService) UpdateTemplate(ctx context.Context, t *repository.WorkflowTemplate) error {
	return s.store.UpdateTemplate(ctx, t)
}

// DeleteTemplate removes a template. Deletion is forbidden while any
// instance, live or historical, references it.
func (s *TemplateService) DeleteTemplate(ctx context.Context, id string) error {
	referenced, err := s.store.TemplateReferenced(ctx, id)
	if err != nil {
		return err
	}
	if referenced {
		return errors.NewWithReason(errors.ErrCodeConflict, errors.ReasonStateConflict,
			"template has workflow instances and cannot be deleted")
	}
	return s.store.DeleteTemplate(ctx, id)
}

// CreateStage validates and inserts a stage template.
func (s *TemplateService) CreateStage(ctx context.Context, req *CreateStageRequest) (*repository.WorkflowStageTemplate, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid stage")
	}
	if err := validateQuorum(req.DecisionPolicy, req.QuorumCount); err != nil {
		return nil, err
	}
	if req.OrderIndex >= s.archivedThreshold {
		return nil, errors.InvalidInput("order_index", "order index falls in the archived range")
	}

	stage := &repository.WorkflowStageTemplate{
		TemplateID:        req.TemplateID,
		OrderIndex:        req.OrderIndex,
		Name:              req.Name,
		DecisionPolicy:    req.DecisionPolicy,
		QuorumCount:       req.QuorumCount,
		AllowReject:       req.AllowReject,
		AllowDelegate:     req.AllowDelegate,
		SLAHours:          req.SLAHours,
		RequiredRoleID:    req.RequiredRoleID,
		RequiredUserLevel: req.RequiredUserLevel,
	}
	if err := s.store.CreateStage(ctx, stage); err != nil {
		return nil, err
	}
	return stage, nil
}

// UpdateStage persists stage template changes. Live stage instances keep
// their activation-time snapshot and are unaffected.
func (s *TemplateService) UpdateStage(ctx context.Context, stage *repository.WorkflowStageTemplate) error {
	if err := validateQuorum(stage.DecisionPolicy, stage.QuorumCount); err != nil {
		return err
	}
	return s.store.UpdateStage(ctx, stage)
}

// DeleteStage removes a stage template. A stage with stage instances is
// archived instead: its order index is relocated past the archived
// threshold, freeing the original slot while keeping the row for audit.
func (s *TemplateService) DeleteStage(ctx context.Context, id string) error {
	stage, err := s.store.GetStage(ctx, id)
	if err != nil {
		return err
	}

	hasInstances, err := s.store.StageHasInstances(ctx, id)
	if err != nil {
		return err
	}
	if !hasInstances {
		return s.store.DeleteStage(ctx, id)
	}

	if stage.OrderIndex >= s.archivedThreshold {
		// Already archived.
		return nil
	}
	newOrder := s.archivedThreshold + stage.OrderIndex
	if err := s.store.RelocateStageOrder(ctx, id, newOrder); err != nil {
		return err
	}

	s.log.Info().Str("stage_template_id", id).Int("archived_order", newOrder).
		Msg("Stage template archived instead of deleted (live instances exist)")
	return nil
}

func validateQuorum(policy repository.DecisionPolicy, quorum *int) error {
	if policy == repository.PolicyQuorum {
		if quorum == nil || *quorum < 1 {
			return errors.New(errors.ErrCodeConfiguration, "quorum policy requires a positive quorum count")
		}
	} else if quorum != nil {
		return errors.InvalidInput("quorum_count", "only valid with the quorum policy")
	}
	return nil
}
