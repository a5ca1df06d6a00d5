package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pesio-ai/be-budget-transfers/internal/platform/errors"
	"github.com/pesio-ai/be-budget-transfers/internal/platform/logger"
	"github.com/pesio-ai/be-budget-transfers/internal/repository"
	"github.com/pesio-ai/be-budget-transfers/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine     *service.ApprovalEngine
	visibility *service.VisibilityService
	templates  *service.TemplateService
	routing    *service.RoutingService
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	engine *service.ApprovalEngine,
	visibility *service.VisibilityService,
	templates *service.TemplateService,
	routing *service.RoutingService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		engine:     engine,
		visibility: visibility,
		templates:  templates,
		routing:    routing,
		log:        log,
	}
}

// Register binds every route on the mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/workflows/start", h.StartWorkflow)
	mux.HandleFunc("/api/v1/workflows/action", h.ProcessAction)
	mux.HandleFunc("/api/v1/workflows/cancel", h.CancelWorkflow)
	mux.HandleFunc("/api/v1/workflows/restart", h.RestartWorkflow)
	mux.HandleFunc("/api/v1/workflows/status", h.GetStatus)
	mux.HandleFunc("/api/v1/workflows/actions", h.ActionHistory)
	mux.HandleFunc("/api/v1/transfers/pending", h.ListPending)
	mux.HandleFunc("/api/v1/transfers/history", h.ListHistory)
	mux.HandleFunc("/api/v1/transfers/hold-summary", h.HoldSummary)
	mux.HandleFunc("/api/v1/admin/templates", h.Templates)
	mux.HandleFunc("/api/v1/admin/templates/stages", h.Stages)
	mux.HandleFunc("/api/v1/admin/assignments", h.Assignments)
}

// ── Workflow operations ───────────────────────────────────────────────────────

// StartWorkflow handles start workflow HTTP requests
func (h *HTTPHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TransferID string `json:"transfer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransferID == "" {
		http.Error(w, "Transfer ID is required", http.StatusBadRequest)
		return
	}

	instance, err := h.engine.StartWorkflow(r.Context(), req.TransferID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, instance)
}

// ProcessAction handles approval action HTTP requests
func (h *HTTPHandler) ProcessAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TransferID       string `json:"transfer_id"`
		UserID           string `json:"user_id"`
		Action           string `json:"action"`
		Comment          string `json:"comment"`
		DelegateToUserID string `json:"delegate_to_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransferID == "" || req.UserID == "" || req.Action == "" {
		http.Error(w, "Transfer ID, User ID and Action are required", http.StatusBadRequest)
		return
	}

	instance, err := h.engine.ProcessAction(r.Context(), &service.ActionRequest{
		TransferID:       req.TransferID,
		UserID:           req.UserID,
		Action:           repository.ActionKind(req.Action),
		Comment:          req.Comment,
		DelegateToUserID: req.DelegateToUserID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, instance)
}

// CancelWorkflow handles cancel workflow HTTP requests
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TransferID string `json:"transfer_id"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransferID == "" {
		http.Error(w, "Transfer ID is required", http.StatusBadRequest)
		return
	}

	instance, err := h.engine.CancelWorkflow(r.Context(), req.TransferID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, instance)
}

// RestartWorkflow handles restart workflow HTTP requests
func (h *HTTPHandler) RestartWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TransferID string `json:"transfer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TransferID == "" {
		http.Error(w, "Transfer ID is required", http.StatusBadRequest)
		return
	}

	instance, err := h.engine.RestartWorkflow(r.Context(), req.TransferID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, instance)
}

// GetStatus handles workflow status HTTP requests
func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	transferID := r.URL.Query().Get("transfer_id")
	if transferID == "" {
		http.Error(w, "Transfer ID is required", http.StatusBadRequest)
		return
	}

	views, err := h.engine.GetStatus(r.Context(), transferID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": views})
}

// ActionHistory handles action log HTTP requests
func (h *HTTPHandler) ActionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	transferID := r.URL.Query().Get("transfer_id")
	if transferID == "" {
		http.Error(w, "Transfer ID is required", http.StatusBadRequest)
		return
	}

	actions, err := h.engine.ActionHistory(r.Context(), transferID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

// ── Visibility ────────────────────────────────────────────────────────────────

// ListPending handles pending approvals HTTP requests
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	result, err := h.visibility.ListPending(r.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ListHistory handles approval history HTTP requests
func (h *HTTPHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	result, err := h.visibility.ListHistory(r.Context(), userID, page, pageSize)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HoldSummary handles hold accounting HTTP requests
func (h *HTTPHandler) HoldSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	transferID := r.URL.Query().Get("transfer_id")
	if transferID == "" {
		http.Error(w, "Transfer ID is required", http.StatusBadRequest)
		return
	}

	summary, err := h.engine.HoldSummary(r.Context(), transferID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// ── Administration ────────────────────────────────────────────────────────────

// Templates handles workflow template administration HTTP requests
func (h *HTTPHandler) Templates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req service.CreateTemplateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		t, err := h.templates.CreateTemplate(r.Context(), &req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, t)

	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			t, stages, err := h.templates.GetTemplate(r.Context(), id)
			if err != nil {
				h.writeError(w, r, err)
				return
			}
			h.writeJSON(w, http.StatusOK, map[string]interface{}{"template": t, "stages": stages})
			return
		}
		activeOnly := r.URL.Query().Get("active") == "true"
		list, err := h.templates.ListTemplates(r.Context(), activeOnly)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": list})

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Template ID is required", http.StatusBadRequest)
			return
		}
		if err := h.templates.DeleteTemplate(r.Context(), id); err != nil {
			h.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Stages handles stage template administration HTTP requests
func (h *HTTPHandler) Stages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req service.CreateStageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		stage, err := h.templates.CreateStage(r.Context(), &req)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, stage)

	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "Stage ID is required", http.StatusBadRequest)
			return
		}
		if err := h.templates.DeleteStage(r.Context(), id); err != nil {
			h.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Assignments handles group-to-template assignment administration HTTP requests
func (h *HTTPHandler) Assignments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		groupID := r.URL.Query().Get("security_group_id")
		if groupID == "" {
			http.Error(w, "Security Group ID is required", http.StatusBadRequest)
			return
		}
		list, err := h.routing.AssignmentsForGroup(r.Context(), groupID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"assignments": list})

	case http.MethodPut:
		var req struct {
			SecurityGroupID string                                    `json:"security_group_id"`
			Assignments     []*repository.WorkflowTemplateAssignment `json:"assignments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if req.SecurityGroupID == "" {
			http.Error(w, "Security Group ID is required", http.StatusBadRequest)
			return
		}
		if err := h.routing.ReplaceAssignments(r.Context(), req.SecurityGroupID, req.Assignments); err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "replaced"})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ── Response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps coded errors onto HTTP statuses. The reason tag rides in
// the body so clients can branch without parsing messages.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		status = http.StatusForbidden
	case errors.ErrCodeNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeConflict:
		status = http.StatusConflict
	case errors.ErrCodePolicy:
		status = http.StatusUnprocessableEntity
	case errors.ErrCodeConfiguration:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":  err.Error(),
		"code":   string(errors.CodeOf(err)),
		"reason": errors.ReasonOf(err),
	})
}
