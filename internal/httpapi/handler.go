package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/models"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/queue"
	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/store"
)

// QueueService is the engine surface the HTTP layer depends on.
type QueueService interface {
	IssueToken(ctx context.Context, input queue.IssueTokenInput) (models.Token, error)
	CallNext(ctx context.Context, departmentID, doctorID string) (models.Token, error)
	Complete(ctx context.Context, tokenID string) (models.Token, error)
	Skip(ctx context.Context, tokenID string) (models.Token, error)
	Reset(ctx context.Context, departmentID string) (int64, error)
	Status(ctx context.Context, departmentID string) (queue.Snapshot, error)
	TokensForPatient(ctx context.Context, patientID string) ([]models.Token, error)
	GetToken(ctx context.Context, tokenID string) (models.Token, error)
	History(ctx context.Context, departmentID string, limit, offset int) (store.HistoryPage, error)
	TokenEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error)
}

type Handler struct {
	queue     QueueService
	directory store.DirectoryStore
}

func NewHandler(queueService QueueService, directory store.DirectoryStore) *Handler {
	return &Handler{
		queue:     queueService,
		directory: directory,
	}
}

type issueTokenRequest struct {
	PatientID    string `json:"patient_id"`
	DepartmentID string `json:"department_id"`
	DoctorID     string `json:"doctor_id"`
}

type callNextRequest struct {
	DoctorID string `json:"doctor_id"`
}

type createDepartmentRequest struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// conflictResponse carries the already existing token alongside the error
// so a client can resume tracking it instead of retrying the booking.
type conflictResponse struct {
	Error responseError `json:"error"`
	Token models.Token  `json:"token"`
}

type callNextResponse struct {
	Serving *models.Token `json:"serving"`
}

type resetResponse struct {
	Cancelled int64 `json:"cancelled"`
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue/tokens", h.handleIssueToken)
	mux.HandleFunc("/api/queue/tokens/", h.handleTokenActions)
	mux.HandleFunc("/api/queue/my-tokens", h.handleMyTokens)
	mux.HandleFunc("/api/queue/status/", h.handleStatus)
	mux.HandleFunc("/api/queue/departments/", h.handleDepartmentActions)
	mux.HandleFunc("/api/departments", h.handleDepartments)
	mux.HandleFunc("/api/departments/", h.handleDepartment)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}

	var req issueTokenRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.PatientID = strings.TrimSpace(req.PatientID)
	req.DepartmentID = strings.TrimSpace(req.DepartmentID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)

	// Patients book for themselves. Staff may book on a patient's behalf.
	if principal.Role == models.RolePatient {
		req.PatientID = principal.ID
	}
	if req.PatientID == "" || req.DepartmentID == "" || req.DoctorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_id, department_id, and doctor_id are required")
		return
	}

	token, err := h.queue.IssueToken(r.Context(), queue.IssueTokenInput{
		PatientID:    req.PatientID,
		DepartmentID: req.DepartmentID,
		DoctorID:     req.DoctorID,
	})
	if errors.Is(err, store.ErrDuplicateActive) {
		writeJSON(w, http.StatusConflict, conflictResponse{
			Error: responseError{
				Code:    "duplicate_active",
				Message: "an active token already exists for this doctor today",
			},
			Token: token,
		})
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (h *Handler) handleMyTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}
	tokens, err := h.queue.TokensForPatient(r.Context(), principal.ID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	departmentID := strings.TrimPrefix(r.URL.Path, "/api/queue/status/")
	if departmentID == "" || strings.Contains(departmentID, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "department id is required")
		return
	}
	snapshot, err := h.queue.Status(r.Context(), departmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleTokenActions routes /api/queue/tokens/{id}[/action].
func (h *Handler) handleTokenActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/tokens/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token id is required")
		return
	}
	tokenID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		token, err := h.queue.GetToken(r.Context(), tokenID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, token)
		return
	}

	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch parts[1] {
	case "complete":
		h.handleTokenTransition(w, r, tokenID, h.queue.Complete)
	case "skip":
		h.handleTokenTransition(w, r, tokenID, h.queue.Skip)
	case "events":
		h.handleTokenEvents(w, r, tokenID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleTokenTransition(w http.ResponseWriter, r *http.Request, tokenID string, action func(context.Context, string) (models.Token, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireRole(w, r, models.RoleStaff, models.RoleAdmin) {
		return
	}
	token, err := action(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenEvents(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	events, err := h.queue.TokenEvents(r.Context(), tokenID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if events == nil {
		events = []store.TokenEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleDepartmentActions routes /api/queue/departments/{id}/{action}.
func (h *Handler) handleDepartmentActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/departments/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	departmentID := parts[0]

	switch parts[1] {
	case "call-next":
		h.handleCallNext(w, r, departmentID)
	case "reset":
		h.handleReset(w, r, departmentID)
	case "history":
		h.handleHistory(w, r, departmentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, departmentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return
	}
	if principal.Role != models.RoleStaff && principal.Role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "staff role required")
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	doctorID := strings.TrimSpace(req.DoctorID)
	if doctorID == "" && principal.Role == models.RoleStaff {
		doctorID = principal.ID
	}
	if doctorID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor_id is required")
		return
	}

	token, err := h.queue.CallNext(r.Context(), departmentID, doctorID)
	if errors.Is(err, store.ErrQueueEmpty) {
		writeJSON(w, http.StatusOK, callNextResponse{Serving: nil})
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, callNextResponse{Serving: &token})
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request, departmentID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	cancelled, err := h.queue.Reset(r.Context(), departmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Cancelled: cancelled})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, departmentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !requireRole(w, r, models.RoleStaff, models.RoleAdmin) {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	page, err := h.queue.History(r.Context(), departmentID, limit, offset)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if page.Tokens == nil {
		page.Tokens = []models.Token{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleDepartments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activeOnly := r.URL.Query().Get("active") == "true"
		departments, err := h.directory.ListDepartments(r.Context(), activeOnly)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		if departments == nil {
			departments = []models.Department{}
		}
		writeJSON(w, http.StatusOK, departments)
	case http.MethodPost:
		if !requireRole(w, r, models.RoleAdmin) {
			return
		}
		var req createDepartmentRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return
		}
		req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
		req.Name = strings.TrimSpace(req.Name)
		if req.Code == "" || req.Name == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "code and name are required")
			return
		}
		dept, err := h.directory.CreateDepartment(r.Context(), store.CreateDepartmentInput{
			Code:        req.Code,
			Name:        req.Name,
			Description: strings.TrimSpace(req.Description),
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusCreated, dept)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleDepartment(w http.ResponseWriter, r *http.Request) {
	departmentID := strings.TrimPrefix(r.URL.Path, "/api/departments/")
	if departmentID == "" || strings.Contains(departmentID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		dept, err := h.directory.GetDepartment(r.Context(), departmentID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, dept)
	case http.MethodDelete:
		if !requireRole(w, r, models.RoleAdmin) {
			return
		}
		if err := h.directory.DeactivateDepartment(r.Context(), departmentID); err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func requireRole(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing credentials")
		return false
	}
	for _, role := range roles {
		if principal.Role == role {
			return true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
	return false
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrDepartmentNotFound):
		return http.StatusNotFound, "department_not_found", "department not found"
	case errors.Is(err, store.ErrDepartmentInactive):
		return http.StatusConflict, "department_inactive", "department is not accepting tokens"
	case errors.Is(err, store.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found", "user not found"
	case errors.Is(err, store.ErrDoctorUnavailable):
		return http.StatusConflict, "doctor_unavailable", "doctor is not available today"
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, "token_not_found", "token not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "token state does not allow this action"
	case errors.Is(err, store.ErrStaleState):
		return http.StatusConflict, "stale_state", "token changed concurrently, retry"
	case errors.Is(err, store.ErrCodeTaken):
		return http.StatusConflict, "code_taken", "department code already in use"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
