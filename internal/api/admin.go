package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/crypto"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/integration"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/repository"
)

// Invalidator drops a cached catalog after a registry change.
type Invalidator interface {
	Invalidate()
}

type AdminConfig struct {
	Registry     *registry.Registry
	Catalog      Invalidator
	Callers      repository.CallerRepository
	Integrations integration.Store

	// RBAC is optional; without it every admin route is open. Intended
	// for local development only.
	RBAC *auth.RBACMiddleware
}

type AdminHandler struct {
	registry     *registry.Registry
	catalog      Invalidator
	callers      repository.CallerRepository
	integrations integration.Store
	rbac         *auth.RBACMiddleware
	mux          *http.ServeMux
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		registry:     cfg.Registry,
		catalog:      cfg.Catalog,
		callers:      cfg.Callers,
		integrations: cfg.Integrations,
		rbac:         cfg.RBAC,
		mux:          http.NewServeMux(),
	}

	h.handle("GET /admin/providers", auth.PermissionProviderRead, h.getProviders)
	h.handle("PUT /admin/providers", auth.PermissionProviderWrite, h.replaceProviders)

	h.handle("GET /admin/callers", auth.PermissionCallerRead, h.listCallers)
	h.handle("POST /admin/callers", auth.PermissionCallerWrite, h.createCaller)
	h.handle("GET /admin/callers/{id}", auth.PermissionCallerRead, h.getCaller)
	h.handle("PUT /admin/callers/{id}", auth.PermissionCallerWrite, h.updateCaller)
	h.handle("POST /admin/callers/{id}/rotate-key", auth.PermissionCallerWrite, h.rotateAPIKey)

	h.handle("GET /admin/integrations/{user}", auth.PermissionIntegrationRead, h.listIntegrations)
	h.handle("POST /admin/integrations/{user}", auth.PermissionIntegrationWrite, h.connectIntegration)
	h.handle("DELETE /admin/integrations/{user}/{kind}", auth.PermissionIntegrationWrite, h.disconnectIntegration)

	return h
}

func (h *AdminHandler) handle(pattern string, permission auth.Permission, fn http.HandlerFunc) {
	if h.rbac == nil {
		h.mux.HandleFunc(pattern, fn)
		return
	}
	h.mux.Handle(pattern, h.rbac.RequirePermission(permission)(fn))
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.rbac != nil {
		h.rbac.RequireAuth(h.mux).ServeHTTP(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) getProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

// replaceProviders swaps the whole provider list at once. The catalog
// cache is dropped so the next /v1/models reflects the new registry.
func (h *AdminHandler) replaceProviders(w http.ResponseWriter, r *http.Request) {
	var cfg registry.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(cfg.BaseURLs) == 0 {
		writeAdminError(w, http.StatusBadRequest, "base_urls is required")
		return
	}

	h.registry.Replace(cfg)
	if h.catalog != nil {
		h.catalog.Invalidate()
	}

	slog.Info("provider registry replaced", "providers", len(cfg.BaseURLs))

	writeJSON(w, http.StatusOK, h.registry.Snapshot())
}

func (h *AdminHandler) listCallers(w http.ResponseWriter, r *http.Request) {
	callers, err := h.callers.List(r.Context())
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list callers")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"callers": callers,
		"count":   len(callers),
	})
}

type createCallerRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Role         string `json:"role"`
	RateLimitRPM int    `json:"rate_limit_rpm"`
}

type updateCallerRequest struct {
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Role         string `json:"role,omitempty"`
	RateLimitRPM *int   `json:"rate_limit_rpm,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

func (h *AdminHandler) createCaller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeAdminError(w, http.StatusBadRequest, "name is required")
		return
	}

	role := domain.Role(req.Role)
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser && role != domain.RoleAdmin {
		writeAdminError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	apiKey := generateAPIKey()
	caller := &domain.Caller{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Email:        req.Email,
		Role:         role,
		APIKeyHash:   crypto.HashAPIKey(apiKey),
		RateLimitRPM: req.RateLimitRPM,
		Enabled:      true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if caller.RateLimitRPM == 0 {
		caller.RateLimitRPM = 60
	}

	if err := h.callers.Create(ctx, caller); err != nil {
		slog.Error("failed to create caller", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to create caller")
		return
	}

	slog.Info("caller created", "caller_id", caller.ID, "name", caller.Name)

	// The plaintext key exists only in this response.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"caller":  caller,
		"api_key": apiKey,
	})
}

func (h *AdminHandler) getCaller(w http.ResponseWriter, r *http.Request) {
	caller, err := h.callers.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	writeJSON(w, http.StatusOK, caller)
}

func (h *AdminHandler) updateCaller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := h.callers.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	var req updateCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		caller.Name = req.Name
	}
	if req.Email != "" {
		caller.Email = req.Email
	}
	if req.Role != "" {
		role := domain.Role(req.Role)
		if role != domain.RoleUser && role != domain.RoleAdmin {
			writeAdminError(w, http.StatusBadRequest, "role must be user or admin")
			return
		}
		caller.Role = role
	}
	if req.RateLimitRPM != nil {
		caller.RateLimitRPM = *req.RateLimitRPM
	}
	if req.Enabled != nil {
		caller.Enabled = *req.Enabled
	}
	caller.UpdatedAt = time.Now()

	if err := h.callers.Update(ctx, caller); err != nil {
		slog.Error("failed to update caller", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to update caller")
		return
	}

	slog.Info("caller updated", "caller_id", caller.ID)

	writeJSON(w, http.StatusOK, caller)
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := h.callers.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeAdminError(w, http.StatusNotFound, "caller not found")
		return
	}

	apiKey := generateAPIKey()
	caller.APIKeyHash = crypto.HashAPIKey(apiKey)
	caller.UpdatedAt = time.Now()

	if err := h.callers.Update(ctx, caller); err != nil {
		slog.Error("failed to rotate API key", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	slog.Info("API key rotated", "caller_id", caller.ID)

	writeJSON(w, http.StatusOK, map[string]string{
		"api_key": apiKey,
	})
}

// integrationView is the token-free projection returned to admins.
type integrationView struct {
	Kind          string    `json:"kind"`
	Active        bool      `json:"active"`
	WorkspaceName string    `json:"workspace_name,omitempty"`
	WorkspaceIcon string    `json:"workspace_icon,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (h *AdminHandler) listIntegrations(w http.ResponseWriter, r *http.Request) {
	handles, err := h.integrations.List(r.Context(), r.PathValue("user"))
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, "failed to list integrations")
		return
	}

	views := make([]integrationView, 0, len(handles))
	for _, handle := range handles {
		views = append(views, integrationView{
			Kind:          handle.Kind,
			Active:        handle.Active,
			WorkspaceName: handle.WorkspaceName,
			WorkspaceIcon: handle.WorkspaceIcon,
			CreatedAt:     handle.CreatedAt,
			UpdatedAt:     handle.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"integrations": views,
		"count":        len(views),
	})
}

type connectIntegrationRequest struct {
	Kind          string `json:"kind"`
	AccessToken   string `json:"access_token"`
	WorkspaceID   string `json:"workspace_id,omitempty"`
	WorkspaceName string `json:"workspace_name,omitempty"`
	WorkspaceIcon string `json:"workspace_icon,omitempty"`
}

func (h *AdminHandler) connectIntegration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.PathValue("user")

	var req connectIntegrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" || req.AccessToken == "" {
		writeAdminError(w, http.StatusBadRequest, "kind and access_token are required")
		return
	}

	handle := &integration.Handle{
		UserID:        userID,
		Kind:          req.Kind,
		AccessToken:   req.AccessToken,
		WorkspaceID:   req.WorkspaceID,
		WorkspaceName: req.WorkspaceName,
		WorkspaceIcon: req.WorkspaceIcon,
		Active:        true,
	}
	if err := h.integrations.Upsert(ctx, handle); err != nil {
		slog.Error("failed to connect integration", "error", err, "user_id", userID, "kind", req.Kind)
		writeAdminError(w, http.StatusInternalServerError, "failed to connect integration")
		return
	}

	slog.Info("integration connected", "user_id", userID, "kind", req.Kind)

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) disconnectIntegration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := r.PathValue("user")
	kind := r.PathValue("kind")

	if err := h.integrations.Disconnect(ctx, userID, kind); err != nil {
		writeAdminError(w, http.StatusNotFound, "integration not found")
		return
	}

	slog.Info("integration disconnected", "user_id", userID, "kind", kind)

	w.WriteHeader(http.StatusNoContent)
}

func generateAPIKey() string {
	return "mr-" + uuid.New().String()
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}
