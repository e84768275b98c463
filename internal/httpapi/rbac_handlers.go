package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qazna.org/warden/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type setRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type roleResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type permissionResponse struct {
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
}

type eventResponse struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func toRoleResponse(r auth.Role) roleResponse {
	return roleResponse{ID: r.ID, Name: r.Name, Description: r.Description, CreatedAt: r.CreatedAt}
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req auth.AuthorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		accountID = subject(r)
	}
	decision := a.engine.Authorize(r.Context(), accountID, strings.TrimSpace(req.Permission))
	writeJSON(w, http.StatusOK, auth.AuthorizeResponse{Allowed: decision.Allowed()})
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.engine.Catalog().ListPermissions(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{Key: p.Key, Description: p.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.engine.Catalog().ListRoles(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]roleResponse, 0, len(roles))
	for _, role := range roles {
		out = append(out, toRoleResponse(role))
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	role, err := a.engine.Catalog().CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, toRoleResponse(*role))
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req setRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.engine.Catalog().SetRolePermissions(r.Context(), r.PathValue("id"), req.Permissions, requestMeta(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	roleID := strings.TrimSpace(req.RoleID)
	if roleID == "" {
		badRequest(w, r, errors.New("role_id is required"))
		return
	}
	accountID := r.PathValue("id")
	if err := a.engine.Catalog().AssignRole(r.Context(), accountID, roleID, requestMeta(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"account_id": accountID, "role_id": roleID})
}

func (a *API) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Catalog().RevokeRole(r.Context(), r.PathValue("id"), r.PathValue("role"), requestMeta(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		badRequest(w, r, err)
		return
	}
	events, err := a.engine.SecurityEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			ID:         ev.ID,
			Type:       ev.Type,
			Detail:     ev.Detail,
			IP:         ev.IP,
			UserAgent:  ev.UserAgent,
			OccurredAt: ev.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}
