package httpapi

import (
	"net/http"

	"qazna.org/warden/internal/auth"
)

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	resp, err := a.engine.Register(r.Context(), req, requestMeta(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/accounts/"+resp.ID)
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	pair, err := a.engine.Login(r.Context(), req, requestMeta(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req auth.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	pair, err := a.engine.Refresh(r.Context(), req.RefreshToken, requestMeta(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req auth.LogoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.engine.Logout(r.Context(), req.RefreshToken, requestMeta(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	setup, err := a.engine.SetupTwoFactor(r.Context(), subject(r), requestMeta(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, setup)
}

func (a *API) handleTwoFactorVerify(w http.ResponseWriter, r *http.Request) {
	var req auth.TwoFactorVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.engine.VerifyTwoFactor(r.Context(), subject(r), req.Code, req.BackupCode, requestMeta(r)); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	var req auth.TwoFactorDisableRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	err := a.engine.DisableTwoFactor(r.Context(), subject(r), req.Password, req.Code, req.BackupCode, requestMeta(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBackupCodes(w http.ResponseWriter, r *http.Request) {
	var req auth.BackupCodesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	codes, err := a.engine.RegenerateBackupCodes(r.Context(), subject(r), req.Password, requestMeta(r))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, auth.BackupCodesResponse{BackupCodes: codes})
}
