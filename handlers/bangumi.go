package handlers

import (
	"net/http"
)

// BangumiAuthState reports whether a Bangumi OAuth grant is stored.
func (h *Handler) BangumiAuthState(w http.ResponseWriter, r *http.Request) {
	state, err := h.metadata.Bangumi().AuthState(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// BangumiAuthorizeURL issues a state nonce and returns the bgm.tv
// consent URL the UI should open.
func (h *Handler) BangumiAuthorizeURL(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.metadata.Bangumi().AuthorizeURL(r.Context(), callbackURL(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// BangumiCallback completes the OAuth round-trip after bgm.tv redirects
// the browser back.
func (h *Handler) BangumiCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "code and state are required")
		return
	}
	if err := h.metadata.Bangumi().ExchangeCode(r.Context(), code, state, callbackURL(r)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "authorized"})
}

// BangumiRevoke drops the stored grant.
func (h *Handler) BangumiRevoke(w http.ResponseWriter, r *http.Request) {
	if err := h.metadata.Bangumi().RevokeAuth(r.Context()); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "revoked"})
}

// callbackURL rebuilds the externally visible callback address from the
// incoming request, honoring a reverse proxy's forwarded scheme.
func callbackURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/api/ui/bangumi/callback"
}
