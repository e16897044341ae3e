package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sethvargo/go-password/password"

	"github.com/l429609201/danmu-api-server/models"
)

const tokenLength = 20

// ListScrapers is GET /api/ui/scrapers.
func (h *Handler) ListScrapers(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.ScraperSettings(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	if settings == nil {
		settings = []models.ScraperSetting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scrapers": settings})
}

// UpdateScrapers is PUT /api/ui/scrapers: rewrites enabled flags,
// ordering and proxy use, then rebuilds the instances.
func (h *Handler) UpdateScrapers(w http.ResponseWriter, r *http.Request) {
	var settings []models.ScraperSetting
	if !decodeBody(w, r, &settings) {
		return
	}
	if err := h.db.UpdateScraperSettings(r.Context(), settings); err != nil {
		serviceError(w, err)
		return
	}
	if err := h.registry.Reload(r.Context()); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ScraperConfig is GET /api/ui/scrapers/{provider}/config: the
// provider's configurable fields with their current values.
func (h *Handler) ScraperConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := mux.Vars(r)["provider"]
	sc, err := h.registry.Get(provider)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	type field struct {
		Key         string `json:"key"`
		Description string `json:"description"`
		Value       string `json:"value"`
	}
	var fields []field
	for key, desc := range sc.ConfigurableFields() {
		value, err := h.db.GetConfigValue(ctx, key, "")
		if err != nil {
			serviceError(w, err)
			return
		}
		fields = append(fields, field{Key: key, Description: desc, Value: value})
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

// UpdateScraperConfig is PUT /api/ui/scrapers/{provider}/config. Only
// keys the provider declares are accepted.
func (h *Handler) UpdateScraperConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := mux.Vars(r)["provider"]
	sc, err := h.registry.Get(provider)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	var values map[string]string
	if !decodeBody(w, r, &values) {
		return
	}
	allowed := sc.ConfigurableFields()
	for key, value := range values {
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusBadRequest, "unknown config key "+key)
			return
		}
		if err := h.db.SetConfigValue(ctx, key, value); err != nil {
			serviceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ScraperAction is POST /api/ui/scrapers/{provider}/actions/{action}.
func (h *Handler) ScraperAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sc, err := h.registry.Get(vars["provider"])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	result, err := sc.ExecuteAction(r.Context(), vars["action"], json.RawMessage(payload))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListMetadataSources is GET /api/ui/metadata-sources, with live
// connectivity status per provider.
func (h *Handler) ListMetadataSources(w http.ResponseWriter, r *http.Request) {
	settings, err := h.db.MetadataSourceSettings(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	if settings == nil {
		settings = []models.MetadataSourceSetting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": settings,
		"status":  h.metadata.ConnectivityStatus(r.Context()),
	})
}

// UpdateMetadataSources is PUT /api/ui/metadata-sources.
func (h *Handler) UpdateMetadataSources(w http.ResponseWriter, r *http.Request) {
	var settings []models.MetadataSourceSetting
	if !decodeBody(w, r, &settings) {
		return
	}
	if err := h.db.UpdateMetadataSourceSettings(r.Context(), settings); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListTokens is GET /api/ui/tokens.
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.db.ListAPITokens(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	if tokens == nil {
		tokens = []models.APIToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

// CreateToken is POST /api/ui/tokens: generates the token value
// server-side. validityDays <= 0 means the token never expires.
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		ValidityDays int    `json:"validityDays"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	value, err := password.Generate(tokenLength, 5, 0, false, true)
	if err != nil {
		serviceError(w, err)
		return
	}
	var expires *time.Time
	if req.ValidityDays > 0 {
		t := time.Now().AddDate(0, 0, req.ValidityDays)
		expires = &t
	}
	id, err := h.db.CreateAPIToken(r.Context(), req.Name, value, expires)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    id,
		"token": value,
	})
}

// SetTokenEnabled is PUT /api/ui/tokens/{id}/enabled.
func (h *Handler) SetTokenEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed token id")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.db.SetAPITokenEnabled(r.Context(), id, req.Enabled); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// DeleteToken is DELETE /api/ui/tokens/{id}.
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed token id")
		return
	}
	if err := h.db.DeleteAPIToken(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// TokenLogs is GET /api/ui/tokens/{id}/logs.
func (h *Handler) TokenLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed token id")
		return
	}
	logs, err := h.db.TokenAccessLogs(r.Context(), id, 100)
	if err != nil {
		serviceError(w, err)
		return
	}
	if logs == nil {
		logs = []models.TokenAccessLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// ListUARules is GET /api/ui/ua-rules.
func (h *Handler) ListUARules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.db.ListUARules(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	if rules == nil {
		rules = []models.UARule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// AddUARule is POST /api/ui/ua-rules.
func (h *Handler) AddUARule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UAString string `json:"uaString"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UAString == "" {
		writeError(w, http.StatusBadRequest, "uaString required")
		return
	}
	id, err := h.db.AddUARule(r.Context(), req.UAString)
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// DeleteUARule is DELETE /api/ui/ua-rules/{id}.
func (h *Handler) DeleteUARule(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed rule id")
		return
	}
	if err := h.db.DeleteUARule(r.Context(), id); err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetConfig is GET /api/ui/config: the whole runtime key/value table.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	values, err := h.db.AllConfigValues(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

// PutConfig is PUT /api/ui/config: writes the posted keys.
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if !decodeBody(w, r, &values) {
		return
	}
	for key, value := range values {
		if err := h.db.SetConfigValue(r.Context(), key, value); err != nil {
			serviceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ClearCache is POST /api/ui/cache/clear.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	n, err := h.db.ClearAllCache(r.Context())
	if err != nil {
		serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleared": n})
}
