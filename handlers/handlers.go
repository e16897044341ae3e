// Package handlers implements the HTTP surface: the dandanplay-compatible
// API, the admin/UI API and the webhook endpoint.
package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/services/library"
	"github.com/l429609201/danmu-api-server/services/metadata"
	"github.com/l429609201/danmu-api-server/services/scheduler"
	"github.com/l429609201/danmu-api-server/services/scraper"
	"github.com/l429609201/danmu-api-server/services/search"
	"github.com/l429609201/danmu-api-server/services/task"
)

// Handler bundles every service the HTTP layer fronts.
type Handler struct {
	db        *database.DB
	search    *search.Service
	library   *library.Service
	tasks     *task.Manager
	scheduler *scheduler.Service
	metadata  *metadata.Manager
	registry  *scraper.Registry
}

// New wires the handler set.
func New(db *database.DB, searchSvc *search.Service, lib *library.Service, tasks *task.Manager, sched *scheduler.Service, meta *metadata.Manager, registry *scraper.Registry) *Handler {
	return &Handler{
		db:        db,
		search:    searchSvc,
		library:   lib,
		tasks:     tasks,
		scheduler: sched,
		metadata:  meta,
		registry:  registry,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[http] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// serviceError maps the service sentinels onto HTTP statuses.
func serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[http] internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

// clientIP strips the port and honors X-Forwarded-For from a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
