// Package web serves the stand manager HTTP interface: the status pages,
// per-stand actions, mass actions and the JSON API used by standctl.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"standgroup/internal/engine"
	"standgroup/pkg/api"
)

// Engine is the part of the stand engine the handlers need.
type Engine interface {
	Statuses(ctx context.Context) ([]engine.StandStatus, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Log(ctx context.Context, name, tail string) (string, error)
	BackupAll(ctx context.Context) error
	UpdateAll(ctx context.Context) error
	BackupAndUpdate(ctx context.Context) error
	QueuesStatus() map[string][]string
	Busy() bool
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	engine     Engine
	domainName string
	log        *slog.Logger
}

// NewHandlers creates a Handlers instance.
func NewHandlers(e Engine, domainName string, log *slog.Logger) *Handlers {
	return &Handlers{engine: e, domainName: domainName, log: log}
}

// standView is the per-row view model of the main page.
type standView struct {
	Name            string
	Running         bool
	ContainerStatus string
	TomcatStatus    string
	UniVersion      string
	ActiveTask      string
	LastTask        string
	LastError       string
	TestToolsPort   string
	UniPort         string
}

// tomcatStatus renders the tomcat state from the stand's exit code.
//
//	143 - terminated by SIGTERM, the normal shutdown
//	137 - killed, e.g. docker lost power
//	-15 - negative N means terminated by signal N (POSIX)
func tomcatStatus(st engine.StandStatus) string {
	switch {
	case !st.Running:
		return "-"
	case st.TomcatCode == nil:
		return "running"
	case *st.TomcatCode == 0, *st.TomcatCode == 143, *st.TomcatCode == -15:
		return "stopped (clean)"
	case *st.TomcatCode == 137:
		return "stopped (killed)"
	default:
		return fmt.Sprintf("error (returncode %d)", *st.TomcatCode)
	}
}

func containerStatus(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

// dash maps the stopped-stand placeholder to an empty view value.
func dash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// MainPage handles GET /: the stand table.
func (h *Handlers) MainPage(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.engine.Statuses(r.Context())
	if err != nil {
		h.textError(w, err.Error(), http.StatusBadRequest)
		return
	}

	views := make([]standView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, standView{
			Name:            st.Name,
			Running:         st.Running,
			ContainerStatus: containerStatus(st.Running),
			TomcatStatus:    tomcatStatus(st),
			UniVersion:      dash(st.UniVersion),
			ActiveTask:      dash(st.ActiveTask),
			LastTask:        dash(st.LastTask),
			LastError:       dash(st.LastError),
			TestToolsPort:   st.TestToolsPort,
			UniPort:         st.UniPort,
		})
	}

	h.renderPage(w, "main_page.html", map[string]any{
		"Stands":     views,
		"DomainName": h.domainName,
	})
}

// StandAction handles GET /s/{name} and GET /s/{name}/{action}:
// start, stop and log for a single stand.
func (h *Handlers) StandAction(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")

	switch action {
	case "start":
		if err := h.engine.Start(r.Context(), name); err != nil {
			h.textError(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "Done")

	case "stop":
		if err := h.engine.Stop(r.Context(), name); err != nil {
			h.textError(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "Done")

	case "log":
		tail := r.URL.Query().Get("tail")
		out, err := h.engine.Log(r.Context(), name, tail)
		if err != nil {
			h.textError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.renderPage(w, "log.html", map[string]any{
			"Name":    name,
			"Content": out,
		})

	default:
		h.textError(w, "invalid action", http.StatusNotFound)
	}
}

// AdminPage handles GET /admin/: the mass action links.
func (h *Handlers) AdminPage(w http.ResponseWriter, r *http.Request) {
	h.renderPage(w, "admin_page.html", nil)
}

// MassAction handles GET /{action}: update_all, backup_all,
// backup_and_update and queues_status.
func (h *Handlers) MassAction(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")

	switch action {
	case "update_all", "backup_all", "backup_and_update":
		if h.engine.Busy() {
			fmt.Fprint(w, "Busy with another mass task")
			return
		}
		var err error
		switch action {
		case "update_all":
			err = h.engine.UpdateAll(r.Context())
		case "backup_all":
			err = h.engine.BackupAll(r.Context())
		case "backup_and_update":
			err = h.engine.BackupAndUpdate(r.Context())
		}
		if err != nil {
			h.textError(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "Done")

	case "queues_status":
		h.respondJSON(w, http.StatusOK, api.QueuesStatus(h.engine.QueuesStatus()))

	default:
		h.textError(w, "invalid action", http.StatusNotFound)
	}
}

// APIStands handles GET /api/stands: the JSON stand list.
func (h *Handlers) APIStands(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.engine.Statuses(r.Context())
	if err != nil {
		h.textError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := api.StandsResponse{Stands: make([]api.Stand, 0, len(statuses))}
	for _, st := range statuses {
		resp.Stands = append(resp.Stands, api.Stand{
			Name:          st.Name,
			Running:       st.Running,
			TomcatStatus:  tomcatStatus(st),
			TomcatCode:    st.TomcatCode,
			DBAddr:        dash(st.DBAddr),
			TestToolsPort: st.TestToolsPort,
			UniPort:       st.UniPort,
			UniVersion:    dash(st.UniVersion),
			ActiveTask:    dash(st.ActiveTask),
			LastTask:      dash(st.LastTask),
			LastError:     dash(st.LastError),
		})
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// Healthz is a liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe: the service is ready when the docker daemon
// answers.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.textError(w, "docker daemon unavailable", http.StatusServiceUnavailable)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pageTemplates.ExecuteTemplate(w, name, data); err != nil {
		h.log.Error("render template failed", "template", name, "err", err)
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handlers) textError(w http.ResponseWriter, message string, code int) {
	http.Error(w, message, code)
}
