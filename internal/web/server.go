package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/noahxzhu/local-notify/internal/model"
	"github.com/noahxzhu/local-notify/internal/prompt"
	"github.com/noahxzhu/local-notify/internal/scheduler"
)

//go:embed templates/*
var templateFS embed.FS

// Host is what the pages need from the notification host.
type Host interface {
	Status(ctx context.Context) (model.PermissionState, error)
	SetPermission(ctx context.Context, state model.PermissionState) error
	Notifications(ctx context.Context) ([]*model.Notification, error)
	Badge() int
}

// Prompts exposes open permission dialogs. Nil when prompts are answered
// automatically.
type Prompts interface {
	Pending() []prompt.Request
	Answer(id string, state model.PermissionState) error
}

type Server struct {
	host    Host
	prompts Prompts
	screens *Screens
	router  *http.ServeMux
	log     zerolog.Logger
}

func NewServer(host Host, prompts Prompts, screens *Screens, log zerolog.Logger) *Server {
	s := &Server{
		host:    host,
		prompts: prompts,
		screens: screens,
		router:  http.NewServeMux(),
		log:     log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	// Pages
	s.router.HandleFunc("GET /{$}", s.handleHome)
	s.router.HandleFunc("GET /notification", s.handleNotificationScreen)

	// Screen API
	s.router.HandleFunc("GET /api/screens/{id}", s.handleScreenStatus)
	s.router.HandleFunc("POST /api/screens/{id}/trigger", s.handleTrigger)
	s.router.HandleFunc("POST /api/screens/{id}/permission", s.handleScreenPermission)
	s.router.HandleFunc("DELETE /api/screens/{id}", s.handleUnmount)

	// Host API
	s.router.HandleFunc("GET /api/prompts", s.handlePrompts)
	s.router.HandleFunc("POST /api/prompts/{id}", s.handleAnswerPrompt)
	s.router.HandleFunc("GET /api/permission", s.handleGetPermission)
	s.router.HandleFunc("PUT /api/permission", s.handleSetPermission)
	s.router.HandleFunc("GET /api/notifications", s.handleNotifications)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Views

type screenView struct {
	ID string `json:"id"`
	scheduler.Snapshot
	Label    string          `json:"label"`
	Disabled bool            `json:"disabled"`
	Prompt   *prompt.Request `json:"prompt,omitempty"`
}

func (s *Server) viewOf(sc *screen) screenView {
	snap := sc.sched.Snapshot()
	v := screenView{
		ID:       sc.id,
		Snapshot: snap,
		Label:    buttonLabel(snap),
		Disabled: snap.Busy,
	}
	if s.prompts != nil {
		if pending := s.prompts.Pending(); len(pending) > 0 {
			p := pending[0]
			v.Prompt = &p
		}
	}
	return v
}

func buttonLabel(snap scheduler.Snapshot) string {
	switch snap.Variant {
	case scheduler.VariantCountdown:
		if snap.Status == model.StatusPending {
			return fmt.Sprintf("Notifying in %ds...", snap.Remaining)
		}
		if snap.Status == model.StatusFired {
			return "✓ Sent"
		}
		return "Notify Me in 3 Seconds"
	default:
		switch snap.Status {
		case model.StatusPending:
			return "✓ Scheduled (3s)"
		case model.StatusFired:
			return "✓ Delivered"
		}
		return "Schedule Notification"
	}
}

// Handlers

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.renderTemplate(w, "home.html", nil)
}

func (s *Server) handleNotificationScreen(w http.ResponseWriter, r *http.Request) {
	sc := s.screens.mount()
	s.renderTemplate(w, "notification.html", s.viewOf(sc))
}

func (s *Server) screenFor(w http.ResponseWriter, r *http.Request) (*screen, bool) {
	sc, ok := s.screens.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "screen not found")
		return nil, false
	}
	return sc, true
}

func (s *Server) handleScreenStatus(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.screenFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(sc))
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.screenFor(w, r)
	if !ok {
		return
	}

	err := sc.sched.Trigger(sc.ctx)
	status := http.StatusOK
	var schedErr *scheduler.SchedulingError
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, scheduler.ErrClosed):
		status = http.StatusGone
	case errors.As(err, &schedErr):
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}
	if err != nil {
		s.log.Debug().Err(err).Str("screen", sc.id).Int("status", status).Msg("trigger refused")
	}
	writeJSON(w, status, s.viewOf(sc))
}

func (s *Server) handleScreenPermission(w http.ResponseWriter, r *http.Request) {
	sc, ok := s.screenFor(w, r)
	if !ok {
		return
	}
	go func() {
		if _, err := sc.sched.RequestPermission(sc.ctx); err != nil && sc.ctx.Err() == nil {
			s.log.Warn().Err(err).Str("screen", sc.id).Msg("permission request failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, s.viewOf(sc))
}

func (s *Server) handleUnmount(w http.ResponseWriter, r *http.Request) {
	if !s.screens.unmount(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "screen not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	pending := []prompt.Request{}
	if s.prompts != nil {
		pending = s.prompts.Pending()
	}
	writeJSON(w, http.StatusOK, pending)
}

type permissionBody struct {
	Permission model.PermissionState `json:"permission"`
}

func decodePermission(r *http.Request) (model.PermissionState, error) {
	if v := r.FormValue("permission"); v != "" {
		return model.ParsePermission(v)
	}
	var body permissionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid body: %w", err)
	}
	return model.ParsePermission(string(body.Permission))
}

func (s *Server) handleAnswerPrompt(w http.ResponseWriter, r *http.Request) {
	if s.prompts == nil {
		writeError(w, http.StatusNotFound, "prompts are answered automatically")
		return
	}
	state, err := decodePermission(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.prompts.Answer(r.PathValue("id"), state); err != nil {
		switch {
		case errors.Is(err, prompt.ErrUnknownPrompt):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	state, err := s.host.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read permission")
		return
	}
	writeJSON(w, http.StatusOK, permissionBody{Permission: state})
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	state, err := decodePermission(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.host.SetPermission(r.Context(), state); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save permission")
		return
	}
	writeJSON(w, http.StatusOK, permissionBody{Permission: state})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notifs, err := s.host.Notifications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"badge":         s.host.Badge(),
		"notifications": notifs,
	})
}

func (s *Server) renderTemplate(w http.ResponseWriter, tmplName string, data interface{}) {
	tmpl, err := template.ParseFS(templateFS, "templates/"+tmplName)
	if err != nil {
		http.Error(w, fmt.Sprintf("Template error: %v", err), 500)
		return
	}
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("Execute error: %v", err), 500)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
