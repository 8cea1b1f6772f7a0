// Package handlers implements the previewd HTTP surface: instance
// launch/status/stop, real-time log streaming over Server-Sent Events, and
// the request proxy into running instances.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/previewlabs/previewd/auth"
	"github.com/previewlabs/previewd/instances"
	"github.com/previewlabs/previewd/processes"
	"github.com/previewlabs/previewd/proxy"
)

// LaunchRequest is the POST /instances payload.
type LaunchRequest struct {
	Command    []string          `json:"command"`
	Env        map[string]string `json:"env,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
	TTLSeconds int               `json:"ttlSeconds,omitempty"`
}

// Handler wires the HTTP endpoints to the instance manager and proxy
// gateway.
type Handler struct {
	manager *instances.Manager
	gateway *proxy.Gateway
	authn   auth.Authenticator
	logger  *slog.Logger
}

// New creates a Handler.
func New(manager *instances.Manager, gateway *proxy.Gateway, authn auth.Authenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		gateway: gateway,
		authn:   authn,
		logger:  logger.With("component", "Handlers"),
	}
}

// Register installs the routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/instances", h.handleInstances)
	mux.HandleFunc("/instances/", h.handleInstance)
}

// subject authenticates the caller from the Authorization header.
func (h *Handler) subject(r *http.Request) (auth.Subject, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return auth.Subject{}, false
	}
	sub, err := h.authn.ValidateCaller(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		return auth.Subject{}, false
	}
	return sub, true
}

func (h *Handler) handleInstances(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.subject(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handleLaunch(w, r, sub)
	case http.MethodGet:
		owned := make([]instances.PreviewInstance, 0)
		for _, inst := range h.manager.List() {
			if inst.Owner == sub.ID {
				owned = append(owned, inst)
			}
		}
		writeJSON(w, http.StatusOK, owned)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleLaunch(w http.ResponseWriter, r *http.Request, sub auth.Subject) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Command) == 0 {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}

	files := make(map[string][]byte, len(req.Files))
	for name, contents := range req.Files {
		files[name] = []byte(contents)
	}

	inst, err := h.manager.Launch(instances.LaunchRequest{
		Owner:   sub.ID,
		Command: req.Command,
		Env:     req.Env,
		Files:   files,
		TTL:     time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.logger.Error("Launch failed", "owner", sub.ID, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, processes.ErrPortsExhausted) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}

	writeJSON(w, http.StatusCreated, inst)
}

// handleInstance routes /instances/{id}, /instances/{id}/stop,
// /instances/{id}/logs and /instances/{id}/proxy/...
func (h *Handler) handleInstance(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/instances/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.Error(w, "Missing instance ID", http.StatusBadRequest)
		return
	}
	rest := ""
	if len(parts) > 1 {
		rest = parts[1]
	}

	// The proxy endpoint authorizes via capability token, not caller
	// credential.
	if rest == "proxy" || strings.HasPrefix(rest, "proxy/") {
		h.handleProxy(w, r, id, strings.TrimPrefix(rest, "proxy"))
		return
	}

	sub, ok := h.subject(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	inst, err := h.manager.Get(id)
	if err != nil {
		http.Error(w, "Instance not found", http.StatusNotFound)
		return
	}
	if inst.Owner != sub.ID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch {
	case rest == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, inst)
	case rest == "" && r.Method == http.MethodDelete,
		rest == "stop" && r.Method == http.MethodPost:
		if err := h.manager.Stop(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		inst, _ := h.manager.Get(id)
		writeJSON(w, http.StatusOK, inst)
	case rest == "logs" && r.Method == http.MethodGet:
		h.handleLogStream(w, r, id)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request, id, rest string) {
	token := r.Header.Get("X-Preview-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	resp, err := h.gateway.Forward(r.Context(), proxy.ForwardRequest{
		InstanceID: id,
		Token:      token,
		Method:     r.Method,
		Path:       rest,
		Query:      r.URL.RawQuery,
		Headers:    r.Header,
		Body:       body,
	})
	if err != nil {
		switch {
		case errors.Is(err, proxy.ErrUnauthorized):
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		case errors.Is(err, proxy.ErrNotFound):
			http.Error(w, "Instance not found", http.StatusNotFound)
		case errors.Is(err, proxy.ErrTimeout):
			http.Error(w, "Instance timed out", http.StatusGatewayTimeout)
		default:
			http.Error(w, "Instance unreachable", http.StatusBadGateway)
		}
		return
	}

	for key, values := range resp.Headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
