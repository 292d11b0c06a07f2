package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/duskgate/duskgate/pkg/forwarder"
	"github.com/duskgate/duskgate/pkg/gateway"
	"github.com/duskgate/duskgate/pkg/scheduler"
)

// MountGatewayRoutes wires the domain routes described in SPEC_FULL.md's
// routing expansion: the chat-completions entry point and the operator key
// management / status surface.
func (s *Server) MountGatewayRoutes(sched *scheduler.Scheduler, orch *gateway.Orchestrator) {
	s.Router.Post("/v1/chat/completions", s.handleChatCompletions(orch))
	s.Router.Get("/status", s.handleStatus(sched))
	s.Router.Post("/keys", s.handleAddKey(sched))
	s.Router.Delete("/keys/{identifier}", s.handleDeleteKey(sched))
	s.Router.Post("/keys/{identifier}/reset", s.handleResetKey(sched))
	s.Router.Post("/keys/reset-all", s.handleResetAllKeys(sched))
}

type chatCompletionsRequest struct {
	Model  string         `json:"model" validate:"required"`
	Stream bool           `json:"stream"`
	Body   map[string]any `json:"-"`
}

// handleChatCompletions resolves tenant_alias from X-Tenant-Alias (a
// documented stand-in for the externally-supplied tenant authentication
// layer) and the provider family from ?family= or a model-prefix heuristic,
// then delegates to the Retry Orchestrator.
func (s *Server) handleChatCompletions(orch *gateway.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := Decode(r, &raw); err != nil {
			RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}

		model, _ := raw["model"].(string)
		if model == "" {
			RespondError(w, http.StatusUnprocessableEntity, "validation_error", "model is required")
			return
		}
		stream, _ := raw["stream"].(bool)

		tenantAlias := r.Header.Get("X-Tenant-Alias")
		if tenantAlias == "" {
			tenantAlias = "anonymous"
		}

		family := forwarder.SelectFamily(r.URL.Query().Get("family"), model)

		info := gateway.RequestInfo{
			RequestID:    uuid.New(),
			AuthKeyAlias: tenantAlias,
			Family:       family,
		}
		req := forwarder.Request{Model: model, Stream: stream, Body: raw}

		resp, err := orch.Handle(r.Context(), info, req)
		if err != nil {
			writeOrchestratorError(w, err)
			return
		}

		if resp.Unary != nil {
			Respond(w, http.StatusOK, resp.Unary)
			return
		}

		streamSSE(w, resp.Stream)
	}
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	if errors.Is(err, gateway.ErrUnavailable) {
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "no upstream key capacity available")
		return
	}
	RespondError(w, http.StatusInternalServerError, "upstream_error", err.Error())
}

// streamSSE tees Chunks to the client as text/event-stream frames, flushing
// after every frame so partial output reaches the caller immediately.
func streamSSE(w http.ResponseWriter, chunks <-chan forwarder.Chunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	for chunk := range chunks {
		if chunk.Err != nil {
			envelope, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			w.Write([]byte("data: " + string(envelope) + "\n\n"))
		} else {
			w.Write([]byte("data: " + chunk.Data + "\n\n"))
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func (s *Server) handleStatus(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := sched.Status(r.Context())
		if err != nil {
			RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		Respond(w, http.StatusOK, report)
	}
}

type addKeyRequest struct {
	Secret string `json:"secret" validate:"required"`
}

func (s *Server) handleAddKey(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addKeyRequest
		if !DecodeAndValidate(w, r, &req) {
			return
		}

		key, err := sched.AddKey(r.Context(), strings.TrimSpace(req.Secret))
		if err != nil {
			RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		Respond(w, http.StatusCreated, map[string]string{"identifier": key.Identifier, "brief": key.Brief})
	}
}

func (s *Server) handleDeleteKey(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := chi.URLParam(r, "identifier")
		if err := sched.DeleteKey(r.Context(), identifier); err != nil {
			RespondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleResetKey(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := chi.URLParam(r, "identifier")
		if err := sched.ResetKey(r.Context(), identifier); err != nil {
			RespondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		Respond(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}

func (s *Server) handleResetAllKeys(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := sched.ResetAllKeys(r.Context()); err != nil {
			RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		Respond(w, http.StatusOK, map[string]string{"status": "reset"})
	}
}
