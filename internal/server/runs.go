// Copyright 2026 Forgeline Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forgeline/stepflow/internal/library"
	"github.com/forgeline/stepflow/internal/runner"
	"github.com/forgeline/stepflow/internal/store"
	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// heartbeatInterval paces SSE keep-alive comments so idle streams
// survive proxies that cut quiet connections.
const heartbeatInterval = 15 * time.Second

// runsHandler serves run submission, inspection, cancelation, and the
// event stream.
type runsHandler struct {
	runner    *runner.Runner
	store     store.Store
	library   *library.Library
	validator *workflow.Validator
	logger    *slog.Logger
}

func (h *runsHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("GET /v1/runs/{id}/events", h.handleEvents)
	mux.HandleFunc("DELETE /v1/runs/{id}", h.handleCancel)
}

// createRunRequest is the JSON body for POST /v1/runs. Workflow names
// a library entry; YAML bodies carry the document inline instead.
type createRunRequest struct {
	Workflow string         `json:"workflow"`
	Vars     map[string]any `json:"vars,omitempty"`
	Trigger  map[string]any `json:"trigger,omitempty"`
}

// handleCreate submits a run. JSON bodies reference a library workflow
// by name; YAML bodies are parsed as an inline document with vars taken
// from query parameters.
func (h *runsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var doc *workflow.Document
	var req createRunRequest

	contentType := r.Header.Get("Content-Type")
	switch {
	case isYAMLContentType(contentType):
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
			return
		}
		doc, err = workflow.ParseDocument(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parse workflow: "+err.Error())
			return
		}
		req.Vars = make(map[string]any)
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				req.Vars[key] = values[0]
			}
		}
	default:
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if req.Workflow == "" {
			writeError(w, http.StatusBadRequest, "workflow is required")
			return
		}
		if h.library == nil {
			writeError(w, http.StatusBadRequest, "no workflow library configured; submit the document inline as YAML")
			return
		}
		var err error
		doc, err = h.library.Get(req.Workflow)
		if err != nil {
			var nf *pkgerrors.NotFoundError
			if errors.As(err, &nf) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if result := h.validator.Validate(doc); !result.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "workflow failed validation",
			"validation": result,
		})
		return
	}

	id, err := h.runner.Submit(r.Context(), runner.Request{
		Document: doc,
		Vars:     req.Vars,
		Trigger:  req.Trigger,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("submit run: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": string(store.StatusPending),
	})
}

// handleList answers GET /v1/runs with optional status, workflow, and
// limit filters.
func (h *runsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.Filter{
		Status:       store.RunStatus(query.Get("status")),
		WorkflowName: query.Get("workflow"),
		Limit:        50,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	runs, err := h.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGet answers GET /v1/runs/{id}.
func (h *runsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		var nf *pkgerrors.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCancel answers DELETE /v1/runs/{id}. Cancelation is
// asynchronous; the run reaches its terminal status once the
// interpreter observes the canceled context.
func (h *runsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.runner.Cancel(r.Context(), id); err != nil {
		var nf *pkgerrors.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "canceling",
	})
}

// handleEvents answers GET /v1/runs/{id}/events. Clients accepting
// text/event-stream get an SSE stream that replays history and then
// tails live events until the run finishes or the client disconnects.
// Everyone else gets the recorded events as one JSON document.
func (h *runsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		events, err := h.store.ListEvents(r.Context(), id)
		if err != nil {
			var nf *pkgerrors.NotFoundError
			if errors.As(err, &nf) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"events": events,
			"count":  len(events),
		})
		return
	}

	sub, err := h.runner.Subscribe(r.Context(), id)
	if err != nil {
		var nf *pkgerrors.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, event := range sub.Replay {
		if err := writeSSE(w, event); err != nil {
			return
		}
	}
	flusher.Flush()

	if sub.Live == nil {
		return
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Live:
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one event in text/event-stream framing.
func writeSSE(w io.Writer, event workflow.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

func isYAMLContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "application/x-yaml") ||
		strings.HasPrefix(contentType, "application/yaml") ||
		strings.HasPrefix(contentType, "text/yaml")
}
