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
	"errors"
	"io"
	"net/http"

	"github.com/forgeline/stepflow/internal/library"
	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// workflowsHandler serves the library catalog and static validation.
type workflowsHandler struct {
	library   *library.Library
	validator *workflow.Validator
}

func (h *workflowsHandler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/workflows/validate", h.handleValidate)
	mux.HandleFunc("GET /v1/workflows", h.handleList)
	mux.HandleFunc("GET /v1/workflows/{name}", h.handleGet)
}

// handleValidate runs the validation engine over the request body and
// reports every finding. The response is 200 whether or not the
// document is valid; clients read the valid flag.
func (h *workflowsHandler) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "request body is empty")
		return
	}
	writeJSON(w, http.StatusOK, h.validator.ValidateBytes(body))
}

// handleList answers GET /v1/workflows from the library.
func (h *workflowsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	if h.library == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"workflows": []library.Entry{},
			"count":     0,
		})
		return
	}
	entries := h.library.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": entries,
		"count":     len(entries),
	})
}

// handleGet answers GET /v1/workflows/{name} with a document summary.
func (h *workflowsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.library == nil {
		writeError(w, http.StatusNotFound, "no workflow library configured")
		return
	}
	doc, err := h.library.Get(name)
	if err != nil {
		var nf *pkgerrors.NotFoundError
		if errors.As(err, &nf) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	path := ""
	for _, entry := range h.library.List() {
		if entry.Name == name {
			path = entry.Path
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       name,
		"path":       path,
		"trigger":    doc.Trigger.Type,
		"totalSteps": len(doc.Config.Steps),
	})
}
