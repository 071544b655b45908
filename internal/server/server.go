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

// Package server provides the daemon's HTTP API: workflow validation,
// run submission and inspection, event streaming, and the module
// catalog. The package builds an http.Handler; the listening socket
// and its timeouts belong to the caller.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/forgeline/stepflow/internal/library"
	"github.com/forgeline/stepflow/internal/log"
	"github.com/forgeline/stepflow/internal/registry"
	"github.com/forgeline/stepflow/internal/runner"
	"github.com/forgeline/stepflow/internal/store"
	"github.com/forgeline/stepflow/pkg/workflow"
)

// maxBodyBytes bounds request bodies. Workflow documents are small;
// anything larger is a mistake or an attack.
const maxBodyBytes = 1 << 20

// Options wires the server to the rest of the daemon. Store, Runner,
// and Registry are required. Library, Metrics, and Auth are optional.
type Options struct {
	Store    store.Store
	Runner   *runner.Runner
	Registry *registry.Registry

	// Library resolves workflow names on run submission. Without one,
	// only inline documents can be submitted.
	Library *library.Library

	// Metrics, when set, is mounted at GET /metrics outside auth.
	Metrics http.Handler

	// Auth guards every route except /healthz and /metrics. Nil means
	// no authentication.
	Auth Authenticator

	Logger  *slog.Logger
	Version string
}

// Server is the daemon's HTTP API surface.
type Server struct {
	mux     *http.ServeMux
	handler http.Handler
	logger  *slog.Logger

	store    store.Store
	runner   *runner.Runner
	registry *registry.Registry
	library  *library.Library
	version  string
}

// New builds the API handler. The returned server is immutable and
// safe for concurrent use.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server requires a store")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("server requires a runner")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("server requires a registry")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.FromEnv())
	}

	validator, err := workflow.NewValidator(opts.Registry)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	s := &Server{
		mux:      http.NewServeMux(),
		logger:   log.WithComponent(logger, "server"),
		store:    opts.Store,
		runner:   opts.Runner,
		registry: opts.Registry,
		library:  opts.Library,
		version:  opts.Version,
	}

	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/modules", s.handleModules)

	wf := &workflowsHandler{library: opts.Library, validator: validator}
	wf.registerRoutes(s.mux)

	runs := &runsHandler{
		runner:    opts.Runner,
		store:     opts.Store,
		library:   opts.Library,
		validator: validator,
		logger:    s.logger,
	}
	runs.registerRoutes(s.mux)

	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}

	// Innermost to outermost: mux, auth, request logging.
	var handler http.Handler = s.mux
	handler = requireAuth(opts.Auth, s.logger, handler)
	handler = requestLogger(s.logger, handler)
	s.handler = handler

	return s, nil
}

// Handler returns the complete middleware-wrapped API handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleRoot answers GET / for basic connectivity checks.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "stepflowd",
		"version": s.version,
	})
}

// handleHealth answers GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	workflows := 0
	if s.library != nil {
		workflows = s.library.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"activeRuns": s.runner.Active(),
		"workflows":  workflows,
	})
}

// handleModules answers GET /v1/modules with the full module catalog.
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	catalog := s.registry.Catalog()
	writeJSON(w, http.StatusOK, map[string]any{
		"modules": catalog,
		"count":   len(catalog),
	})
}

// writeJSON writes data as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write JSON response", slog.Any("error", err))
	}
}

// writeError writes a JSON error envelope with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
