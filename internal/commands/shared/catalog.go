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

package shared

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgeline/stepflow/internal/capability/ai"
	"github.com/forgeline/stepflow/internal/capability/data"
	"github.com/forgeline/stepflow/internal/capability/httpcap"
	"github.com/forgeline/stepflow/internal/capability/storage"
	"github.com/forgeline/stepflow/internal/capability/util"
	"github.com/forgeline/stepflow/internal/config"
	"github.com/forgeline/stepflow/internal/registry"

	_ "modernc.org/sqlite"
)

// CatalogOptions selects which module families a local registry carries.
type CatalogOptions struct {
	// HTTP configures the http family. Zero means defaults.
	HTTP httpcap.Config

	// AIBaseURL enables ai.chat.complete against a real endpoint.
	AIBaseURL string

	// AITimeout bounds each completion request when AIBaseURL is set.
	AITimeout time.Duration

	// WithUnconfigured registers families that lack local configuration
	// behind stubs that fail on invocation. Validation and catalog listing
	// use this so documents referencing them still check out.
	WithUnconfigured bool
}

// NewCatalog builds the local module registry used by validate, run and
// modules. storage.kv lives in a private in-memory database; the returned
// close func releases it.
func NewCatalog(ctx context.Context, opts CatalogOptions) (*registry.Registry, func() error, error) {
	reg := registry.New()
	if err := util.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("registering util modules: %w", err)
	}
	if err := data.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("registering data modules: %w", err)
	}

	httpCfg := opts.HTTP
	if httpCfg == (httpcap.Config{}) {
		httpCfg = httpcap.DefaultConfig()
	}
	if err := httpcap.Register(reg, httpcap.New(httpCfg)); err != nil {
		return nil, nil, fmt.Errorf("registering http modules: %w", err)
	}

	switch {
	case opts.AIBaseURL != "":
		if err := ai.Register(reg, ai.NewHTTPCompleter(opts.AIBaseURL, opts.AITimeout)); err != nil {
			return nil, nil, fmt.Errorf("registering ai modules: %w", err)
		}
	case opts.WithUnconfigured:
		if err := ai.Register(reg, unconfiguredCompleter{}); err != nil {
			return nil, nil, fmt.Errorf("registering ai modules: %w", err)
		}
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, nil, fmt.Errorf("opening kv database: %w", err)
	}
	// A second pool connection would see an empty database.
	db.SetMaxOpenConns(1)
	kv, err := storage.New(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("preparing storage.kv: %w", err)
	}
	if err := storage.Register(reg, kv); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("registering storage modules: %w", err)
	}

	return reg, db.Close, nil
}

// unconfiguredCompleter satisfies ai.Completer for catalog purposes only.
type unconfiguredCompleter struct{}

func (unconfiguredCompleter) Complete(context.Context, ai.Request) (string, error) {
	return "", fmt.Errorf("ai endpoint not configured; set ai.baseUrl or STEPFLOW_AI_BASE_URL")
}

// LoadConfig loads the config file named by --config, falling back to
// built-in defaults plus environment overrides.
func LoadConfig() (*config.Config, error) {
	return config.Load(GetConfigPath())
}
