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

// Package credentials resolves the values behind {{credential.*}} references.
// Values are looked up lazily at run seed time, never persisted with the run,
// and never echoed into progress events.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

// EnvPrefix is the environment variable prefix for credential values. The
// credential name "openai-key" maps to STEPFLOW_CRED_OPENAI_KEY.
const EnvPrefix = "STEPFLOW_CRED_"

// KeyringService is the service name used for OS keyring entries.
const KeyringService = "stepflow"

// Source resolves one named credential.
type Source interface {
	// Resolve returns the credential value. A missing credential is a
	// *pkgerrors.NotFoundError so chains can keep looking.
	Resolve(ctx context.Context, name string) (string, error)
}

// EnvSource reads credentials from STEPFLOW_CRED_* environment variables.
type EnvSource struct{}

// Resolve implements Source.
func (EnvSource) Resolve(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(EnvPrefix + envSuffix(name))
	if !ok {
		return "", &pkgerrors.NotFoundError{Resource: "credential", ID: name}
	}
	return value, nil
}

func envSuffix(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return mapped
}

// KeyringSource reads credentials from the OS keyring (macOS Keychain, the
// Secret Service API on Linux, Credential Manager on Windows).
type KeyringSource struct {
	service string
}

// NewKeyringSource returns a keyring source. service defaults to
// KeyringService when empty.
func NewKeyringSource(service string) *KeyringSource {
	if service == "" {
		service = KeyringService
	}
	return &KeyringSource{service: service}
}

// Resolve implements Source.
func (k *KeyringSource) Resolve(_ context.Context, name string) (string, error) {
	value, err := keyring.Get(k.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", &pkgerrors.NotFoundError{Resource: "credential", ID: name}
	}
	if err != nil {
		return "", fmt.Errorf("reading credential %q from keyring: %w", name, err)
	}
	return value, nil
}

// Chain tries each source in order, stopping at the first hit. Sources that
// report not-found pass to the next; any other error aborts the lookup.
type Chain []Source

// Resolve implements Source.
func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	for _, source := range c {
		value, err := source.Resolve(ctx, name)
		if err == nil {
			return value, nil
		}
		var notFound *pkgerrors.NotFoundError
		if !errors.As(err, &notFound) {
			return "", err
		}
	}
	return "", &pkgerrors.NotFoundError{Resource: "credential", ID: name}
}

// Default is the standard lookup order: environment first, then keyring.
func Default() Chain {
	return Chain{EnvSource{}, NewKeyringSource("")}
}

// Static serves credentials from a fixed map. Used in tests and for values
// injected through configuration.
type Static map[string]string

// Resolve implements Source.
func (s Static) Resolve(_ context.Context, name string) (string, error) {
	value, ok := s[name]
	if !ok {
		return "", &pkgerrors.NotFoundError{Resource: "credential", ID: name}
	}
	return value, nil
}

// Seed resolves every name in names and returns the map that backs the
// credential namespace of a run. Unknown names fail the seed so the run
// stops before any step executes.
func Seed(ctx context.Context, source Source, names []string) (map[string]any, error) {
	if len(names) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		value, err := source.Resolve(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}
