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

package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	pkgerrors "github.com/forgeline/stepflow/pkg/errors"
)

func echo(value any) Func {
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		return value, nil
	}
}

func populated(t *testing.T) *Registry {
	t.Helper()
	r := New()
	for _, path := range []string{
		"util.id.uuid",
		"util.math.sum",
		"util.math.average",
		"data.transform.query",
		"storage.kv.get",
	} {
		if err := r.Register(path, "", echo(path)); err != nil {
			t.Fatalf("Register(%q): %v", path, err)
		}
	}
	return r
}

func TestRegisterRejectsMalformedPaths(t *testing.T) {
	r := New()
	for _, path := range []string{"", "util", "util.id", "util..uuid", ".id.uuid", "util.id."} {
		if err := r.Register(path, "", echo(nil)); err == nil {
			t.Errorf("Register(%q) succeeded, want error", path)
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	if err := r.Register("util.id.uuid", "", echo(nil)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register("util.id.uuid", "", echo(nil)); err == nil {
		t.Error("duplicate Register succeeded, want error")
	}
}

func TestInvoke(t *testing.T) {
	r := populated(t)

	out, err := r.Invoke(context.Background(), "util.id.uuid", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "util.id.uuid" {
		t.Errorf("Invoke output = %v", out)
	}
}

func TestInvokeUnknownPathIsNotFound(t *testing.T) {
	r := populated(t)

	_, err := r.Invoke(context.Background(), "util.id.nanoid", nil)
	var notFound *pkgerrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Invoke error = %v, want NotFoundError", err)
	}
	if notFound.ID != "util.id.nanoid" {
		t.Errorf("NotFoundError.ID = %q", notFound.ID)
	}
}

func TestCatalogViews(t *testing.T) {
	r := populated(t)

	if got, want := r.Categories(), []string{"data", "storage", "util"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Categories() = %v, want %v", got, want)
	}
	if got, want := r.Modules("util"), []string{"id", "math"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Modules(util) = %v, want %v", got, want)
	}
	if got, want := r.Functions("util", "math"), []string{"average", "sum"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Functions(util, math) = %v, want %v", got, want)
	}
	if got := r.Modules("nosuch"); len(got) != 0 {
		t.Errorf("Modules(nosuch) = %v, want empty", got)
	}

	catalog := r.Catalog()
	if len(catalog) != 5 {
		t.Fatalf("len(Catalog()) = %d, want 5", len(catalog))
	}
	if catalog[0].Path != "data.transform.query" {
		t.Errorf("Catalog()[0].Path = %q, want data.transform.query", catalog[0].Path)
	}
}

func TestHasAndLookup(t *testing.T) {
	r := populated(t)

	if !r.Has("storage.kv.get") {
		t.Error("Has(storage.kv.get) = false")
	}
	if r.Has("storage.kv.set") {
		t.Error("Has(storage.kv.set) = true for unregistered path")
	}
	if _, ok := r.Lookup("data.transform.query"); !ok {
		t.Error("Lookup(data.transform.query) missed")
	}
}
