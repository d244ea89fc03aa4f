// Package workload enumerates the benchmark workloads and their entry points.
// A workload is an opaque shell script run inside the image under test; it
// exits 0 on success and non-zero on failure.
package workload

import (
	"errors"
	"fmt"
	"os"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrUnknown   = errors.New("unknown workload")
	ErrDuplicate = errors.New("duplicate workload")
)

const defaultShell = "/bin/sh"

type Workload struct {
	ID          string   `toml:"id" json:"id"`
	Description string   `toml:"description" json:"description"`
	Shell       string   `toml:"shell" json:"shell"`
	Script      string   `toml:"script" json:"-"`
	Env         []string `toml:"env" json:"env,omitempty"`
}

// Command returns the argv that runs the workload inside a container.
func (w Workload) Command() []string {
	shell := w.Shell
	if shell == "" {
		shell = defaultShell
	}
	return []string{shell, "-c", w.Script}
}

// Registry is an immutable, ordered set of workloads.
type Registry struct {
	order []string
	byID  map[string]Workload
}

// New builds a registry. IDs must be unique and scripts non-empty.
func New(workloads ...Workload) (*Registry, error) {
	r := &Registry{byID: make(map[string]Workload, len(workloads))}
	for _, w := range workloads {
		if w.ID == "" {
			return nil, errors.New("workload without id")
		}
		if w.Script == "" {
			return nil, fmt.Errorf("workload %q: empty script", w.ID)
		}
		if _, ok := r.byID[w.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, w.ID)
		}
		r.byID[w.ID] = w
		r.order = append(r.order, w.ID)
	}
	return r, nil
}

// Builtin returns the registry of the built-in stress workloads.
func Builtin() *Registry {
	r, err := New(builtins...)
	if err != nil {
		panic(err)
	}
	return r
}

// IDs returns workload IDs in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns workloads in registration order.
func (r *Registry) All() []Workload {
	out := make([]Workload, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Lookup(id string) (Workload, error) {
	w, ok := r.byID[id]
	if !ok {
		return Workload{}, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return w, nil
}

// Select narrows the registry to ids, keeping registration order and
// dropping repeats. An empty selection returns the full registry.
func (r *Registry) Select(ids []string) (*Registry, error) {
	if len(ids) == 0 {
		return r, nil
	}
	want := mapset.NewThreadUnsafeSet[string]()
	var unknown []string
	for _, id := range ids {
		if _, ok := r.byID[id]; !ok {
			unknown = append(unknown, id)
			continue
		}
		want.Add(id)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %v (available: %v)", ErrUnknown, unknown, r.order)
	}

	var picked []Workload
	for _, id := range r.order {
		if want.Contains(id) {
			picked = append(picked, r.byID[id])
		}
	}
	return New(picked...)
}

// Merge returns a registry with extra's workloads added after r's. An extra
// workload with an existing ID replaces the original in place.
func (r *Registry) Merge(extra []Workload) (*Registry, error) {
	all := r.All()
	index := make(map[string]int, len(all))
	for i, w := range all {
		index[w.ID] = i
	}
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, w := range extra {
		if !seen.Add(w.ID) {
			return nil, fmt.Errorf("%w in catalog: %s", ErrDuplicate, w.ID)
		}
		if i, ok := index[w.ID]; ok {
			all[i] = w
			continue
		}
		all = append(all, w)
	}
	return New(all...)
}

type catalog struct {
	Workloads []Workload `toml:"workloads"`
}

// LoadCatalog reads [[workloads]] entries from a TOML file.
func LoadCatalog(path string) ([]Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload catalog: %w", err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) ([]Workload, error) {
	var c catalog
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse workload catalog: %w", err)
	}
	return c.Workloads, nil
}
