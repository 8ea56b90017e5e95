// Package filter holds the content extractors the indexer can apply to
// files, keyed by file extension.
package filter

import (
	"errors"
	"fmt"
	"strings"
)

// Capacity is the most filters a Registry holds.
const Capacity = 16

var (
	// ErrRegistryFull is returned by Register once Capacity filters exist.
	ErrRegistryFull = errors.New("filter registry full")
	// ErrNotImplemented is returned by extractors that are registered for
	// their extensions but cannot extract yet.
	ErrNotImplemented = errors.New("extraction not implemented")
)

// Filter extracts indexable text from one kind of file.
type Filter interface {
	Name() string
	// Extensions lists the handled extensions including the leading dot.
	// Matching is case-sensitive.
	Extensions() []string
	Extract(path string) (string, error)
	Version() string
}

// Registry is an ordered, fixed-capacity set of filters. It is built once
// at startup and read-only afterwards.
type Registry struct {
	filters []Filter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{filters: make([]Filter, 0, Capacity)}
}

// Defaults returns a registry holding the built-in filters.
func Defaults() *Registry {
	r := NewRegistry()
	for _, f := range []Filter{PDF{}, Text{}} {
		if err := r.Register(f); err != nil {
			panic(err) // built-ins fit by construction
		}
	}
	return r
}

// Register appends f. Earlier registrations win on lookup.
func (r *Registry) Register(f Filter) error {
	if f == nil {
		return errors.New("nil filter")
	}
	if strings.TrimSpace(f.Name()) == "" {
		return errors.New("filter has no name")
	}
	if len(r.filters) >= Capacity {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFull, f.Name())
	}
	r.filters = append(r.filters, f)
	return nil
}

// Lookup returns the first registered filter handling ext.
func (r *Registry) Lookup(ext string) (Filter, bool) {
	for _, f := range r.filters {
		for _, e := range f.Extensions() {
			if e == ext {
				return f, true
			}
		}
	}
	return nil, false
}

// All returns the filters in registration order.
func (r *Registry) All() []Filter {
	out := make([]Filter, len(r.filters))
	copy(out, r.filters)
	return out
}

// Len returns the number of registered filters.
func (r *Registry) Len() int { return len(r.filters) }
