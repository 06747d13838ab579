// Package registry maps website domains to domain handlers.
//
// A Registry is assembled once at process start through a Builder and is
// read-only afterwards, so a single instance can be shared by every
// concurrent analysis run without locking.
//
// Lookup normalises the incoming domain (case, scheme, path, port and a
// leading "www." are ignored), then tries an exact key match, then the
// longest registered key the domain is a subdomain of, and finally falls
// back to the fallback handler. A miss is never an error.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tjfontaine/intentguard/internal/core/ports"
)

// Registry resolves domains to handlers.
type Registry struct {
	handlers map[string]ports.DomainHandler

	// suffixKeys holds the registered keys, longest first, so the most
	// specific suffix wins.
	suffixKeys []string
	fallback   ports.DomainHandler
}

// Builder assembles a Registry.
type Builder struct {
	handlers map[string]ports.DomainHandler
	fallback ports.DomainHandler
	err      error
}

// NewBuilder starts a registry with the given fallback handler.
func NewBuilder(fallback ports.DomainHandler) *Builder {
	return &Builder{
		handlers: make(map[string]ports.DomainHandler),
		fallback: fallback,
	}
}

// Register maps each key to h. The first error is remembered and returned
// by Build, so calls can be chained.
func (b *Builder) Register(h ports.DomainHandler, keys ...string) *Builder {
	if b.err != nil {
		return b
	}
	if h == nil {
		b.err = errors.New("registry: nil handler")
		return b
	}
	for _, raw := range keys {
		key := Normalize(raw)
		if key == "" {
			b.err = fmt.Errorf("registry: empty domain key %q for handler %s", raw, h.Name())
			return b
		}
		if existing, ok := b.handlers[key]; ok {
			b.err = fmt.Errorf("registry: domain %q already registered to handler %s", key, existing.Name())
			return b
		}
		b.handlers[key] = h
	}
	return b
}

// Build returns the registry, or the first registration error.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.fallback == nil {
		return nil, errors.New("registry: fallback handler is required")
	}

	r := &Registry{
		handlers: make(map[string]ports.DomainHandler, len(b.handlers)),
		fallback: b.fallback,
	}
	for k, h := range b.handlers {
		r.handlers[k] = h
		r.suffixKeys = append(r.suffixKeys, k)
	}
	sort.Slice(r.suffixKeys, func(i, j int) bool {
		if len(r.suffixKeys[i]) != len(r.suffixKeys[j]) {
			return len(r.suffixKeys[i]) > len(r.suffixKeys[j])
		}
		return r.suffixKeys[i] < r.suffixKeys[j]
	})
	return r, nil
}

// Resolve returns the handler for domain. matched is false when the
// fallback handler was used.
func (r *Registry) Resolve(domain string) (h ports.DomainHandler, matched bool) {
	key := Normalize(domain)
	if h, ok := r.handlers[key]; ok {
		return h, true
	}
	for _, k := range r.suffixKeys {
		if strings.HasSuffix(key, "."+k) {
			return r.handlers[k], true
		}
	}
	return r.fallback, false
}

// Fallback returns the fallback handler.
func (r *Registry) Fallback() ports.DomainHandler {
	return r.fallback
}

// Keys returns the registered domain keys in lookup order.
func (r *Registry) Keys() []string {
	return append([]string(nil), r.suffixKeys...)
}

// Normalize lowercases a domain and strips scheme, credentials, path,
// port, trailing dots and a leading "www.".
func Normalize(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return ""
	}
	if strings.Contains(d, "://") {
		if u, err := url.Parse(d); err == nil && u.Host != "" {
			d = u.Host
		}
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if i := strings.LastIndex(d, ":"); i >= 0 {
		d = d[:i]
	}
	d = strings.TrimSuffix(d, ".")
	return strings.TrimPrefix(d, "www.")
}
