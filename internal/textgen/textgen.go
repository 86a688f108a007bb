// Package textgen is the boundary to the text-generation collaborator that
// regenerates one tree's representation of an entity from the other's. The
// core treats generated output as opaque content.
package textgen

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/kingrea/concord/internal/config"
	"github.com/kingrea/concord/internal/tree"
)

// Request describes one regeneration.
type Request struct {
	Key         string
	From        tree.Kind
	To          tree.Kind
	Content     []byte
	Description string
}

// Generator produces the target-tree content for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]byte, error)
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, req Request) ([]byte, error)

func (f Func) Generate(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// Passthrough copies the source content unchanged, so both trees hold the
// same bytes and therefore the same version.
type Passthrough struct{}

func (Passthrough) Generate(_ context.Context, req Request) ([]byte, error) {
	return append([]byte(nil), req.Content...), nil
}

// Template renders content through a text/template. The template sees .Key,
// .From, .To, .Description, .Content (string) and .Fields (name -> value).
type Template struct {
	tmpl *template.Template
}

// NewTemplate parses a generator template.
func NewTemplate(text string) (*Template, error) {
	tmpl, err := template.New("generator").Funcs(template.FuncMap{
		"join":  strings.Join,
		"trim":  strings.TrimSpace,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("textgen: parse template: %w", err)
	}
	return &Template{tmpl: tmpl}, nil
}

func (t *Template) Generate(_ context.Context, req Request) ([]byte, error) {
	doc := tree.ParseDocument(req.Content)
	data := map[string]any{
		"Key":         req.Key,
		"From":        string(req.From),
		"To":          string(req.To),
		"Description": req.Description,
		"Content":     string(req.Content),
		"Fields":      doc.Map(),
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("textgen: render %s: %w", req.Key, err)
	}
	return buf.Bytes(), nil
}

// Factory constructs a generator from its config section.
type Factory func(config.GeneratorConfig) (Generator, error)

// Registry maintains known generator factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in generators installed.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.MustRegister(config.GeneratorPassthrough, func(config.GeneratorConfig) (Generator, error) {
		return Passthrough{}, nil
	})
	r.MustRegister(config.GeneratorTemplate, func(cfg config.GeneratorConfig) (Generator, error) {
		return NewTemplate(cfg.Template)
	})
	return r
}

// Register installs a factory. Returns an error if the name already exists.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("textgen: name is required")
	}
	if factory == nil {
		return fmt.Errorf("textgen: factory is required for %s", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("textgen: %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Resolve constructs the generator named in cfg.
func (r *Registry) Resolve(cfg config.GeneratorConfig) (Generator, error) {
	name := cfg.Name
	if name == "" {
		name = config.GeneratorPassthrough
	}
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("textgen: unknown generator %s", name)
	}
	return factory(cfg)
}

// Names returns the registered generator names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
