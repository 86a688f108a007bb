// Package plugins loads scripted hooks from .concord/plugins. Each .go file
// is interpreted with yaegi and may define either or both of:
//
//	func Equivalent(a, b string) bool
//	func HighImpact(key string, fields map[string]string) bool
package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/concord/internal/conflict"
	"github.com/kingrea/concord/internal/consensus"
)

const (
	equivalentFuncName = "Equivalent"
	highImpactFuncName = "HighImpact"
)

// Logger records hooks that fail at call time.
type Logger interface {
	Printf(format string, args ...any)
}

type (
	equivalentFunc = func(a, b string) bool
	highImpactFunc = func(key string, fields map[string]string) bool
)

// Hooks is the set of scripted functions found in a plugin directory.
type Hooks struct {
	// Sources lists the files that contributed hooks, sorted.
	Sources []string

	equivalent     equivalentFunc
	equivalentPath string
	highImpact     []highImpactFunc
	logger         Logger
}

// LoadDir evaluates every .go file in dir. A missing directory yields empty
// hooks. At most one file may define Equivalent; every HighImpact found is
// consulted.
func LoadDir(dir string, logger Logger) (*Hooks, error) {
	hooks := &Hooks{logger: logger}
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return hooks, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return hooks, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" || strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := hooks.loadFile(path); err != nil {
			return nil, err
		}
	}
	return hooks, nil
}

func (h *Hooks) loadFile(path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("plugin: load stdlib for %s: %w", path, err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return fmt.Errorf("plugin: interpret %s: %w", path, err)
	}

	found := false
	if value, err := i.Eval(equivalentFuncName); err == nil {
		fn, ok := asFunc[equivalentFunc](value)
		if !ok {
			return fmt.Errorf("plugin: %s: %s must be func(a, b string) bool", path, equivalentFuncName)
		}
		if h.equivalent != nil {
			return fmt.Errorf("plugin: %s defined in both %s and %s", equivalentFuncName, h.equivalentPath, path)
		}
		h.equivalent, h.equivalentPath = fn, path
		found = true
	}
	if value, err := i.Eval(highImpactFuncName); err == nil {
		fn, ok := asFunc[highImpactFunc](value)
		if !ok {
			return fmt.Errorf("plugin: %s: %s must be func(key string, fields map[string]string) bool", path, highImpactFuncName)
		}
		h.highImpact = append(h.highImpact, fn)
		found = true
	}
	if !found {
		return fmt.Errorf("plugin: %s defines neither %s nor %s", path, equivalentFuncName, highImpactFuncName)
	}
	h.Sources = append(h.Sources, path)
	return nil
}

func asFunc[F any](value reflect.Value) (F, bool) {
	var zero F
	if !value.IsValid() || value.Kind() != reflect.Func || !value.CanInterface() {
		return zero, false
	}
	fn, ok := value.Interface().(F)
	return fn, ok
}

// Equivalence adapts the scripted Equivalent to the consensus engine, or
// returns nil when no plugin defines it. A hook that panics counts as "not
// equivalent".
func (h *Hooks) Equivalence() consensus.Equivalence {
	if h == nil || h.equivalent == nil {
		return nil
	}
	fn := h.equivalent
	return func(a, b []byte) (same bool) {
		defer h.guard(equivalentFuncName, &same)
		return fn(string(a), string(b))
	}
}

// Impact adapts every scripted HighImpact to the conflict rubric, or returns
// nil when none is defined.
func (h *Hooks) Impact() conflict.ImpactFunc {
	if h == nil || len(h.highImpact) == 0 {
		return nil
	}
	fns := append([]highImpactFunc(nil), h.highImpact...)
	return func(key string, fields map[string]string) bool {
		for _, fn := range fns {
			if h.call(fn, key, fields) {
				return true
			}
		}
		return false
	}
}

func (h *Hooks) call(fn highImpactFunc, key string, fields map[string]string) (hit bool) {
	defer h.guard(highImpactFuncName, &hit)
	return fn(key, fields)
}

func (h *Hooks) guard(name string, result *bool) {
	if r := recover(); r != nil {
		*result = false
		if h.logger != nil {
			h.logger.Printf("plugin: %s panicked: %v", name, r)
		}
	}
}
