// Package template resolves named prompt templates into final prompt strings.
package template

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when the template name is absent from the registry.
var ErrNotFound = errors.New("template not found")

// MissingVariableError is returned when a placeholder referenced by the
// template body (or a declared required variable) has no binding.
type MissingVariableError struct {
	Template string
	Variable string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template %q: missing variable %q", e.Template, e.Variable)
}

// Variable describes a named placeholder declared by a template.
type Variable struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required"`
}

// Definition is a named, parametrized prompt pattern. Placeholders in the
// body use {name} syntax. Definitions are immutable once loaded.
type Definition struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Body        string     `yaml:"body"`
	Variables   []Variable `yaml:"variables,omitempty"`
}

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Registry maps template names to definitions. Reads vastly outnumber
// reloads, so a RWMutex guards the table.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]Definition
	dir    string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defs:   map[string]Definition{},
		logger: logger,
	}
}

// Register adds or replaces a single definition.
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
}

// LoadDir reads every .yaml/.yml file under dir and replaces the whole
// template table with the result. Subsequent calls reload from scratch, so a
// removed file removes its template.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read templates directory: %w", err)
	}

	defs := map[string]Definition{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template %s: %w", path, err)
		}

		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("failed to parse template %s: %w", path, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		defs[def.Name] = def
	}

	r.mu.Lock()
	r.defs = defs
	r.dir = dir
	r.mu.Unlock()

	r.logger.Info("loaded templates", "dir", dir, "count", len(defs))
	return nil
}

// Watch reloads the templates directory whenever it changes. It returns a
// stop function that releases the watcher. LoadDir must have been called
// first.
func (r *Registry) Watch() (func(), error) {
	r.mu.RLock()
	dir := r.dir
	r.mu.RUnlock()
	if dir == "" {
		return nil, errors.New("no templates directory loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.LoadDir(dir); err != nil {
					r.logger.Warn("template reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("template watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// Definition returns the named definition, if registered.
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve substitutes vars into the named template and returns the final
// prompt. Substitution is literal, single-pass string replacement: a value
// that itself contains placeholder syntax is inserted verbatim, never
// re-expanded. Extra keys in vars are ignored.
func (r *Registry) Resolve(name string, vars map[string]string) (string, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	for _, v := range def.Variables {
		if !v.Required {
			continue
		}
		if _, ok := vars[v.Name]; !ok {
			return "", &MissingVariableError{Template: name, Variable: v.Name}
		}
	}

	var missing string
	resolved := placeholderRe.ReplaceAllStringFunc(def.Body, func(match string) string {
		key := match[1 : len(match)-1]
		value, ok := vars[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return match
		}
		return value
	})
	if missing != "" {
		return "", &MissingVariableError{Template: name, Variable: missing}
	}

	return resolved, nil
}
