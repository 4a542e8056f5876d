// Package js loads JavaScript strategy modules from a directory, extracts
// their metadata in a throwaway sandboxed VM, and instantiates per-run
// strategies that satisfy the Go strategy contract.
package js

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/5TFG4/weaver/internal/app/strategy"
)

// ErrModuleNotFound reports missing strategy modules.
var ErrModuleNotFound = errors.New("strategy module not found")

// Loader manages JavaScript strategy modules sourced from an external
// directory. Scanning is parse-only: metadata is extracted from a sandboxed
// run of the module with a no-op console, no platform bindings.
type Loader struct {
	mu     sync.RWMutex
	root   string
	byName map[string]*Module
}

// Module holds the compiled program and metadata for one strategy file.
type Module struct {
	Name     string
	Filename string
	Path     string
	Hash     string
	Metadata strategy.Metadata
	Program  *goja.Program
	Size     int64
}

// NewLoader constructs a Loader rooted at the provided directory.
func NewLoader(root string) (*Loader, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return nil, fmt.Errorf("strategy loader: root directory required")
	}
	clean := filepath.Clean(trimmed)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, fmt.Errorf("strategy loader: ensure directory %q: %w", clean, err)
	}
	return &Loader{
		mu:     sync.RWMutex{},
		root:   clean,
		byName: make(map[string]*Module),
	}, nil
}

// Root returns the filesystem root used by the loader.
func (l *Loader) Root() string {
	if l == nil {
		return ""
	}
	return l.root
}

// Refresh clears in-memory modules and loads the latest JavaScript
// strategies from disk.
func (l *Loader) Refresh(ctx context.Context) error {
	if l == nil {
		return fmt.Errorf("strategy loader: nil receiver")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("strategy loader: refresh canceled: %w", err)
	}

	entries, err := os.ReadDir(l.root)
	if err != nil {
		return fmt.Errorf("strategy loader: read directory %q: %w", l.root, err)
	}

	next := make(map[string]*Module)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("strategy loader: refresh canceled: %w", err)
		}
		if entry.IsDir() || !isJavaScriptFile(entry.Name()) {
			continue
		}
		fullPath := filepath.Join(l.root, entry.Name())
		module, err := compileModule(fullPath, entry)
		if err != nil {
			return fmt.Errorf("strategy loader: compile module %q: %w", fullPath, err)
		}
		key := strings.ToLower(module.Name)
		if _, exists := next[key]; exists {
			return fmt.Errorf("strategy loader: duplicate strategy name %q", module.Name)
		}
		next[key] = module
	}

	l.mu.Lock()
	l.byName = next
	l.mu.Unlock()
	return nil
}

// Catalog returns metadata for every loaded module, sorted by name.
func (l *Loader) Catalog() []strategy.Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]strategy.Metadata, 0, len(l.byName))
	for _, module := range l.byName {
		out = append(out, strategy.CloneMetadata(module.Metadata))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the in-memory module definition for instantiation.
func (l *Loader) Get(name string) (*Module, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	module, ok := l.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return module, nil
}

// Known reports whether the name resolves to a loaded module.
func (l *Loader) Known(name string) bool {
	_, err := l.Get(name)
	return err == nil
}

// New instantiates the named module as a run-scoped strategy.
func (l *Loader) New(name string, config map[string]any) (strategy.Strategy, error) {
	module, err := l.Get(name)
	if err != nil {
		return nil, err
	}
	return newModuleStrategy(module, config)
}

func isJavaScriptFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".js") || strings.HasSuffix(lower, ".mjs")
}

func compileModule(fullPath string, entry fs.DirEntry) (*Module, error) {
	// #nosec G304 -- fullPath comes from os.ReadDir within the loader root.
	source, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", fullPath, err)
	}
	prog, err := goja.Compile(fullPath, string(source), true)
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", fullPath, err)
	}

	meta, err := extractMetadata(prog)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fullPath, err)
	}
	meta.Source = "js"

	sum := sha256.Sum256(source)
	return &Module{
		Name:     meta.Name,
		Filename: entry.Name(),
		Path:     fullPath,
		Hash:     hex.EncodeToString(sum[:]),
		Metadata: meta,
		Program:  prog,
		Size:     fileSize(entry),
	}, nil
}

func extractMetadata(program *goja.Program) (strategy.Metadata, error) {
	rt := goja.New()
	exports, err := runModule(rt, program)
	if err != nil {
		return strategy.Metadata{}, err
	}
	raw := exports.Get("metadata")
	if raw == nil || goja.IsUndefined(raw) || goja.IsNull(raw) {
		return strategy.Metadata{}, fmt.Errorf("metadata export missing")
	}

	var meta strategy.Metadata
	if err := rt.ExportTo(raw, &meta); err != nil {
		return strategy.Metadata{}, fmt.Errorf("metadata export invalid: %w", err)
	}
	meta.Name = strings.ToLower(strings.TrimSpace(meta.Name))
	if meta.Name == "" {
		return strategy.Metadata{}, fmt.Errorf("metadata name required")
	}
	if strings.TrimSpace(meta.DisplayName) == "" {
		return strategy.Metadata{}, fmt.Errorf("metadata displayName required")
	}
	return strategy.CloneMetadata(meta), nil
}

// runModule executes the program with a CommonJS-style module object and a
// no-op console; the module's exports object is returned.
func runModule(rt *goja.Runtime, program *goja.Program) (*goja.Object, error) {
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("module", module); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}
	if err := rt.Set("console", buildConsole(rt)); err != nil {
		return nil, fmt.Errorf("module init: %w", err)
	}

	if _, err := rt.RunProgram(program); err != nil {
		return nil, fmt.Errorf("module run: %w", err)
	}

	value := module.Get("exports")
	object := value.ToObject(rt)
	if object == nil {
		return nil, fmt.Errorf("module exports must be an object")
	}
	return object, nil
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	_ = console.Set("warn", noop)
	_ = console.Set("info", noop)
	return console
}

func fileSize(entry fs.DirEntry) int64 {
	info, err := entry.Info()
	if err != nil {
		return 0
	}
	return info.Size()
}
