// Package lspregistry maps a language identifier to the command line used
// to spawn its language server (spec.md §4.8 step 2's "registry lookup",
// SPEC_FULL.md §6). It loads overrides from a TOML file and falls back to
// built-in defaults for a handful of common language servers so the pool
// manager always has something to spawn.
//
// Grounded on lsp_registry.rs as used by original_source/lsp-daemon/src/
// pool.rs and daemon.rs (LspRegistry::new/get/list_available_servers).
package lspregistry

import (
	"os"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
)

// ServerConfig is one language server's launch recipe.
type ServerConfig struct {
	Command     string                 `toml:"command"`
	Args        []string               `toml:"args"`
	InitOptions map[string]interface{} `toml:"init_options"`
}

// fileFormat is the on-disk TOML shape: a table of language -> ServerConfig.
type fileFormat struct {
	Servers map[string]ServerConfig `toml:"servers"`
}

func builtinDefaults() map[string]ServerConfig {
	return map[string]ServerConfig{
		"go":         {Command: "gopls", Args: []string{"serve"}},
		"rust":       {Command: "rust-analyzer"},
		"typescript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
		"javascript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
		"python":     {Command: "pylsp"},
	}
}

// Registry resolves languages to server configs, loaded once at startup.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]ServerConfig
}

// New constructs a registry seeded with the built-in defaults. Load may be
// called afterward to apply file-based overrides/additions.
func New() *Registry {
	return &Registry{servers: builtinDefaults()}
}

// Load merges language server definitions from a TOML file at path into
// the registry, overriding any built-in default with the same language
// key. A missing file is not an error: the registry simply keeps its
// built-in defaults.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(errors.InvalidInput, "reading lsp registry file", err)
	}

	var parsed fileFormat
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return errors.Wrap(errors.InvalidInput, "parsing lsp registry file", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for lang, cfg := range parsed.Servers {
		r.servers[lang] = cfg
	}
	return nil
}

// Get returns the server config registered for language.
func (r *Registry) Get(language string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.servers[language]
	return cfg, ok
}

// Set registers or overrides a single language's server config, used by
// tests and by callers wiring a custom server outside the TOML file.
func (r *Registry) Set(language string, cfg ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[language] = cfg
}

// ListAvailableServers returns every registered language, sorted, for
// status reporting (spec.md's list_languages IPC request).
func (r *Registry) ListAvailableServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	langs := make([]string, 0, len(r.servers))
	for lang := range r.servers {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
