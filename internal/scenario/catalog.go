// Package scenario provides the conversation template catalog: embedded
// built-in scenarios, scenarios loaded from a directory, scenarios persisted
// in the store, and GenAI-authored scenarios.
package scenario

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/store"
)

//go:embed builtin/*.json
var builtinFS embed.FS

// Catalog error variables.
var (
	// ErrScenarioNotFound indicates the requested scenario ID is unknown.
	ErrScenarioNotFound = errors.New("scenario not found")
	// ErrNoGenerator indicates GenAI authoring was requested without a generator configured.
	ErrNoGenerator = errors.New("scenario generator not configured")
	// ErrBuiltinReadOnly indicates an attempt to overwrite a built-in scenario.
	ErrBuiltinReadOnly = errors.New("built-in scenarios are read-only")
)

// Generator authors a conversation template from a free-text brief.
// Implemented by internal/genai; tests provide a fake.
type Generator interface {
	GenerateScenario(ctx context.Context, brief string) (models.ConversationTemplate, error)
}

// Opts holds configuration options for the catalog.
type Opts struct {
	Store     store.Store
	Dir       string
	Generator Generator
}

// Option defines a configuration option for the catalog.
type Option func(*Opts)

// WithStore attaches a persistence backend for custom scenarios.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithDirectory loads additional scenario files (*.json) from a directory.
func WithDirectory(dir string) Option {
	return func(o *Opts) { o.Dir = dir }
}

// WithGenerator attaches a GenAI scenario author.
func WithGenerator(g Generator) Option {
	return func(o *Opts) { o.Generator = g }
}

// Catalog resolves scenario IDs to validated conversation templates.
// Precedence on ID collision: built-in, then directory, then store.
type Catalog struct {
	mu        sync.RWMutex
	builtins  map[string]models.ConversationTemplate
	fromDir   map[string]models.ConversationTemplate
	store     store.Store
	generator Generator
}

// NewCatalog creates a catalog with the embedded built-in scenarios plus any
// configured directory and store sources.
func NewCatalog(opts ...Option) (*Catalog, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewCatalog invoked", "dir", cfg.Dir, "store_set", cfg.Store != nil, "generator_set", cfg.Generator != nil)

	c := &Catalog{
		builtins:  make(map[string]models.ConversationTemplate),
		fromDir:   make(map[string]models.ConversationTemplate),
		store:     cfg.Store,
		generator: cfg.Generator,
	}
	if err := c.loadBuiltins(); err != nil {
		return nil, err
	}
	if cfg.Dir != "" {
		if err := c.LoadDirectory(cfg.Dir); err != nil {
			return nil, err
		}
	}
	slog.Info("Scenario catalog ready", "builtin", len(c.builtins), "from_dir", len(c.fromDir))
	return c, nil
}

func (c *Catalog) loadBuiltins() error {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return fmt.Errorf("failed to read embedded scenarios: %w", err)
	}
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read embedded scenario %s: %w", entry.Name(), err)
		}
		tpl, err := parseTemplate(data)
		if err != nil {
			return fmt.Errorf("embedded scenario %s invalid: %w", entry.Name(), err)
		}
		c.builtins[tpl.Metadata.ID] = tpl
	}
	return nil
}

// LoadDirectory parses every *.json file in dir as a conversation template.
// Invalid files are skipped with a warning rather than failing the whole load.
func (c *Catalog) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Error("Catalog.LoadDirectory failed", "error", err, "dir", dir)
		return fmt.Errorf("failed to read scenario directory %s: %w", dir, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Catalog.LoadDirectory: unreadable file skipped", "error", err, "path", path)
			continue
		}
		tpl, err := parseTemplate(data)
		if err != nil {
			slog.Warn("Catalog.LoadDirectory: invalid scenario skipped", "error", err, "path", path)
			continue
		}
		c.fromDir[tpl.Metadata.ID] = tpl
		loaded++
	}
	slog.Info("Catalog directory loaded", "dir", dir, "loaded", loaded)
	return nil
}

// Get resolves one scenario by ID.
func (c *Catalog) Get(id string) (models.ConversationTemplate, error) {
	c.mu.RLock()
	if tpl, ok := c.builtins[id]; ok {
		c.mu.RUnlock()
		return tpl, nil
	}
	if tpl, ok := c.fromDir[id]; ok {
		c.mu.RUnlock()
		return tpl, nil
	}
	c.mu.RUnlock()

	if c.store != nil {
		sc, err := c.store.GetScenario(id)
		if err == nil {
			return parseTemplate([]byte(sc.Definition))
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.ConversationTemplate{}, err
		}
	}
	return models.ConversationTemplate{}, fmt.Errorf("scenario %s: %w", id, ErrScenarioNotFound)
}

// List returns every known scenario, built-ins first, ordered by ID within
// each source.
func (c *Catalog) List() ([]models.ConversationTemplate, error) {
	c.mu.RLock()
	out := make([]models.ConversationTemplate, 0, len(c.builtins)+len(c.fromDir))
	out = append(out, sortedValues(c.builtins)...)
	out = append(out, sortedValues(c.fromDir)...)
	c.mu.RUnlock()

	if c.store != nil {
		stored, err := c.store.ListScenarios()
		if err != nil {
			slog.Error("Catalog.List: store listing failed", "error", err)
			return nil, err
		}
		for _, sc := range stored {
			tpl, err := parseTemplate([]byte(sc.Definition))
			if err != nil {
				slog.Warn("Catalog.List: stored scenario invalid, skipped", "error", err, "id", sc.ID)
				continue
			}
			out = append(out, tpl)
		}
	}
	return out, nil
}

// Save validates and persists a custom scenario to the store.
func (c *Catalog) Save(tpl models.ConversationTemplate) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	c.mu.RLock()
	_, isBuiltin := c.builtins[tpl.Metadata.ID]
	c.mu.RUnlock()
	if isBuiltin {
		return fmt.Errorf("scenario %s: %w", tpl.Metadata.ID, ErrBuiltinReadOnly)
	}
	if c.store == nil {
		// Without a store, saved scenarios live only for the process lifetime.
		c.mu.Lock()
		c.fromDir[tpl.Metadata.ID] = tpl
		c.mu.Unlock()
		return nil
	}
	definition, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("failed to marshal scenario %s: %w", tpl.Metadata.ID, err)
	}
	sc := models.StoredScenario{
		ID:         tpl.Metadata.ID,
		Title:      tpl.Metadata.Title,
		Definition: string(definition),
		CreatedAt:  time.Now(),
	}
	if err := c.store.SaveScenario(sc); err != nil {
		return err
	}
	slog.Info("Catalog scenario saved", "id", sc.ID, "title", sc.Title)
	return nil
}

// Generate authors a new scenario from a brief via the configured generator,
// validates it, and persists it like Save.
func (c *Catalog) Generate(ctx context.Context, brief string) (models.ConversationTemplate, error) {
	if c.generator == nil {
		return models.ConversationTemplate{}, ErrNoGenerator
	}
	slog.Debug("Catalog.Generate invoked", "brief_len", len(brief))
	tpl, err := c.generator.GenerateScenario(ctx, brief)
	if err != nil {
		slog.Error("Catalog.Generate: generation failed", "error", err)
		return models.ConversationTemplate{}, err
	}
	if err := c.Save(tpl); err != nil {
		return models.ConversationTemplate{}, fmt.Errorf("generated scenario rejected: %w", err)
	}
	slog.Info("Catalog scenario generated", "id", tpl.Metadata.ID, "messages", len(tpl.Messages))
	return tpl, nil
}

// parseTemplate unmarshals and validates one scenario document.
func parseTemplate(data []byte) (models.ConversationTemplate, error) {
	var tpl models.ConversationTemplate
	if err := json.Unmarshal(data, &tpl); err != nil {
		return tpl, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := tpl.Validate(); err != nil {
		return tpl, err
	}
	return tpl, nil
}

func sortedValues(m map[string]models.ConversationTemplate) []models.ConversationTemplate {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.ConversationTemplate, 0, len(m))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
