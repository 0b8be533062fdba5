package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
	"github.com/ReplayDeck/ReplayPipe/internal/store"
	"github.com/ReplayDeck/ReplayPipe/internal/testutil"
)

func TestBuiltinScenariosLoadAndValidate(t *testing.T) {
	c, err := NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	list, err := c.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) < 3 {
		t.Fatalf("builtin scenario count = %d, want at least 3", len(list))
	}
	for _, tpl := range list {
		if err := tpl.Validate(); err != nil {
			t.Errorf("builtin %s invalid: %v", tpl.Metadata.ID, err)
		}
	}

	tpl, err := c.Get("builtin_support_ticket")
	if err != nil {
		t.Fatalf("Get(builtin_support_ticket) error = %v", err)
	}
	hasFlow := false
	for _, m := range tpl.Messages {
		if m.Flow != nil {
			hasFlow = true
		}
	}
	if !hasFlow {
		t.Error("support ticket scenario should carry a flow message")
	}
}

func TestGetUnknownScenario(t *testing.T) {
	c, err := NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if _, err := c.Get("nope"); !errors.Is(err, ErrScenarioNotFound) {
		t.Errorf("Get(nope) error = %v, want ErrScenarioNotFound", err)
	}
}

func TestLoadDirectorySkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	valid := testutil.NewTemplate("sc_dir", testutil.TimedMessage{Delay: 0, Typing: 500})
	writeScenario(t, filepath.Join(dir, "valid.json"), valid)
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := NewCatalog(WithDirectory(dir))
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if _, err := c.Get("sc_dir"); err != nil {
		t.Errorf("Get(sc_dir) error = %v", err)
	}
}

func TestSaveAndGetThroughStore(t *testing.T) {
	st := store.NewInMemoryStore()
	c, err := NewCatalog(WithStore(st))
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	tpl := testutil.NewTemplate("sc_custom", testutil.TimedMessage{Delay: 100, Typing: 700})
	if err := c.Save(tpl); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := c.Get("sc_custom")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Metadata.Title != tpl.Metadata.Title || len(got.Messages) != 1 {
		t.Errorf("round-tripped scenario differs: %+v", got)
	}

	list, err := c.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	found := false
	for _, item := range list {
		if item.Metadata.ID == "sc_custom" {
			found = true
		}
	}
	if !found {
		t.Error("stored scenario missing from List()")
	}
}

func TestSaveRejectsInvalidAndBuiltinIDs(t *testing.T) {
	c, err := NewCatalog(WithStore(store.NewInMemoryStore()))
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	bad := testutil.NewTemplate("sc_bad", testutil.TimedMessage{Delay: 0, Typing: 100})
	bad.Messages[0].Content = ""
	if err := c.Save(bad); !errors.Is(err, models.ErrEmptyContent) {
		t.Errorf("Save(invalid) error = %v, want ErrEmptyContent", err)
	}

	shadow := testutil.NewTemplate("builtin_pizza_order", testutil.TimedMessage{Delay: 0, Typing: 100})
	if err := c.Save(shadow); !errors.Is(err, ErrBuiltinReadOnly) {
		t.Errorf("Save(builtin id) error = %v, want ErrBuiltinReadOnly", err)
	}
}

type fakeGenerator struct {
	tpl models.ConversationTemplate
	err error
}

func (g *fakeGenerator) GenerateScenario(ctx context.Context, brief string) (models.ConversationTemplate, error) {
	return g.tpl, g.err
}

func TestGenerateSavesResult(t *testing.T) {
	gen := &fakeGenerator{tpl: testutil.NewTemplate("sc_gen", testutil.TimedMessage{Delay: 0, Typing: 400})}
	c, err := NewCatalog(WithStore(store.NewInMemoryStore()), WithGenerator(gen))
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	tpl, err := c.Generate(context.Background(), "a short onboarding chat")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := c.Get(tpl.Metadata.ID); err != nil {
		t.Errorf("generated scenario not retrievable: %v", err)
	}
}

func TestGenerateWithoutGenerator(t *testing.T) {
	c, err := NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	if _, err := c.Generate(context.Background(), "brief"); !errors.Is(err, ErrNoGenerator) {
		t.Errorf("Generate() error = %v, want ErrNoGenerator", err)
	}
}

func writeScenario(t *testing.T, path string, tpl models.ConversationTemplate) {
	t.Helper()
	data, err := json.Marshal(tpl)
	if err != nil {
		t.Fatalf("marshal scenario: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
}
