package definition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/officeflow/model"
)

// --- fake store ---

type fakeStore struct {
	mu       sync.Mutex
	versions []model.Template
	active   map[string]bool
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{active: make(map[string]bool)}
}

func (f *fakeStore) SaveVersion(_ context.Context, tmpl model.Template) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.versions = append(f.versions, tmpl)
	return nil
}

func (f *fakeStore) SetActive(_ context.Context, id string, active bool, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[id] = active
	return nil
}

func (f *fakeStore) LoadAll(context.Context) ([]model.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Template, len(f.versions))
	for i, t := range f.versions {
		t.Active = f.active[t.ID] || t.Active
		out[i] = t
	}
	return out, nil
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return ts }
}

// --- Register ---

func TestRegistry_Register_firstVersion(t *testing.T) {
	r := NewRegistry(WithClock(fixedClock()))
	got, err := r.Register(context.Background(), validTemplate())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestRegistry_Register_invalid(t *testing.T) {
	r := NewRegistry()
	tmpl := validTemplate()
	tmpl.Steps = nil
	_, err := r.Register(context.Background(), tmpl)
	if !model.IsDefinitionError(err) {
		t.Fatalf("error = %v, want definition error", err)
	}
	if _, err := r.GetTemplate("expense"); !model.IsCode(err, model.ErrNotFound) {
		t.Error("invalid template must not be registered")
	}
}

func TestRegistry_Register_bumpsVersionOnEdit(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	if _, err := r.Register(ctx, validTemplate()); err != nil {
		t.Fatal(err)
	}

	edited := validTemplate()
	edited.Description = "now with notes"
	got, err := r.Register(ctx, edited)
	if err != nil {
		t.Fatalf("Register edit: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}

	v1, err := r.GetTemplateVersion("expense", 1)
	if err != nil {
		t.Fatalf("GetTemplateVersion(1): %v", err)
	}
	if v1.Description != "" {
		t.Errorf("v1 description = %q, old version must be retained", v1.Description)
	}
}

func TestRegistry_Register_identicalIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := NewRegistry(WithStore(store))
	if _, err := r.Register(ctx, validTemplate()); err != nil {
		t.Fatal(err)
	}
	got, err := r.Register(ctx, validTemplate())
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if len(store.versions) != 1 {
		t.Errorf("stored versions = %d, want 1", len(store.versions))
	}
}

func TestRegistry_Register_duplicateName(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	if _, err := r.Register(ctx, validTemplate()); err != nil {
		t.Fatal(err)
	}
	other := validTemplate()
	other.ID = "expense-2"
	_, err := r.Register(ctx, other)
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

func TestRegistry_Register_storeError(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("disk full")
	r := NewRegistry(WithStore(store))
	if _, err := r.Register(context.Background(), validTemplate()); err == nil {
		t.Fatal("expected store error")
	}
	if len(r.List()) != 0 {
		t.Error("failed save must not publish the template")
	}
}

func TestRegistry_Register_returnsCopy(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	got, err := r.Register(ctx, validTemplate())
	if err != nil {
		t.Fatal(err)
	}
	got.Steps[0].ID = "mutated"

	stored, _ := r.GetTemplate("expense")
	if stored.Steps[0].ID != "review" {
		t.Error("registry state was mutated through a returned template")
	}
}

// --- SetActive ---

func TestRegistry_SetActive(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	r := NewRegistry(WithStore(store))
	if _, err := r.Register(ctx, validTemplate()); err != nil {
		t.Fatal(err)
	}

	got, err := r.SetActive(ctx, "expense", true)
	if err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if !got.Active || got.Version != 1 {
		t.Errorf("SetActive = active %v version %d, want true 1", got.Active, got.Version)
	}
	if !store.active["expense"] {
		t.Error("activation not persisted")
	}

	v1, _ := r.GetTemplateVersion("expense", 1)
	if !v1.Active {
		t.Error("activation should apply to stored versions")
	}

	if _, err := r.SetActive(ctx, "ghost", true); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("SetActive(ghost) = %v, want NOT_FOUND", err)
	}
}

func TestRegistry_newVersionKeepsActivation(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, _ = r.Register(ctx, validTemplate())
	_, _ = r.SetActive(ctx, "expense", true)

	edited := validTemplate()
	edited.Description = "v2"
	got, err := r.Register(ctx, edited)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Active {
		t.Error("new version should inherit activation flag")
	}
}

// --- Reads ---

func TestRegistry_GetTemplate_notFound(t *testing.T) {
	r := NewRegistry()
	if _, err := r.GetTemplate("nope"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
	if _, err := r.GetTemplateVersion("nope", 1); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestRegistry_List_sortedByName(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	a := validTemplate()
	a.ID, a.Name = "b", "Zeta"
	b := validTemplate()
	b.ID, b.Name = "a", "Alpha"
	_, _ = r.Register(ctx, a)
	_, _ = r.Register(ctx, b)

	list := r.List()
	if len(list) != 2 || list[0].Name != "Alpha" || list[1].Name != "Zeta" {
		t.Errorf("List() = %+v", list)
	}
}

func TestRegistry_Checksum_changes(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	empty := r.Checksum()
	_, _ = r.Register(ctx, validTemplate())
	if r.Checksum() == empty {
		t.Error("checksum should change after register")
	}
}

// --- Hydrate ---

func TestRegistry_Hydrate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	first := NewRegistry(WithStore(store))
	_, _ = first.Register(ctx, validTemplate())
	edited := validTemplate()
	edited.Description = "v2"
	_, _ = first.Register(ctx, edited)

	second := NewRegistry(WithStore(store))
	if err := second.Hydrate(ctx); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	latest, err := second.GetTemplate("expense")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Version != 2 {
		t.Errorf("latest version = %d, want 2", latest.Version)
	}
	if _, err := second.GetTemplateVersion("expense", 1); err != nil {
		t.Errorf("version 1 missing after hydrate: %v", err)
	}

	// Registering the same definition again after hydrate is a no-op.
	got, err := second.Register(ctx, edited)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func TestRegistry_concurrentAccess(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, _ = r.Register(ctx, validTemplate())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.GetTemplate("expense")
			_ = r.List()
		}()
		go func(n int) {
			defer wg.Done()
			tmpl := validTemplate()
			tmpl.Description = string(rune('a' + n%26))
			_, _ = r.Register(ctx, tmpl)
		}(i)
	}
	wg.Wait()

	latest, err := r.GetTemplate("expense")
	if err != nil {
		t.Fatal(err)
	}
	for v := 1; v <= latest.Version; v++ {
		if _, err := r.GetTemplateVersion("expense", v); err != nil {
			t.Errorf("version %d missing", v)
		}
	}
}
