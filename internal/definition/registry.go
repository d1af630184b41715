package definition

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/model"
)

// TemplateStore persists template versions so the registry survives restarts.
type TemplateStore interface {
	// SaveVersion stores a new template version. Returns CONFLICT when the
	// name is already taken by another template.
	SaveVersion(ctx context.Context, tmpl model.Template) error

	// SetActive updates the activation flag of a template.
	SetActive(ctx context.Context, templateID string, active bool, at time.Time) error

	// LoadAll returns every stored version of every template.
	LoadAll(ctx context.Context) ([]model.Template, error)
}

// snapshot is an immutable view of all registered templates.
type snapshot struct {
	latest   map[string]model.Template
	versions map[string]map[int]model.Template
	byName   map[string]string
	sums     map[string]string
	checksum string
}

func emptySnapshot() *snapshot {
	return &snapshot{
		latest:   make(map[string]model.Template),
		versions: make(map[string]map[int]model.Template),
		byName:   make(map[string]string),
		sums:     make(map[string]string),
	}
}

func (s *snapshot) clone() *snapshot {
	c := emptySnapshot()
	for k, v := range s.latest {
		c.latest[k] = v
	}
	for k, vs := range s.versions {
		m := make(map[int]model.Template, len(vs)+1)
		for n, t := range vs {
			m[n] = t
		}
		c.versions[k] = m
	}
	for k, v := range s.byName {
		c.byName[k] = v
	}
	for k, v := range s.sums {
		c.sums[k] = v
	}
	return c
}

func (s *snapshot) put(tmpl model.Template) {
	if prev, ok := s.latest[tmpl.ID]; ok && prev.Name != tmpl.Name {
		delete(s.byName, prev.Name)
	}
	if prev, ok := s.latest[tmpl.ID]; !ok || tmpl.Version >= prev.Version {
		s.latest[tmpl.ID] = tmpl
		s.byName[tmpl.Name] = tmpl.ID
		s.sums[tmpl.ID] = definitionChecksum(tmpl)
	}
	if s.versions[tmpl.ID] == nil {
		s.versions[tmpl.ID] = make(map[int]model.Template)
	}
	s.versions[tmpl.ID][tmpl.Version] = tmpl
}

func (s *snapshot) seal() *snapshot {
	parts := make([]string, 0, len(s.sums))
	for id, sum := range s.sums {
		parts = append(parts, fmt.Sprintf("%s@%d=%s", id, s.latest[id].Version, sum))
	}
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
	return s
}

// Registry is a read-optimized, thread-safe store of workflow templates.
// Reads use an atomic snapshot; writers serialize on a mutex and publish a
// new snapshot. Every version of every template is retained so running
// instances keep resolving steps against the version they started with.
type Registry struct {
	snap      atomic.Pointer[snapshot]
	mu        sync.Mutex
	validator *Validator
	store     TemplateStore
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists registered templates.
func WithStore(store TemplateStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		validator: NewValidator(),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(emptySnapshot().seal())
	return r
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Register validates and stores tmpl. Registering an id whose definition
// changed creates a new version; re-registering an identical definition
// returns the existing latest version unchanged.
func (r *Registry) Register(ctx context.Context, tmpl model.Template) (model.Template, error) {
	if errs := r.validator.Validate(tmpl); len(errs) > 0 {
		return model.Template{}, AsDefinitionError(tmpl.ID, errs)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current()
	if owner, ok := cur.byName[tmpl.Name]; ok && owner != tmpl.ID {
		return model.Template{}, model.NewConflictError(
			fmt.Sprintf("template name %q is already used by %q", tmpl.Name, owner),
		)
	}

	now := r.now()
	existing, exists := cur.latest[tmpl.ID]
	if exists && cur.sums[tmpl.ID] == definitionChecksum(tmpl) {
		return cloneTemplate(existing), nil
	}

	tmpl = cloneTemplate(tmpl)
	tmpl.UpdatedAt = now
	if exists {
		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.Active = existing.Active
		if tmpl.CreatedBy == "" {
			tmpl.CreatedBy = existing.CreatedBy
		}
	} else {
		tmpl.Version = 1
		tmpl.CreatedAt = now
	}

	if r.store != nil {
		if err := r.store.SaveVersion(ctx, tmpl); err != nil {
			return model.Template{}, err
		}
	}

	next := cur.clone()
	next.put(tmpl)
	r.snap.Store(next.seal())

	r.logger.Info("template registered",
		zap.String("template_id", tmpl.ID),
		zap.String("name", tmpl.Name),
		zap.Int("version", tmpl.Version),
		zap.Int("steps", len(tmpl.Steps)),
	)
	return cloneTemplate(tmpl), nil
}

// SetActive flips the activation flag of a template. It does not create a
// new version.
func (r *Registry) SetActive(ctx context.Context, templateID string, active bool) (model.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current()
	tmpl, ok := cur.latest[templateID]
	if !ok {
		return model.Template{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}
	if tmpl.Active == active {
		return cloneTemplate(tmpl), nil
	}

	now := r.now()
	if r.store != nil {
		if err := r.store.SetActive(ctx, templateID, active, now); err != nil {
			return model.Template{}, err
		}
	}

	next := cur.clone()
	for v, t := range next.versions[templateID] {
		t.Active = active
		next.versions[templateID][v] = t
	}
	tmpl.Active = active
	tmpl.UpdatedAt = now
	next.latest[templateID] = tmpl
	next.versions[templateID][tmpl.Version] = tmpl
	r.snap.Store(next.seal())

	r.logger.Info("template activation changed",
		zap.String("template_id", templateID),
		zap.Bool("active", active),
	)
	return cloneTemplate(tmpl), nil
}

// Hydrate replaces the registry contents with every version held by the
// store. Invalid stored versions are skipped and logged.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	tmpls, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := emptySnapshot()
	for _, t := range tmpls {
		if errs := r.validator.Validate(t); len(errs) > 0 {
			r.logger.Warn("skipping invalid stored template",
				zap.String("template_id", t.ID),
				zap.Int("version", t.Version),
				zap.Int("errors", len(errs)),
			)
			continue
		}
		next.put(t)
	}
	r.snap.Store(next.seal())

	r.logger.Info("templates hydrated", zap.Int("templates", len(next.latest)), zap.Int("versions", len(tmpls)))
	return nil
}

// GetTemplate returns the latest version of a template.
func (r *Registry) GetTemplate(templateID string) (model.Template, error) {
	t, ok := r.current().latest[templateID]
	if !ok {
		return model.Template{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", templateID))
	}
	return cloneTemplate(t), nil
}

// GetTemplateVersion returns a specific version of a template.
func (r *Registry) GetTemplateVersion(templateID string, version int) (model.Template, error) {
	t, ok := r.current().versions[templateID][version]
	if !ok {
		return model.Template{}, model.NewNotFoundError(
			fmt.Sprintf("template %q version %d not found", templateID, version),
		)
	}
	return cloneTemplate(t), nil
}

// List returns the latest version of every template ordered by name.
func (r *Registry) List() []model.Template {
	s := r.current()
	out := make([]model.Template, 0, len(s.latest))
	for _, t := range s.latest {
		out = append(out, cloneTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Checksum returns the combined checksum of the latest template versions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// definitionChecksum covers the fields whose change requires a new version.
func definitionChecksum(t model.Template) string {
	b, _ := json.Marshal(struct {
		Name        string       `json:"name"`
		Description string       `json:"description"`
		Steps       []model.Step `json:"steps"`
	}{t.Name, t.Description, t.Steps})
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

func cloneTemplate(t model.Template) model.Template {
	steps := make([]model.Step, len(t.Steps))
	for i, s := range t.Steps {
		s.Transitions = append([]model.Transition(nil), s.Transitions...)
		s.Approvers.Users = append([]string(nil), s.Approvers.Users...)
		s.Approvers.Roles = append([]string(nil), s.Approvers.Roles...)
		s.FileOperations = append([]string(nil), s.FileOperations...)
		steps[i] = s
	}
	t.Steps = steps
	return t
}
