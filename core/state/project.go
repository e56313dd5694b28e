package state

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/stepflow/core/infra/schema"
)

//go:embed schemas/project.schema.json
var projectSchemaJSON []byte

var projectSchema = schema.MustCompile("stepflow-project", projectSchemaJSON)

// ErrInvalidProject reports a project config that fails schema validation.
var ErrInvalidProject = errors.New("invalid project config")

// ProjectConfigManager validates and persists the project configuration.
type ProjectConfigManager struct {
	store Store
}

func NewProjectConfigManager(store Store) *ProjectConfigManager {
	return &ProjectConfigManager{store: store}
}

// Init creates the project config. It fails when one already exists.
func (m *ProjectConfigManager) Init(ctx context.Context, name, description string, units []string) (*ProjectConfig, error) {
	if _, err := m.store.LoadConfig(ctx); err == nil {
		return nil, fmt.Errorf("project already initialized")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := time.Now().UTC()
	cfg := &ProjectConfig{
		SchemaVersion: SchemaVersion,
		Name:          name,
		Description:   description,
		Units:         units,
		Settings:      map[string]any{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.Save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *ProjectConfigManager) Load(ctx context.Context) (*ProjectConfig, error) {
	cfg, err := m.store.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateProject(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save validates cfg and writes it.
func (m *ProjectConfigManager) Save(ctx context.Context, cfg *ProjectConfig) error {
	if err := validateProject(cfg); err != nil {
		return err
	}
	return m.store.SaveConfig(ctx, cfg)
}

// Update applies fn to the stored config and saves the result. Nothing is
// written when fn or validation fails.
func (m *ProjectConfigManager) Update(ctx context.Context, fn func(*ProjectConfig) error) (*ProjectConfig, error) {
	cfg, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := fn(cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := m.Save(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateProject(cfg *ProjectConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidProject)
	}
	if err := projectSchema.Validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}
	return nil
}
