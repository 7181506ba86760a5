// Package settings provides the executor settings snapshot frozen onto each task at creation.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Snapshot is the provider/model configuration captured when a task is created.
// It is never modified afterwards.
type Snapshot struct {
	Provider    string  `json:"provider" yaml:"provider"`
	Model       string  `json:"model" yaml:"model"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// Source supplies the current settings.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Static always returns the same snapshot.
type Static Snapshot

func (s Static) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot(s), nil
}

// File reads settings from a YAML file on every call, so edits only affect tasks
// created afterwards. Missing keys fall back to Defaults.
type File struct {
	Path     string
	Defaults Snapshot
}

func (f *File) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return f.Defaults, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read settings file %s: %w", f.Path, err)
	}

	snap := f.Defaults
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse settings file %s: %w", f.Path, err)
	}
	return snap, nil
}

// Save writes s to path as YAML.
func Save(path string, s Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", path, err)
	}
	return nil
}
