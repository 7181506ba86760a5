package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	src := &File{Path: path, Defaults: Snapshot{Provider: "anthropic", Model: "claude-sonnet-4-5", MaxTokens: 4096}}

	snap, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Model != "claude-sonnet-4-5" {
		t.Errorf("missing file: Model = %q, want defaults", snap.Model)
	}

	if err := Save(path, Snapshot{Provider: "openai", Model: "gpt-4o", MaxTokens: 2048, Temperature: 0.5}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	first, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if first.Model != "gpt-4o" || first.Temperature != 0.5 {
		t.Errorf("Snapshot() = %+v, want gpt-4o at 0.5", first)
	}

	if err := os.WriteFile(path, []byte("model: gpt-4o-mini\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	second, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if second.Model != "gpt-4o-mini" || second.Provider != "anthropic" {
		t.Errorf("Snapshot() = %+v, want gpt-4o-mini with default provider", second)
	}
	if first.Model != "gpt-4o" {
		t.Errorf("earlier snapshot changed to %q", first.Model)
	}
}

func TestFileSnapshotInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("model: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := (&File{Path: path}).Snapshot(context.Background()); err == nil {
		t.Error("Snapshot() expected parse error")
	}
}
