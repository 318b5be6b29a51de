package detserve

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadLabels(t *testing.T) {

	path := filepath.Join(t.TempDir(), "labels.txt")

	content := "person\nbicycle\n\ncar\n"

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing labels: %v", err)
	}

	labels, err := LoadLabels(path)

	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// blank lines are skipped
	if len(labels) != 3 {
		t.Fatalf("expected 3 labels, got %d", len(labels))
	}

	if labels[0] != "person" || labels[2] != "car" {
		t.Errorf("labels %v", labels)
	}
}

func TestLoadLabelsEmptyFile(t *testing.T) {

	path := filepath.Join(t.TempDir(), "labels.txt")

	if err := os.WriteFile(path, []byte("\n\n"), 0o644); err != nil {
		t.Fatalf("writing labels: %v", err)
	}

	if _, err := LoadLabels(path); err == nil {
		t.Errorf("expected error for empty labels file")
	}
}

func TestClassName(t *testing.T) {

	labels := []string{"person", "car"}

	if got := ClassName(labels, 1); got != "car" {
		t.Errorf("got %q, expected car", got)
	}

	// out of range IDs fall back to a generated name
	if got := ClassName(labels, 9); got != "class_9" {
		t.Errorf("got %q, expected class_9", got)
	}

	if got := ClassName(nil, 0); got != "class_0" {
		t.Errorf("got %q, expected class_0", got)
	}
}
