package core

import (
	"os"
	"path/filepath"
	"testing"
)

func TestComputeSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lora.safetensors")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	got, err := ComputeSHA256(path)
	if err != nil {
		t.Fatalf("ComputeSHA256() error = %v", err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("ComputeSHA256() = %s, want %s", got, want)
	}

	if _, err := ComputeSHA256(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := ComputeSHA256(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestHashString(t *testing.T) {
	if got := HashString("hello"); got != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("HashString() = %s", got)
	}
	if HashString("a") == HashString("b") {
		t.Error("distinct inputs should hash differently")
	}
}
