package validation

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckFileExists(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("test"), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}
	testDir := filepath.Join(tmpDir, "testdir")
	if err := os.Mkdir(testDir, 0o755); err != nil {
		t.Fatalf("Failed to create test dir: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "existing file", path: testFile},
		{name: "non-existent file", path: filepath.Join(tmpDir, "nonexistent.txt"), wantErr: true},
		{name: "empty path", path: "", wantErr: true},
		{name: "directory instead of file", path: testDir, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFileExists(tt.path)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("CheckFileExists(%q) unexpected error: %v", tt.path, err)
				}
				return
			}
			if _, ok := err.(*FileExistsError); !ok {
				t.Errorf("CheckFileExists(%q) = %v, want *FileExistsError", tt.path, err)
			}
		})
	}
}

func TestCheckWritableDir(t *testing.T) {
	nested := filepath.Join(t.TempDir(), "data", "images")
	if err := CheckWritableDir(nested); err != nil {
		t.Fatalf("CheckWritableDir(%q) error = %v", nested, err)
	}
	entries, err := os.ReadDir(nested)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("probe file left behind: %v", entries)
	}

	if err := CheckWritableDir(""); err == nil {
		t.Error("CheckWritableDir(\"\") expected error")
	}

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CheckWritableDir(file); err == nil {
		t.Error("CheckWritableDir on a regular file expected error")
	}
}
