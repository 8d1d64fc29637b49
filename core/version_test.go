package core

import (
	"strings"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	result := GetVersionInfo()

	if !strings.HasPrefix(result, Version) {
		t.Errorf("GetVersionInfo() = %q, should start with version %q", result, Version)
	}
	if !strings.Contains(result, "commit "+GitCommit) {
		t.Errorf("GetVersionInfo() = %q, should contain commit %q", result, GitCommit)
	}
}
