package core

import "testing"

func TestExitCodeName(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{ExitCodeSuccess, "success"},
		{ExitCodeError, "error"},
		{ExitCodeConfig, "configuration error"},
		{ExitCodeStartup, "startup failure"},
		{ExitCodeSIGINT, "interrupted (SIGINT)"},
		{ExitCodeSIGTERM, "terminated (SIGTERM)"},
		{99, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := ExitCodeName(tt.code); got != tt.want {
				t.Errorf("ExitCodeName(%d) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestIsSignalExit(t *testing.T) {
	for _, code := range []int{ExitCodeSIGINT, ExitCodeSIGTERM} {
		if !IsSignalExit(code) {
			t.Errorf("IsSignalExit(%d) = false", code)
		}
	}
	for _, code := range []int{ExitCodeSuccess, ExitCodeError, ExitCodeConfig, ExitCodeStartup} {
		if IsSignalExit(code) {
			t.Errorf("IsSignalExit(%d) = true", code)
		}
	}
}
