package core

// Process exit codes. Signal exits follow the 128 + signal convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1

	// ExitCodeConfig means configuration was missing or invalid.
	ExitCodeConfig = 2

	// ExitCodeStartup means a required dependency (database, storage,
	// Discord login) could not be initialized.
	ExitCodeStartup = 3

	ExitCodeSIGINT  = 130
	ExitCodeSIGTERM = 143
)

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeConfig:
		return "configuration error"
	case ExitCodeStartup:
		return "startup failure"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}

// IsSignalExit reports whether code is a signal-based termination.
func IsSignalExit(code int) bool {
	return code == ExitCodeSIGINT || code == ExitCodeSIGTERM
}
