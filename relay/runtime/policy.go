package runtime

// PanicPolicy decides what happens after a recovered panic has been logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging and recording it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging and recording it.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}
