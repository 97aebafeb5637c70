package sandbox

// ProcessScanner finds and kills sandbox-owned OS processes. The manager
// diffs Scan results around environment creation to learn which PIDs a
// session owns, and kills exactly those at cleanup.
type ProcessScanner interface {
	// Scan returns the PIDs whose command line matches the configured
	// pattern.
	Scan() ([]int, error)
	// Kill terminates the process (and its group where the platform
	// supports it).
	Kill(pid int) error
}

// NewProcessScanner returns the platform scanner for the given command-line
// substring pattern. An empty pattern matches nothing, which disables
// owned-PID tracking.
func NewProcessScanner(pattern string) ProcessScanner {
	return newPlatformScanner(pattern)
}
