//go:build windows

package sandbox

import "os"

type winScanner struct {
	pattern string
}

func newPlatformScanner(pattern string) ProcessScanner {
	return &winScanner{pattern: pattern}
}

// Scan is not supported on Windows; owned-PID tracking degrades to the
// handles the subprocess environment holds directly.
func (s *winScanner) Scan() ([]int, error) {
	return nil, nil
}

func (s *winScanner) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
