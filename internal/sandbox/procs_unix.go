//go:build !windows

package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

type procScanner struct {
	pattern string
}

func newPlatformScanner(pattern string) ProcessScanner {
	return &procScanner{pattern: pattern}
}

// Scan walks /proc and matches the pattern as a substring of the command
// line. Kernel threads and unreadable entries are skipped.
func (s *procScanner) Scan() ([]int, error) {
	if s.pattern == "" {
		return nil, nil
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	pattern := []byte(s.pattern)
	var pids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil || len(cmdline) == 0 {
			continue
		}
		// cmdline is NUL separated.
		if bytes.Contains(bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '}), pattern) {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// Kill targets the whole process group when one exists so a sandbox shell
// takes its children down with it.
func (s *procScanner) Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}
