// Package daemon locates the agent's local files and manages the background
// agent process.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DirName is the state directory created under the user's home.
const DirName = ".phishguard"

// DefaultDir returns the default state directory (~/.phishguard).
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// Paths are the well-known files inside one state directory.
type Paths struct {
	Dir string
}

// At returns the paths rooted at dir, or at DefaultDir when dir is empty.
func At(dir string) Paths {
	if dir == "" {
		dir = DefaultDir()
	}
	return Paths{Dir: dir}
}

func (p Paths) Config() string       { return filepath.Join(p.Dir, "agent-config.json") }
func (p Paths) Socket() string       { return filepath.Join(p.Dir, "agent.sock") }
func (p Paths) CredentialDB() string { return filepath.Join(p.Dir, "credentials.db") }
func (p Paths) PIDFile() string      { return filepath.Join(p.Dir, "agent.pid") }
func (p Paths) LogFile() string      { return filepath.Join(p.Dir, "agent.log") }

// Ensure creates the state directory with owner-only permissions.
func (p Paths) Ensure() error {
	if err := os.MkdirAll(p.Dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// WritePID records pid in the PID file.
func (p Paths) WritePID(pid int) error {
	if err := p.Ensure(); err != nil {
		return err
	}
	return os.WriteFile(p.PIDFile(), []byte(strconv.Itoa(pid)+"\n"), 0600)
}

// ReadPID reads the PID file. It returns 0 when the file doesn't exist.
func (p Paths) ReadPID() (int, error) {
	data, err := os.ReadFile(p.PIDFile())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse PID file: %w", err)
	}
	return pid, nil
}

// RemovePID deletes the PID file if present.
func (p Paths) RemovePID() error {
	err := os.Remove(p.PIDFile())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// OpenLog opens the log file for appending.
func (p Paths) OpenLog() (*os.File, error) {
	if err := p.Ensure(); err != nil {
		return nil, err
	}
	return os.OpenFile(p.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}
