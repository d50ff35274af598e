// Package lockfile implements the single-instance lock file: a JSON record
// of pid, start time, and connection info written to locallama.lock in the
// storage directory, with a liveness probe that signals the recorded pid
// with signal 0 rather than delivering one.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/locallama/router/internal/routererrors"
)

const fileName = "locallama.lock"

// Info is the JSON record written to the lock file.
type Info struct {
	PID            int       `json:"pid"`
	StartTime      time.Time `json:"start_time"`
	ConnectionInfo string    `json:"connection_info"`
}

// Lock represents an acquired lock file. Release removes it.
type Lock struct {
	path string
}

// Acquire creates the lock file in dir, failing with PreconditionFailed if
// a live process already holds it. A lock file whose recorded pid is no
// longer alive is treated as stale and silently replaced.
func Acquire(dir, connectionInfo string) (*Lock, error) {
	path := filepath.Join(dir, fileName)

	if existing, err := read(path); err == nil {
		if alive(existing.PID) {
			return nil, routererrors.PreconditionFailed(fmt.Sprintf("another instance is already running (pid %d)", existing.PID))
		}
	}

	info := Info{PID: os.Getpid(), StartTime: time.Now(), ConnectionInfo: connectionInfo}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, routererrors.Internal("failed to marshal lock file", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, routererrors.IoError("failed to create storage directory", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return nil, routererrors.IoError("failed to write lock file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, routererrors.IoError("failed to install lock file", err)
	}

	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return routererrors.IoError("failed to remove lock file", err)
	}
	return nil
}

func read(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// alive reports whether pid names a live process by sending signal 0,
// which the kernel delivers to no one but still validates the target.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
