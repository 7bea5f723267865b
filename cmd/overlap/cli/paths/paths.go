// Package paths resolves the per-user state directory layout used by the
// tracer daemon and the overlap probe.
//
// Everything the daemon persists lives under a single directory:
// ~/.overlap on POSIX, %USERPROFILE%\.overlap on Windows. The directory
// holds config, durable tracer state, the team-state mirror, the PID file,
// and daemon logs. All writers in this package use temp-file-then-rename so
// concurrent readers never observe a half-written file.
package paths

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// StateDirEnvVar overrides the state directory location.
// Used by tests; also useful for running multiple tracers side by side.
const StateDirEnvVar = "OVERLAP_STATE_DIR"

// File names inside the state directory.
const (
	ConfigFileName    = "config.json"
	StateFileName     = "state.json"
	CacheFileName     = "cache.json"
	TeamStateFileName = "team-state.json"
	PIDFileName       = "tracer.pid"
	ReloadFlagName    = "reload"
	VersionCacheName  = "version-check.json"
	LogsDirName       = "logs"
	LogFileName       = "tracer.log"
	ErrorLogFileName  = "tracer.error.log"
)

// Dir returns the per-user state directory.
// Honors the OVERLAP_STATE_DIR environment variable if set.
func Dir() (string, error) {
	if override := os.Getenv(StateDirEnvVar); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".overlap"), nil
}

// EnsureDirs creates the state directory and its logs subdirectory.
func EnsureDirs() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, LogsDirName), 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return nil
}

// ConfigFile returns the path to config.json.
func ConfigFile() (string, error) { return stateFile(ConfigFileName) }

// StateFile returns the path to state.json (tracked-file table).
func StateFile() (string, error) { return stateFile(StateFileName) }

// CacheFile returns the path to cache.json (repo rosters + git remote cache).
func CacheFile() (string, error) { return stateFile(CacheFileName) }

// TeamStateFile returns the path to the team-state mirror.
func TeamStateFile() (string, error) { return stateFile(TeamStateFileName) }

// PIDFile returns the path to tracer.pid.
func PIDFile() (string, error) { return stateFile(PIDFileName) }

// ReloadFlagFile returns the path to the Windows reload trigger file.
func ReloadFlagFile() (string, error) { return stateFile(ReloadFlagName) }

// VersionCacheFile returns the path to the update-check cache.
func VersionCacheFile() (string, error) { return stateFile(VersionCacheName) }

// LogFile returns the path to the daemon's stdout log.
func LogFile() (string, error) { return stateFile(filepath.Join(LogsDirName, LogFileName)) }

// ErrorLogFile returns the path to the daemon's stderr log.
func ErrorLogFile() (string, error) { return stateFile(filepath.Join(LogsDirName, ErrorLogFileName)) }

func stateFile(name string) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// AtomicWriteFile writes data to path via a temp file in the same directory
// followed by a rename. The durable file is never mutated in place.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp_")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close() // cleanup on error path
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// AtomicWriteJSON pretty-prints v (two-space indent, trailing newline) and
// writes it atomically. All persisted JSON artifacts go through this.
func AtomicWriteJSON(path string, v any) error {
	data, err := MarshalIndentWithNewline(v)
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, data, 0o600)
}

// MarshalIndentWithNewline is like json.MarshalIndent but adds a trailing
// newline so persisted files have proper POSIX line endings.
func MarshalIndentWithNewline(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding JSON: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePIDFile records pid in tracer.pid. The write is in place, not
// temp-then-rename: the daemon holds an advisory lock on this file and a
// rename would swap the locked inode away.
func WritePIDFile(pid int) error {
	path, err := PIDFile()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile returns the recorded daemon PID.
// Returns 0 (not an error) if the file does not exist.
func ReadPIDFile() (int, error) {
	path, err := PIDFile()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is from PIDFile
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file: %w", err)
	}
	return pid, nil
}

// RemovePIDFile removes tracer.pid, but only if it still records ownPID.
// A newer daemon may have replaced the file; its record must survive.
func RemovePIDFile(ownPID int) error {
	recorded, err := ReadPIDFile()
	if err != nil || recorded != ownPID {
		return err
	}
	path, err := PIDFile()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// ToRelativePath converts an absolute path to one relative to root.
// Returns empty string if the path escapes root.
func ToRelativePath(absPath, root string) string {
	if !filepath.IsAbs(absPath) {
		return absPath
	}
	relPath, err := filepath.Rel(root, absPath)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(relPath)
}
