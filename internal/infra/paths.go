package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

const (
	AppName = "ledgerd"
)

// GetWorkspaceDir returns the default data directory.
// A local "_workspace" directory wins (dev mode); otherwise the OS data dir.
func GetWorkspaceDir() string {
	localDir := "_workspace"
	if _, err := os.Stat(localDir); err == nil {
		return localDir
	}

	var baseDir string
	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, _ := os.UserHomeDir()
		baseDir = filepath.Join(home, "Library", "Application Support")
	case "linux":
		// XDG_DATA_HOME, falling back to ~/.local/share
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, _ := os.UserHomeDir()
			baseDir = filepath.Join(home, ".local", "share")
		}
	default:
		return localDir
	}
	return filepath.Join(baseDir, AppName)
}

// EnsureDir creates the directory if it doesn't exist (0755).
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// CreateLockFile claims dataDir for this process so two daemons never open
// the same database. A lock left by a process that no longer exists is taken
// over. The returned func removes the lock.
func CreateLockFile(dataDir string) (func(), error) {
	lockPath := filepath.Join(dataDir, "instance.lock")

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if pid, alive := lockOwner(lockPath); alive {
			return nil, fmt.Errorf("data dir %s is in use by pid %d (lock file %s)", dataDir, pid, lockPath)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not acquire lock file %s", lockPath)
}

// lockOwner reads the pid in a lock file and reports whether it still runs.
// Only Linux can tell; elsewhere a lock is always treated as live.
func lockOwner(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, false
	}
	if runtime.GOOS != "linux" {
		return pid, true
	}
	_, err = os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	return pid, err == nil
}

// ResolveConfigPath finds config.yaml.
// Priority: 1. configs/ under the current dir, 2. OS config dir.
func ResolveConfigPath() string {
	defaultPath := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(defaultPath); err == nil {
		return defaultPath
	}

	if configRoot, err := os.UserConfigDir(); err == nil {
		osPath := filepath.Join(configRoot, AppName, "config.yaml")
		if _, err := os.Stat(osPath); err == nil {
			return osPath
		}
	}
	// Let LoadConfig report the missing file.
	return defaultPath
}
