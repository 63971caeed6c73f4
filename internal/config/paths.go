package config

import (
	"os"
	"path/filepath"
)

const DefaultInstance = "default"

// InstancePaths contains all paths for an engine-manager instance.
type InstancePaths struct {
	Home       string // Instance home directory
	ConfigDB   string // SQLite configuration store path
	PIDFile    string // Daemon pidfile path
	DaemonLog  string // Daemon log file path
	EngineLogs string // Per-engine console log directory
	TempDir    string // Temporary files directory
}

// GetInstancePaths returns all paths for a given instance.
// Empty instance name defaults to "default".
func GetInstancePaths(instanceName string) InstancePaths {
	if instanceName == "" {
		instanceName = DefaultInstance
	}

	instanceDir := filepath.Join(GetManagerHome(), "instances", instanceName)

	return InstancePaths{
		Home:       instanceDir,
		ConfigDB:   filepath.Join(instanceDir, "config.db"),
		PIDFile:    filepath.Join(instanceDir, "daemon.pid"),
		DaemonLog:  filepath.Join(instanceDir, "daemon.log"),
		EngineLogs: filepath.Join(instanceDir, "logs"),
		TempDir:    filepath.Join(instanceDir, "tmp"),
	}
}

// GetManagerHome returns the engine-manager home directory (~/.enginemgr).
// ENGINEMGR_HOME overrides the default location.
func GetManagerHome() string {
	if override := os.Getenv("ENGINEMGR_HOME"); override != "" {
		return override
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".enginemgr")
}

// InstanceName returns the active instance name, honouring the
// ENGINEMGR_INSTANCE environment variable.
func InstanceName() string {
	if name := os.Getenv("ENGINEMGR_INSTANCE"); name != "" {
		return name
	}
	return DefaultInstance
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureInstanceDirs creates the directory structure for the given instance if it does not exist.
func EnsureInstanceDirs(instanceName string) (InstancePaths, error) {
	paths := GetInstancePaths(instanceName)

	dirs := []string{
		paths.Home,
		paths.EngineLogs,
		paths.TempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return paths, err
		}
	}

	return paths, nil
}
