package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetManagerHome(t *testing.T) {
	t.Setenv("ENGINEMGR_HOME", "")

	home := GetManagerHome()

	userHome, _ := os.UserHomeDir()
	expected := filepath.Join(userHome, ".enginemgr")

	if home != expected {
		t.Errorf("GetManagerHome() = %s; want %s", home, expected)
	}
}

func TestGetManagerHomeOverride(t *testing.T) {
	t.Setenv("ENGINEMGR_HOME", "/tmp/em-home")

	if home := GetManagerHome(); home != "/tmp/em-home" {
		t.Errorf("GetManagerHome() = %s; want /tmp/em-home", home)
	}
}

func TestGetInstancePaths(t *testing.T) {
	t.Setenv("ENGINEMGR_HOME", "")

	paths := GetInstancePaths("")

	if !strings.Contains(paths.ConfigDB, "instances/default/config.db") {
		t.Errorf("ConfigDB path incorrect: %s", paths.ConfigDB)
	}
	if !strings.Contains(paths.PIDFile, "instances/default/daemon.pid") {
		t.Errorf("PIDFile path incorrect: %s", paths.PIDFile)
	}
	if !strings.Contains(paths.DaemonLog, "instances/default/daemon.log") {
		t.Errorf("DaemonLog path incorrect: %s", paths.DaemonLog)
	}
	if !strings.Contains(paths.EngineLogs, "instances/default/logs") {
		t.Errorf("EngineLogs path incorrect: %s", paths.EngineLogs)
	}
	if !strings.Contains(paths.Home, "instances/default") {
		t.Errorf("Home path incorrect: %s", paths.Home)
	}
}

func TestGetInstancePathsNamed(t *testing.T) {
	paths1 := GetInstancePaths("")
	paths2 := GetInstancePaths("default")
	paths3 := GetInstancePaths("lab")

	if paths1.ConfigDB != paths2.ConfigDB {
		t.Error("Empty string and 'default' should give same paths")
	}
	if paths1.ConfigDB == paths3.ConfigDB {
		t.Error("Named instance should get its own directory")
	}
}

func TestInstanceName(t *testing.T) {
	t.Setenv("ENGINEMGR_INSTANCE", "")
	if got := InstanceName(); got != DefaultInstance {
		t.Errorf("InstanceName() = %s; want %s", got, DefaultInstance)
	}

	t.Setenv("ENGINEMGR_INSTANCE", "lab")
	if got := InstanceName(); got != "lab" {
		t.Errorf("InstanceName() = %s; want lab", got)
	}
}

func TestEnsureInstanceDirs(t *testing.T) {
	t.Setenv("ENGINEMGR_HOME", t.TempDir())

	paths, err := EnsureInstanceDirs("default")
	if err != nil {
		t.Fatalf("EnsureInstanceDirs: %v", err)
	}

	for _, dir := range []string{paths.Home, paths.EngineLogs, paths.TempDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestExpandPath(t *testing.T) {
	tests := []struct {
		input    string
		contains string
	}{
		{"~/test", "/test"},
		{"~", ""},
		{"/absolute/path", "/absolute/path"},
		{"", ""},
	}

	for _, tt := range tests {
		result := ExpandPath(tt.input)
		if tt.input == "~" {
			home, _ := os.UserHomeDir()
			if result != home {
				t.Errorf("ExpandPath(%q) = %q; want home directory", tt.input, result)
			}
		} else if tt.input != "" && !strings.Contains(result, tt.contains) {
			t.Errorf("ExpandPath(%q) = %q; should contain %q", tt.input, result, tt.contains)
		}
	}
}
