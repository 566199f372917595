package config

import (
	"os"
	"path/filepath"
)

// configRoot returns the opencode directory under the user's config dir
// (~/.config/opencode on Linux). Falls back to the temp dir when the home
// directory cannot be resolved.
func configRoot() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "opencode")
}

// GlobalConfigPath is the machine-wide orchestrator configuration document.
func GlobalConfigPath() string {
	return filepath.Join(configRoot(), "orchestrator.json")
}

// ProjectConfigPath is the per-project configuration document.
func ProjectConfigPath(projectDir string) string {
	return filepath.Join(projectDir, ".opencode", "orchestrator.json")
}

// LegacyProjectConfigPath is the pre-.opencode location, still honored.
func LegacyProjectConfigPath(projectDir string) string {
	return filepath.Join(projectDir, "orchestrator.json")
}

// DeviceRegistryPath is the machine-wide worker/session inventory document.
func DeviceRegistryPath() string {
	return filepath.Join(configRoot(), "orchestrator-device-registry.json")
}

// LockDir holds per-profile lock files.
func LockDir() string {
	return filepath.Join(configRoot(), "orchestrator-locks")
}

// HistoryDBPath is the sqlite archive of finished jobs and messages.
func HistoryDBPath() string {
	return filepath.Join(configRoot(), "orchestrator-history.db")
}

// WorkflowLibraryPath is the YAML workflow-definition library.
func WorkflowLibraryPath() string {
	return filepath.Join(configRoot(), "workflows.yaml")
}

// LogFilePath is the default orchestrator log file.
func LogFilePath() string {
	return filepath.Join(configRoot(), "mcp-orchestrator.log")
}
