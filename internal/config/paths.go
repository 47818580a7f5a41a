// Package config provides configuration loading and path management.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for daemon data.
type Paths struct {
	Data   string // ~/.local/share/ksid
	Config string // ~/.config/ksid
	Cache  string // ~/.cache/ksid
	State  string // ~/.local/state/ksid
}

// GetPaths returns the standard paths for daemon data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "ksid"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "ksid"),
		Cache:  filepath.Join(getEnvOrDefault("XDG_CACHE_HOME", defaultCacheHome()), "ksid"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "ksid"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.Cache, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// StorePath returns the default path to the bbolt database file.
func (p *Paths) StorePath() string {
	return filepath.Join(p.Data, "ksid.db")
}

// SocketPath returns the default local stream socket path.
func (p *Paths) SocketPath() string {
	return filepath.Join(p.State, "ksid.sock")
}

// LogRoot returns the default directory for event-log rotation files.
func (p *Paths) LogRoot() string {
	return filepath.Join(p.State, "log")
}

// SandboxRoot returns the default directory agent sandboxes live under.
func (p *Paths) SandboxRoot() string {
	return filepath.Join(p.Data, "sandbox")
}

// CompositionRoot returns the default directory the composition loader reads.
func (p *Paths) CompositionRoot() string {
	return filepath.Join(p.Config, "compositions")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultCacheHome() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "cache")
	}
	return filepath.Join(os.Getenv("HOME"), ".cache")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "ksid.json")
}

// ProjectConfigPath returns the path to the project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(directory, ".ksi", "ksid.json")
}
