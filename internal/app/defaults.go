package app

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	envConfigPath = "FILEMON_CONFIG_PATH"
	envHome       = "FILEMON_HOME"
)

// Paths are the locations filemon uses before a config file has been read.
type Paths struct {
	ConfigPath string
	BaseDir    string
}

// DefaultPaths resolves Paths from FILEMON_CONFIG_PATH and FILEMON_HOME.
// Unset variables fall back to ~/.config/filemon.toml and ~/.local/share/filemon.
func DefaultPaths() (Paths, error) {
	p := Paths{
		ConfigPath: os.Getenv(envConfigPath),
		BaseDir:    os.Getenv(envHome),
	}
	if p.ConfigPath != "" && p.BaseDir != "" {
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, fmt.Errorf("cannot determine home directory: %w", err)
	}
	if p.ConfigPath == "" {
		p.ConfigPath = filepath.Join(home, ".config", "filemon.toml")
	}
	if p.BaseDir == "" {
		p.BaseDir = filepath.Join(home, ".local", "share", "filemon")
	}
	return p, nil
}
