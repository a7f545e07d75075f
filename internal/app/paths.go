package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths stores resolved runtime file locations for user config, logs, and persisted state.
type Paths struct {
	RootDir    string
	ConfigFile string
	LogFile    string
	StateDir   string
}

func ResolvePaths() (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}

	return PathsIn(filepath.Join(cfgRoot, Name))
}

// PathsIn lays the app files out under root and creates the directories.
func PathsIn(root string) (Paths, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}
	state := filepath.Join(root, StateDirname)
	if err := os.MkdirAll(state, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app state dir: %w", err)
	}

	return Paths{
		RootDir:    root,
		ConfigFile: filepath.Join(root, ConfigFilename),
		LogFile:    filepath.Join(root, LogFilename),
		StateDir:   state,
	}, nil
}
