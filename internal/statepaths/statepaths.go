package statepaths

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const defaultStateDirName = ".morphbridge"

func StateDir() string {
	return resolveStateDir(viper.GetString("file_state_dir"))
}

func TrustDir() string {
	return filepath.Join(StateDir(), "trust")
}

func LocksDir() string {
	return filepath.Join(StateDir(), ".fslocks")
}

func DefaultDBPath() string {
	return filepath.Join(StateDir(), "morphbridge.sqlite")
}

func resolveStateDir(configured string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return expandHomePath(configured)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultStateDirName
	}
	return filepath.Join(home, defaultStateDirName)
}

func expandHomePath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
