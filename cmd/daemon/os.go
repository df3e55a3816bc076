package main

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// userStateDir returns the default root directory for user-specific state
// data: $XDG_STATE_HOME or $HOME/.local/state on Unix systems and
// os.UserConfigDir everywhere else.
func userStateDir() (string, error) {
	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		return os.UserConfigDir()
	default:
		if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
			return dir, nil
		}

		home := os.Getenv("HOME")
		if home == "" {
			return "", errors.New("neither $XDG_STATE_HOME nor $HOME are defined")
		}

		return filepath.Join(home, ".local", "state"), nil
	}
}

func defaultConfigDir() string {
	dir, err := userStateDir()
	if err != nil {
		return "."
	}

	return filepath.Join(dir, "go-ctrstream")
}
