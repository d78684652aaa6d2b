package main

import (
	"os"
	"path/filepath"
)

const appDirName = "poimap"

// fileExists reports whether the given path exists and is a file (not a directory).
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// xdgConfigDir returns $XDG_CONFIG_HOME or falls back to $HOME/.config.
func xdgConfigDir() string {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return d
	}
	home := os.Getenv("HOME")
	if home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".config")
	}
	return filepath.Join(home, ".config")
}

// xdgCacheDir returns $XDG_CACHE_HOME or falls back to $HOME/.cache.
func xdgCacheDir() string {
	if d := os.Getenv("XDG_CACHE_HOME"); d != "" {
		return d
	}
	home := os.Getenv("HOME")
	if home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".cache")
	}
	return filepath.Join(home, ".cache")
}

// xdgDataDir returns $XDG_DATA_HOME or falls back to $HOME/.local/share.
func xdgDataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return d
	}
	home := os.Getenv("HOME")
	if home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".local", "share")
	}
	return filepath.Join(home, ".local", "share")
}

// defaultDataDir resolves the directory holding the search history database.
func defaultDataDir() string {
	return filepath.Join(xdgDataDir(), appDirName)
}

// defaultConfigDir resolves the directory holding persistent session state.
func defaultConfigDir() string {
	return filepath.Join(xdgConfigDir(), appDirName)
}

// defaultCacheDir resolves the directory holding the geocode cache.
func defaultCacheDir() string {
	return filepath.Join(xdgCacheDir(), appDirName)
}

// ensureDir creates the directory and any necessary parents if it doesn't exist.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
