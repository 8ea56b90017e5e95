// Package config provides paths and configuration management for malachi.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// AppName names every per-user directory.
const AppName = "malachi"

// Paths holds all the path configurations for malachi.
type Paths struct {
	// ConfigDir is the directory for configuration files (~/.config/malachi)
	ConfigDir string

	// DataDir holds the repository index (~/.local/share/malachi)
	DataDir string

	// CacheDir is the directory for cache files (~/.cache/malachi)
	CacheDir string

	// RuntimeDir holds the command pipe, the lock file and the status
	// mirror ($XDG_RUNTIME_DIR/malachi)
	RuntimeDir string
}

// DefaultPaths resolves paths from the process environment. It falls back
// to paths under the temp directory if HOME cannot be determined, so
// callers always get a usable value.
func DefaultPaths() *Paths {
	p, err := ResolvePaths(os.Getenv, runtime.GOOS, os.Getuid(), isWritableDir)
	if err != nil {
		base := filepath.Join(os.TempDir(), AppName+"-"+strconv.Itoa(os.Getuid()))
		return &Paths{
			ConfigDir:  filepath.Join(base, "config"),
			DataDir:    filepath.Join(base, "data"),
			CacheDir:   filepath.Join(base, "cache"),
			RuntimeDir: filepath.Join(base, "run"),
		}
	}
	return p
}

// ResolvePaths computes the directories from an environment accessor so it
// can be exercised without touching the real environment. writableDir
// reports whether a directory exists and is writable by its owner.
//
// Linux and the BSDs follow the XDG Base Directory spec; the runtime
// directory falls back to /run/user/<uid>/malachi and then
// /tmp/malachi-<uid>. macOS keeps configuration and data under
// ~/Library/Application Support.
func ResolvePaths(getenv func(string) string, goos string, uid int, writableDir func(string) bool) (*Paths, error) {
	home := getenv("HOME")

	if goos == "darwin" {
		if home == "" {
			return nil, errors.New("HOME is not set")
		}
		support := filepath.Join(home, "Library", "Application Support", AppName)
		tmp := getenv("TMPDIR")
		if tmp == "" {
			tmp = "/tmp"
		}
		return &Paths{
			ConfigDir:  support,
			DataDir:    support,
			CacheDir:   filepath.Join(home, "Library", "Caches", AppName),
			RuntimeDir: filepath.Join(tmp, fmt.Sprintf("%s-%d", AppName, uid)),
		}, nil
	}

	configDir, err := xdgDir(getenv, "XDG_CONFIG_HOME", home, ".config")
	if err != nil {
		return nil, err
	}
	dataDir, err := xdgDir(getenv, "XDG_DATA_HOME", home, ".local", "share")
	if err != nil {
		return nil, err
	}
	cacheDir, err := xdgDir(getenv, "XDG_CACHE_HOME", home, ".cache")
	if err != nil {
		return nil, err
	}

	return &Paths{
		ConfigDir:  configDir,
		DataDir:    dataDir,
		CacheDir:   cacheDir,
		RuntimeDir: runtimeDir(getenv, uid, writableDir),
	}, nil
}

func xdgDir(getenv func(string) string, env, home string, fallback ...string) (string, error) {
	if v := getenv(env); v != "" {
		return filepath.Join(v, AppName), nil
	}
	if home == "" {
		return "", fmt.Errorf("neither %s nor HOME is set", env)
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, AppName)...), nil
}

func runtimeDir(getenv func(string) string, uid int, writableDir func(string) bool) string {
	if v := getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, AppName)
	}
	runUser := fmt.Sprintf("/run/user/%d", uid)
	if writableDir != nil && writableDir(runUser) {
		return filepath.Join(runUser, AppName)
	}
	return fmt.Sprintf("/tmp/%s-%d", AppName, uid)
}

func isWritableDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir() && fi.Mode().Perm()&0o200 != 0
}

// ConfigFile returns the path to the main configuration file.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, "config.yaml")
}

// DatabaseFile returns the path to the repository index.
func (p *Paths) DatabaseFile() string {
	return filepath.Join(p.DataDir, "index.db")
}

// PipeFile returns the path to the command FIFO.
func (p *Paths) PipeFile() string {
	return filepath.Join(p.RuntimeDir, "command")
}

// LockFile returns the path to the daemon lock file.
func (p *Paths) LockFile() string {
	return filepath.Join(p.RuntimeDir, AppName+".lock")
}

// StatusDir returns the root of the status mirror.
func (p *Paths) StatusDir() string {
	return filepath.Join(p.RuntimeDir, "repos")
}

// EnsureDirectories creates all necessary directories. The runtime
// directory is private to the user.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(p.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	return nil
}
