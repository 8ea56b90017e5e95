package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/runger/malachi/internal/config"
)

func init() {
	disableColors()
}

// withPaths points the CLI at a fresh set of directories and resets the
// flag globals cobra leaves behind between Execute calls.
func withPaths(t *testing.T) *config.Paths {
	t.Helper()
	base := t.TempDir()
	paths := &config.Paths{
		ConfigDir:  filepath.Join(base, "config"),
		DataDir:    filepath.Join(base, "data"),
		CacheDir:   filepath.Join(base, "cache"),
		RuntimeDir: filepath.Join(base, "run"),
	}

	oldPaths := defaultPaths
	defaultPaths = func() *config.Paths { return paths }
	resetFlags()
	t.Setenv("MALACHI_PROTOCOL", "")
	t.Setenv("MALACHI_LOG_LEVEL", "")
	t.Setenv("MALACHI_DEBUG", "")
	t.Cleanup(func() {
		defaultPaths = oldPaths
		resetFlags()
	})
	return paths
}

func resetFlags() {
	debugFlag = false
	configFile = ""
	metricsAddr = ""
	sendFormat = ""
	queryRepo = ""
	queryID = ""
}

// runCLI executes the root command and returns what it printed. It must
// not call require so it can run inside Eventually.
func runCLI(args ...string) (string, error) {
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func testRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o600))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(t, err)
	return dir, hash.String()
}
