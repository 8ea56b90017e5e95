package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/runger/malachi/internal/config"
	"github.com/runger/malachi/internal/daemon"
	"github.com/runger/malachi/internal/pipe"
	"github.com/runger/malachi/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show malachi status",
	Long: `Show the current status of malachi, including:
- Daemon status (running/stopped) and its command pipe
- Configuration file location
- Database location and the indexed repositories

Examples:
  malachi status`,
	GroupID: groupDaemon,
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	paths := defaultPaths()
	cfg, err := config.LoadFromFile(configPath(paths))
	if err != nil {
		fmt.Fprintf(out, "%sWarning:%s %v (using defaults)\n", colorYellow, colorReset, err)
		cfg = config.DefaultConfig()
	}

	fmt.Fprintf(out, "%smalachi Status%s\n", colorBold, colorReset)
	fmt.Fprintln(out, strings.Repeat("-", 40))

	printDaemonStatus(out, paths)

	fmt.Fprintf(out, "\n%sConfiguration:%s\n", colorBold, colorReset)
	file := configPath(paths)
	if _, err := os.Stat(file); err == nil {
		fmt.Fprintf(out, "  File:     %s\n", file)
	} else {
		fmt.Fprintf(out, "  File:     %s (not found, using defaults)\n", file)
	}
	fmt.Fprintf(out, "  Format:   %s\n", cfg.Protocol.Format)
	fmt.Fprintf(out, "  Index:    %s\n", formatBool(cfg.Index.Enabled))

	return printIndex(cmd.Context(), out, paths)
}

func printDaemonStatus(out io.Writer, paths *config.Paths) {
	fmt.Fprintf(out, "\n%sDaemon:%s\n", colorBold, colorReset)
	if pid, running := daemon.IsRunningWithPaths(paths); running {
		fmt.Fprintf(out, "  Status:   %srunning%s\n", colorGreen, colorReset)
		if pid > 0 {
			fmt.Fprintf(out, "  PID:      %d\n", pid)
		}
	} else {
		fmt.Fprintf(out, "  Status:   %snot running%s\n", colorDim, colorReset)
	}

	pipePath := paths.PipeFile()
	if ok, _ := pipe.IsFIFO(pipePath); ok {
		fmt.Fprintf(out, "  Pipe:     %s\n", pipePath)
	} else {
		fmt.Fprintf(out, "  Pipe:     %s %s(absent)%s\n", pipePath, colorDim, colorReset)
	}

	if err := daemon.ValidateDirectoryPermissions(paths.RuntimeDir); err != nil {
		fmt.Fprintf(out, "  %sWarning:%s %v\n", colorYellow, colorReset, err)
	}
}

func printIndex(ctx context.Context, out io.Writer, paths *config.Paths) error {
	fmt.Fprintf(out, "\n%sStorage:%s\n", colorBold, colorReset)
	dbFile := paths.DatabaseFile()
	info, err := os.Stat(dbFile)
	if err != nil {
		fmt.Fprintf(out, "  Database: %s (not created)\n", dbFile)
		return nil
	}
	fmt.Fprintf(out, "  Database: %s (%s)\n", dbFile, humanize.IBytes(uint64(info.Size()))) //nolint:gosec // G115: file sizes are non-negative

	store, err := storage.OpenSQLiteStore(dbFile)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	integrity := colorGreen + "ok" + colorReset
	if err := store.IntegrityCheck(ctx); err != nil {
		integrity = colorRed + err.Error() + colorReset
	}
	fmt.Fprintf(out, "  Integrity: %s\n", integrity)

	history, err := storage.LoadRecoveryHistory(filepath.Join(filepath.Dir(dbFile), storage.RecoveryHistoryFile))
	if err == nil && len(history.Events) > 0 {
		last := history.Events[len(history.Events)-1]
		fmt.Fprintf(out, "  %sRecovered:%s %d time(s), last %s (backup %s)\n",
			colorYellow, colorReset, len(history.Events), humanize.Time(last.Timestamp), last.Backup)
	}

	repos, err := store.ListRepos(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}

	fmt.Fprintf(out, "\n%sRepositories:%s\n", colorBold, colorReset)
	if len(repos) == 0 {
		fmt.Fprintf(out, "  %snone indexed%s\n", colorDim, colorReset)
		fmt.Fprintf(out, "  Run 'malachi send add' inside a repository to index it.\n")
		return nil
	}
	for _, r := range repos {
		fmt.Fprintf(out, "  %s%s%s %s %s(%s files, %s)%s\n",
			colorCyan, shortHash(r.HeadSHA), colorReset, r.Path,
			colorDim, humanize.Comma(int64(r.Leaves)), humanize.Time(r.UpdatedAt), colorReset)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func formatBool(b bool) string {
	if b {
		return colorGreen + "enabled" + colorReset
	}
	return colorDim + "disabled" + colorReset
}
