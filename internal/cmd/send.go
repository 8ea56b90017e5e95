package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/runger/malachi/internal/gitrepo"
	"github.com/runger/malachi/internal/pipe"
	"github.com/runger/malachi/internal/protocol"
)

var (
	sendFormat  string
	queryRepo   string
	queryID     string
	errNoDaemon = errors.New("daemon is not running")
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Write a command to the daemon's pipe",
	Long: `Write one command frame to the running daemon.

The frame uses the configured protocol.format unless --format is given.
The legacy format only carries file events and shutdown.

Examples:
  malachi send add                      # index the enclosing repository
  malachi send add ~/src/project
  malachi send query parser errors --repo ~/src/project
  malachi send shutdown
  malachi send --format legacy file added /src/r <head> README.md <blob>`,
	GroupID: groupClient,
}

var sendAddCmd = &cobra.Command{
	Use:   "add [path]",
	Short: "Ask the daemon to index a repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := repoArg(args)
		if err != nil {
			return err
		}
		return sendCommand(cmd, protocol.Add{Path: path})
	},
}

var sendRemoveCmd = &cobra.Command{
	Use:   "remove <path>",
	Short: "Ask the daemon to forget a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return sendCommand(cmd, protocol.Remove{Path: path})
	},
}

var sendQueryCmd = &cobra.Command{
	Use:   "query <terms...>",
	Short: "Send a search query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := protocol.Query{
			QueryID: queryID,
			Terms:   strings.Join(args, " "),
		}
		if q.QueryID == "" {
			q.QueryID = uuid.NewString()
		}
		if queryRepo != "" {
			repo, err := filepath.Abs(queryRepo)
			if err != nil {
				return err
			}
			q.RepoFilter = repo
		}
		return sendCommand(cmd, q)
	},
}

var sendShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask the daemon to stop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(cmd, protocol.Shutdown{})
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "file <added|changed|removed> <root> <root-hash> <leaf> <leaf-hash>",
	Short: "Send a legacy file event",
	Args:  cobra.ExactArgs(5),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev := protocol.FileEvent{Root: args[1], RootHash: args[2], Leaf: args[3], LeafHash: args[4]}
		var c protocol.Command
		switch args[0] {
		case "added":
			c = protocol.Added{FileEvent: ev}
		case "changed":
			c = protocol.Changed{FileEvent: ev}
		case "removed":
			c = protocol.Removed{FileEvent: ev}
		default:
			return fmt.Errorf("unknown file event %q (must be added, changed, or removed)", args[0])
		}
		return sendCommand(cmd, c)
	},
}

var sendGenerationCmd = &cobra.Command{
	Use:   "generation",
	Short: "Send a legacy generation separator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveFormat()
		if err != nil {
			return err
		}
		if format != protocol.FormatLegacy {
			return fmt.Errorf("generation separators need the legacy format (configured: %s)", format)
		}
		if err := writeFrame(protocol.GenerationMark()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "sent generation")
		return nil
	},
}

func init() {
	sendCmd.PersistentFlags().StringVar(&sendFormat, "format", "", "wire format: json or legacy (default: protocol.format)")
	sendQueryCmd.Flags().StringVar(&queryRepo, "repo", "", "restrict the query to one repository")
	sendQueryCmd.Flags().StringVar(&queryID, "id", "", "query id (default: a random UUID)")

	sendCmd.AddCommand(sendAddCmd)
	sendCmd.AddCommand(sendRemoveCmd)
	sendCmd.AddCommand(sendQueryCmd)
	sendCmd.AddCommand(sendShutdownCmd)
	sendCmd.AddCommand(sendFileCmd)
	sendCmd.AddCommand(sendGenerationCmd)
}

// repoArg returns the repository root for add: the enclosing repository of
// the working directory when no path is given.
func repoArg(args []string) (string, error) {
	if len(args) == 1 {
		return filepath.Abs(args[0])
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	root, err := gitrepo.TopLevel(cwd)
	if err != nil {
		return "", fmt.Errorf("no repository given and %s is not inside one: %w", cwd, err)
	}
	return root, nil
}

func resolveFormat() (protocol.Format, error) {
	if sendFormat != "" {
		return protocol.ParseFormat(sendFormat)
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return "", err
	}
	return protocol.ParseFormat(cfg.Protocol.Format)
}

func sendCommand(cmd *cobra.Command, c protocol.Command) error {
	format, err := resolveFormat()
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(format, c)
	if err != nil {
		return err
	}
	if err := writeFrame(frame); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", c.Op())
	return nil
}

func writeFrame(frame []byte) error {
	path := defaultPaths().PipeFile()
	if ok, err := pipe.IsFIFO(path); err != nil {
		return err
	} else if !ok {
		if _, statErr := os.Lstat(path); statErr == nil {
			return fmt.Errorf("%s is not a FIFO", path)
		}
		return fmt.Errorf("%w (no pipe at %s)", errNoDaemon, path)
	}

	w, err := pipe.OpenWriter(path)
	if err != nil {
		if errors.Is(err, pipe.ErrNoReader) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w (no reader on %s)", errNoDaemon, path)
		}
		return err
	}
	defer w.Close()

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write to %s: %w", path, err)
	}
	return nil
}
