package cmd

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/runger/malachi/internal/filter"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// reportedModules are the dependencies whose versions affect what the
// daemon indexes.
var reportedModules = []string{
	"github.com/go-git/go-git/v5",
	"modernc.org/sqlite",
}

var versionCmd = &cobra.Command{
	Use:     "version",
	Short:   "Print version information",
	GroupID: groupSetup,
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout(), readBuildInfo)
	},
}

func readBuildInfo() (*debug.BuildInfo, bool) { return debug.ReadBuildInfo() }

func printVersion(out io.Writer, buildInfo func() (*debug.BuildInfo, bool)) {
	fmt.Fprintf(out, "malachi %s\n", Version)
	fmt.Fprintf(out, "  commit: %s\n", GitCommit)
	fmt.Fprintf(out, "  built:  %s\n", BuildDate)

	if info, ok := buildInfo(); ok {
		fmt.Fprintf(out, "  go:     %s\n", info.GoVersion)
		for _, path := range reportedModules {
			if v := moduleVersion(info, path); v != "" {
				fmt.Fprintf(out, "  %s %s\n", path, v)
			}
		}
	}

	fmt.Fprintln(out, "filters:")
	for _, f := range filter.Defaults().All() {
		fmt.Fprintf(out, "  %s=%s\n", f.Name(), f.Version())
	}
}

func moduleVersion(info *debug.BuildInfo, path string) string {
	for _, dep := range info.Deps {
		if dep.Path != path {
			continue
		}
		if dep.Replace != nil {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return ""
}
