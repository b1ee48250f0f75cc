package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command with all subcommands writing to out
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags, out),
		createWorkerCommand(),
		createCreateCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createWatchCommand(c),
		createArchiveCommand(c),
		createMetricsCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "simrunner",
		Short: "Simulation runner server and client",
		Long: `simrunner runs simulations in worker processes, records their frames
to an archive and streams progress to clients over websockets.

Examples:
  simrunner serve --config=simrunner.toml
  simrunner create --name=colony --source="max_steps=100"
  simrunner watch --uuid=<uuid>
  simrunner status --api-url=http://remote:8080`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

// addAPIFlags adds the remote daemon connection flags
func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL including base path (default http://localhost:8080)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags, out io.Writer) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the simrunner daemon",
		Long: `Start the simrunner HTTP and websocket server.
Configuration comes from the TOML file and SIMRUNNER_* environment variables.

Examples:
  simrunner serve
  simrunner serve simrunner.toml
  simrunner serve --daemonize --pidfile=/run/simrunner.pid --logfile=/var/log/simrunner.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *serveFlags
			f.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), f, args, out)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// createWorkerCommand creates the hidden worker subcommand run by process workers
func createWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Run one simulation (started by the daemon)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

// createCreateCommand creates the create subcommand
func createCreateCommand(c command) *cobra.Command {
	f := &CreateFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a simulation",
		Long: `Create a simulation and print its uuid.

Examples:
  simrunner create --name=colony --source="max_steps=100"
  simrunner create --name=colony --source-file=./colony.txt --follow
  simrunner create --name=custom --repo=https://github.com/acme/model.git --branch=main --version=v1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Create(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "simulation name (required)")
	cmd.Flags().StringVar(&f.Source, "source", "", "simulation source text")
	cmd.Flags().StringVar(&f.SourceFile, "source-file", "", "read the source text from a file")
	cmd.Flags().StringVar(&f.Backend, "backend", "", "built-in backend tag")
	cmd.Flags().StringVar(&f.Repo, "repo", "", "git repository of a backend to fetch")
	cmd.Flags().StringVar(&f.Branch, "branch", "main", "branch of --repo")
	cmd.Flags().StringVar(&f.Version, "version", "", "version label of --repo")
	cmd.Flags().BoolVar(&f.Follow, "follow", false, "stream events after creating")
	addAPIFlags(cmd, &f.APIFlags)
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	cmd.MarkFlagsMutuallyExclusive("source", "source-file")
	cmd.MarkFlagsMutuallyExclusive("backend", "repo")
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c command) *cobra.Command {
	f := &SimulationFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.UUID, "uuid", "", "simulation uuid (required)")
	addAPIFlags(cmd, &f.APIFlags)
	if err := cmd.MarkFlagRequired("uuid"); err != nil {
		panic(err)
	}
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command) *cobra.Command {
	f := &SimulationFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show running simulations",
		Long: `Show one simulation, or every running simulation without --uuid.

Examples:
  simrunner status
  simrunner status --uuid=<uuid>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.UUID, "uuid", "", "simulation uuid (optional)")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

// createWatchCommand creates the watch subcommand
func createWatchCommand(c command) *cobra.Command {
	f := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream the live events of a simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Watch(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.UUID, "uuid", "", "simulation uuid (required)")
	cmd.Flags().IntVar(&f.Frames, "frames", 0, "stop after this many frames (0 waits for the end)")
	addAPIFlags(cmd, &f.APIFlags)
	if err := cmd.MarkFlagRequired("uuid"); err != nil {
		panic(err)
	}
	return cmd
}

// createArchiveCommand creates the archive subcommand
func createArchiveCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "List archived simulations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Archive(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// createMetricsCommand creates the metrics subcommand
func createMetricsCommand(c command) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show worker process resource usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Metrics(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}
