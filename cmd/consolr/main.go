package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/consolr/pkg/client"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

// buildRoot creates the root command with every subcommand attached
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	consolrCommand := command{out: out, global: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)

	root.AddCommand(
		createServeCommand(globalFlags),
		createListCommand(consolrCommand),
		createStatusCommand(consolrCommand),
		createRegisterCommand(consolrCommand),
		createUnregisterCommand(consolrCommand),
		createStartCommand(consolrCommand),
		createStopCommand(consolrCommand),
		createSendCommand(consolrCommand),
		createConsoleCommand(consolrCommand),
		createClearCommand(consolrCommand),
		createAttachCommand(consolrCommand),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "consolr",
		Short: "Game server supervisor with a live console",
		Long: `Consolr runs dedicated game servers as child processes, captures their
console output and forwards commands to their stdin.

Examples:
  consolr serve --config=consolr.toml      # Start daemon
  consolr register /srv/beammp --name=race
  consolr start <id>
  consolr send <id> say hello
  consolr attach <id>                      # Interactive console
  consolr list --api-url=http://remote:8090/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (default derived from --config or "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "timeout for daemon API requests")

	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the consolr daemon",
		Long: `Start the consolr daemon. Servers listed in the config are registered,
stored registrations are restored, and the HTTP API is served until
SIGINT or SIGTERM. On shutdown every running server is stopped.

Examples:
  consolr serve                        # Defaults, no config file
  consolr serve consolr.toml
  consolr serve --daemonize --pidfile=/run/consolr.pid --logfile=/var/log/consolr.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServe(cmd.Context(), serveFlags, args, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")

	return cmd
}

func createListCommand(c command) *cobra.Command {
	f := &OutputFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	f := &OutputFlags{}
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createRegisterCommand(c command) *cobra.Command {
	f := &RegisterFlags{}
	cmd := &cobra.Command{
		Use:   "register <path>",
		Short: "Register a server folder",
		Long: `Register a server folder with the daemon. The identity is derived from
the absolute path unless --id is given.

Examples:
  consolr register /srv/beammp
  consolr register ./race --name=race --stop-command=exit
  consolr register /srv/mc --executable=java --arg=-jar --arg=server.jar --arg=nogui`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Path = args[0]
			f.StopCommandSet = cmd.Flags().Changed("stop-command")
			return c.Register(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "explicit server id")
	cmd.Flags().StringVar(&f.Name, "name", "", "display name (default folder name)")
	cmd.Flags().StringVar(&f.Executable, "executable", "", "executable inside the folder (default from daemon)")
	cmd.Flags().StringArrayVar(&f.Args, "arg", nil, "argument passed to the executable (repeatable)")
	cmd.Flags().StringArrayVar(&f.Env, "env", nil, "KEY=VALUE environment override (repeatable)")
	cmd.Flags().StringVar(&f.StopCommand, "stop-command", "", "console command for a graceful stop; empty sends SIGTERM")
	return cmd
}

func createUnregisterCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <id>",
		Short: "Unregister a server, terminating it if running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Unregister(cmd.Context(), args[0])
		},
	}
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), args[0])
		},
	}
}

func createStopCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a server and wait for it to exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		},
	}
}

func createSendCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "send <id> <command...>",
		Short: "Send one console command to a running server",
		Long: `Send one line to the server's stdin. Remaining arguments are joined
with spaces.

Examples:
  consolr send <id> status
  consolr send <id> say "server restarting in 5 minutes"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Send(cmd.Context(), args[0], args[1:])
		},
	}
}

func createConsoleCommand(c command) *cobra.Command {
	f := &ConsoleFlags{}
	cmd := &cobra.Command{
		Use:   "console <id>",
		Short: "Print captured console output",
		Long: `Print the buffered console of a server. With --follow new lines are
printed as they arrive until interrupted.

Examples:
  consolr console <id>
  consolr console <id> --since=120
  consolr console <id> --follow`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.SinceSet = cmd.Flags().Changed("since")
			return c.Console(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().Uint64Var(&f.Since, "since", 0, "only lines with a sequence number above this")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep printing new lines")
	cmd.Flags().DurationVar(&f.Interval, "interval", time.Second, "poll interval for --follow")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON lines")
	return cmd
}

func createClearCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <id>",
		Short: "Clear a server's console buffer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Clear(cmd.Context(), args[0])
		},
	}
}

func createAttachCommand(c command) *cobra.Command {
	f := &AttachFlags{}
	cmd := &cobra.Command{
		Use:   "attach <id>",
		Short: "Open an interactive console for a server",
		Long: `Show live output and send commands. Esc or Ctrl+C detaches; the server
keeps running.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Attach(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "poll interval (default 250ms)")
	cmd.Flags().IntVar(&f.MaxLines, "max-lines", 0, "lines kept on screen (default 2000)")
	return cmd
}
