package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	logsFlags := &LogsFlags{}
	hashFlags := &HashPasswordFlags{}
	cmd := &command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStatusCommand(cmd),
		createServiceCommand("start", "Start a service", cmd.Start),
		createServiceCommand("stop", "Stop a service", cmd.Stop),
		createServiceCommand("refresh", "Refresh a service's status from its process", cmd.Refresh),
		createServiceCommand("output", "Capture the latest output line of a service", cmd.CaptureOutput),
		createServiceCommand("troubleshoot", "Show recommendations for a service", cmd.Troubleshoot),
		createServiceCommand("tail", "Show the output tail of a service", cmd.Tail),
		createLifecycleCommand("start-all", "Start every service in order, pausing between starts", cmd.StartAll),
		createLifecycleCommand("stop-all", "Stop every service concurrently", cmd.StopAll),
		createLifecycleCommand("refresh-all", "Refresh the status of every service", cmd.RefreshAll),
		createLifecycleCommand("diagnose", "Run full diagnostics", cmd.Diagnose),
		createLifecycleCommand("ports", "Check the well-known service ports", cmd.Ports),
		createLifecycleCommand("processes", "Check the service processes", cmd.Processes),
		createTestPortCommand(cmd),
		createLogsCommand(cmd, logsFlags),
		createLoginCommand(cmd),
		createHashPasswordCommand(hashFlags),
		createVersionCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svconsole",
		Short: "Service lifecycle and diagnostics console",
		Long: `svconsole supervises the webserver, task and extract services and
diagnoses their ports, processes and output.

Examples:
  svconsole serve --config=svconsole.toml   # Run the console server
  svconsole start-all                       # Start every service
  svconsole status
  svconsole diagnose --output=json
  svconsole logs --source=extract`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "console server URL (default from config, http://127.0.0.1:8080/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 3*time.Minute, "request timeout")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", "table", "output format: table|json")
	root.PersistentFlags().StringVar(&flags.Username, "user", "", "API username when the server has auth enabled")
	root.PersistentFlags().StringVar(&flags.Password, "password", os.Getenv("SVCONSOLE_PASSWORD"), "API password (default $SVCONSOLE_PASSWORD)")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("SVCONSOLE_TOKEN"), "API bearer token from 'svconsole login' (default $SVCONSOLE_TOKEN)")
	return root
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show service status",
		Long: `Show the lifecycle record of every service, or of one service.

Examples:
  svconsole status
  svconsole status extract`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(cmd, name)
		},
	}
}

type serviceAction func(cmd *cobra.Command, name string) error

func createServiceCommand(use, short string, run serviceAction) *cobra.Command {
	return &cobra.Command{
		Use:     use + " <service>",
		Short:   short,
		Example: "  svconsole " + use + " webserver",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}
}

func createLifecycleCommand(use, short string, run func(cmd *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd)
		},
	}
}

func createTestPortCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:     "test-port <port>",
		Short:   "Test whether a TCP port accepts connections",
		Example: "  svconsole test-port 8000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}
			return c.TestPort(cmd, port)
		},
	}
}

func createLogsCommand(c *command, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show or clear the console log",
		Long: `Show the console log, newest first.

Examples:
  svconsole logs
  svconsole logs --source=system
  svconsole logs --clear`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Logs(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Source, "source", "", "only show entries from this source (a service or system)")
	cmd.Flags().BoolVar(&flags.Clear, "clear", false, "clear the console log")
	return cmd
}

func createLoginCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange --user and --password for a bearer token",
		Long: `Log in to a console server with auth enabled and print a bearer token.

Examples:
  export SVCONSOLE_TOKEN=$(svconsole login --user=ops --password=secret)
  svconsole status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Login(cmd)
		},
	}
}

func createHashPasswordCommand(flags *HashPasswordFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for a [[server.auth.users]] entry",
		Long: `Print the bcrypt hash to use as password_hash in the config.
Without an argument the password is read from the first line of stdin.

Examples:
  svconsole hash-password secret
  echo secret | svconsole hash-password`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return hashPassword(cmd, args, *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Cost, "cost", 0, "bcrypt cost (default 10)")
	return cmd
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the svconsole version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "svconsole", version)
		},
	}
}
