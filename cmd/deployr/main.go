package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRoot().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	deployrCommand := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(deployrCommand),
		createDeployCommand(deployrCommand),
		createAbortCommand(deployrCommand),
		createHistoryCommand(deployrCommand),
		createJobsCommand(deployrCommand),
		createLoginCommand(deployrCommand),
		createHashPasswordCommand(),
		createTemplateCommand(deployrCommand),
	)
	return root
}

// createRootCommand creates the root command with persistent connection flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "deployr",
		Short: "Serialized deployment runner",
		Long: `Deployr runs configured deployment jobs behind an HTTP API and allows
one run per resource class at a time across every server that shares the
same lease store.

Examples:
  deployr serve --config deployr.toml
  deployr deploy fr --param fr-version=1.4.0
  deployr abort fr
  deployr history fr --build-id 12 --log`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.ServerURL, "server", "", "deployr API base URL (default "+defaultServerURL+")")
	pf.DurationVar(&flags.Timeout, "timeout", defaultTimeout, "timeout for non-streaming API calls")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate to verify an HTTPS server")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&flags.Token, "token", "", "bearer token from 'deployr login'")
	pf.StringVar(&flags.Username, "username", "", "basic auth user (password from "+passwordEnv+")")
	return root
}

func createServeCommand(c command) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the deployr API server",
		Long: `Start the deployr API server. All configuration is loaded from the
TOML file given by --config or as the first argument; DEPLOYR_* environment
variables override file values.

Examples:
  deployr serve --config deployr.toml
  deployr serve deployr.toml --daemonize   # pidfile from [server].pidfile`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func createDeployCommand(c command) *cobra.Command {
	flags := &DeployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy <job>",
		Short: "Run a deployment job and stream its output",
		Long: `Run a deployment job on the server and stream its output until it ends.
Interrupting the command disconnects from the server, which aborts the run.

Examples:
  deployr deploy fr --param fr-version=1.4.0 --param structure-search-version=2.0.1
  deployr deploy ml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Deploy(cmd.Context(), args[0], *flags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringArrayVarP(&flags.Params, "param", "p", nil, "job parameter as key=value (repeatable)")
	return cmd
}

func createAbortCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <job>",
		Short: "Abort the running deployment of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Abort(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}
}

func createHistoryCommand(c command) *cobra.Command {
	flags := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history <job>",
		Short: "Show recorded runs of a job",
		Long: `Show the recent runs of a job, newest first, or one build in full.

Examples:
  deployr history fr
  deployr history fr --build-id 12
  deployr history fr --build-id 12 --log   # print only the output log`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.History(cmd.Context(), args[0], *flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Int64Var(&flags.BuildID, "build-id", 0, "show a single build")
	cmd.Flags().BoolVar(&flags.LogOnly, "log", false, "with --build-id, print only the output log")
	return cmd
}

func createJobsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List configured jobs",
		Long: `List jobs from the file given by --config, or from the server when no
config is given. The server listing includes whether each job is running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Jobs(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createLoginCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange --username and $" + passwordEnv + " for a bearer token",
		Long: `Log in to a server with authentication enabled and print a bearer token
for use with --token.

Examples:
  DEPLOYR_PASSWORD=... deployr login --username ops --server https://deploy:8081/api/v1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Login(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Long: `Read a password from the first line of stdin and print the bcrypt hash
to put in an [[auth.users]] password_hash entry.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return hashPassword(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func createTemplateCommand(c command) *cobra.Command {
	flags := &TemplateFlags{}
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Print a starter job definition",
		Long: `Generate a [[jobs]] block for common deployment shapes. Append it to the
config file and edit the commands.

Supported template types:
  script  - versioned deploy script with a required version param
  gradle  - git checkout followed by a gradle deploy task
  docker  - docker compose pull and up with a required tag param
  simple  - a single echo command

Examples:
  deployr template --type=script --name=fr >> deployr.toml
  deployr template --type=gradle --name=ml --output=ml.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Template(*flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", "", "template type (required): script, gradle, docker, simple")
	cmd.Flags().StringVar(&flags.Name, "name", "", "job name (defaults to <type>-job)")
	cmd.Flags().StringVar(&flags.Output, "output", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing output file")
	if err := cmd.MarkFlagRequired("type"); err != nil {
		panic(err)
	}
	return cmd
}
