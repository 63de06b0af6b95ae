// Package cli implements the apc command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/Extra-Chill/apc/internal/config"
	"github.com/Extra-Chill/apc/internal/journal"
)

// Version is the apc release.
const Version = "0.1.0"

const (
	lockTimeout        = 5 * time.Second
	journalFileName    = "history.jsonl"
	defaultHistorySize = 20
)

// Options holds the process-level dependencies of Run.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Dial   Dialer         // nil dials the real strip
	Prompt PasswordPrompt // nil never prompts
}

type app struct {
	opts Options

	configPath string
	verbose    bool
	timeout    time.Duration

	code int
}

// Main runs the CLI against the real process environment.
func Main(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Run(ctx, args, Options{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Prompt: terminalPrompt(),
	})
}

// Run parses args, executes the command and returns the exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}

	if args == nil {
		args = []string{}
	}

	a := &app{opts: opts}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)

	cmd, err := root.ExecuteContextC(ctx)
	if err == nil {
		return a.code
	}

	fmt.Fprintf(opts.Stderr, "Error: %v\n", err)
	code := a.code
	if code == ExitOK {
		code = exitCode(err)
	}
	if code == ExitUsage && cmd != nil {
		fmt.Fprint(opts.Stderr, cmd.UsageString())
	}
	return code
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "apc",
		Short: "Control the outlets of an APC power strip",
		Long: `apc switches the outlets of an APC switched rack PDU on, off or
through a power cycle, over SSH to the management card or over SNMP.
Ports can be given by number or by a local alias kept in the config file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), nil)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", config.DefaultPath(), "config file path")
	flags.BoolVar(&a.verbose, "verbose", false, "log debug output to stderr")
	flags.DurationVar(&a.timeout, "timeout", 0, "device timeout (overrides the config file)")

	root.AddCommand(
		a.switchCommand("on", "Turn a port on", func(t string) Command { return On{Target: t} }),
		a.switchCommand("off", "Turn a port off", func(t string) Command { return Off{Target: t} }),
		a.switchCommand("reset", "Power-cycle a port", func(t string) Command { return Reset{Target: t} }),
		&cobra.Command{
			Use:   "list",
			Short: "Show the state of every outlet",
			Args:  usageArgs(cobra.NoArgs),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context(), List{})
			},
		},
		&cobra.Command{
			Use:   "list-aliases",
			Short: "Show the local port aliases",
			Args:  usageArgs(cobra.NoArgs),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context(), ListAliases{})
			},
		},
		&cobra.Command{
			Use:   "set-alias <name> <num>",
			Short: "Name a port",
			Args:  usageArgs(cobra.ExactArgs(2)),
			RunE: func(cmd *cobra.Command, args []string) error {
				num, err := strconv.Atoi(args[1])
				if err != nil {
					return usageError{fmt.Errorf("invalid port number %q", args[1])}
				}
				return a.run(cmd.Context(), SetAlias{Name: args[0], Num: num})
			},
		},
		&cobra.Command{
			Use:   "rm-alias <name>",
			Short: "Remove a port alias",
			Args:  usageArgs(cobra.ExactArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context(), RemoveAlias{Name: args[0]})
			},
		},
		&cobra.Command{
			Use:   "set-host <hostname>",
			Short: "Change the power strip hostname",
			Args:  usageArgs(cobra.ExactArgs(1)),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.run(cmd.Context(), SetHost{Hostname: args[0]})
			},
		},
		a.historyCommand(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the apc version",
			Args:  usageArgs(cobra.NoArgs),
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "apc %s\n", Version)
			},
		},
	)
	return root
}

func (a *app) switchCommand(name, short string, build func(target string) Command) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [<port>]",
		Short: short,
		Long: short + `. <port> is a port number or alias; without it the
last port operated on is used.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			return a.run(cmd.Context(), build(target))
		},
	}
}

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent outlet actions",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), History{Limit: limit})
		},
	}
	cmd.Flags().IntVarP(&limit, "lines", "n", defaultHistorySize, "number of entries to show")
	return cmd
}

// usageArgs marks argument-count failures as usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// run loads the config under the lock and dispatches cmd. The lock is
// held until the command has written any changes back.
func (a *app) run(ctx context.Context, cmd Command) error {
	a.configureLog()

	if cmd == nil {
		code, err := Dispatch(ctx, nil, nil)
		a.code = code
		return err
	}

	path, err := config.ExpandPath(a.configPath)
	if err != nil {
		a.code = ExitConfig
		return configError{err}
	}

	// A missing config is reported before the lock creates anything beside it.
	if _, err := os.Stat(path); err != nil {
		a.code = ExitConfig
		return configError{fmt.Errorf("failed to read config file: %w", err)}
	}

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	lock, err := config.AcquireLock(lockCtx, path)
	cancel()
	if err != nil {
		a.code = ExitFailure
		return err
	}
	defer lock.Unlock()
	atexit.Register(lock.Unlock)

	if err := config.LoadEnvFile(path); err != nil {
		a.code = ExitConfig
		return configError{err}
	}
	cfg, err := config.Load(path)
	if err != nil {
		a.code = ExitConfig
		return configError{err}
	}
	log.Printf("Loaded config from %s (%d aliases)", path, cfg.Aliases.Len())

	store, err := a.journalStore(cfg, path)
	if err != nil {
		a.code = ExitConfig
		return configError{err}
	}

	env := &Env{
		Config:     cfg,
		ConfigPath: path,
		Out:        a.opts.Stdout,
		Err:        a.opts.Stderr,
		Dial:       a.opts.Dial,
		Prompt:     a.opts.Prompt,
		Journal:    store,
		Timeout:    a.timeout,
	}
	code, err := Dispatch(ctx, cmd, env)
	a.code = code
	if err == nil && code != ExitOK {
		// The handler already reported the failure.
		return nil
	}
	return err
}

func (a *app) journalStore(cfg *config.Config, configPath string) (*journal.Store, error) {
	path := cfg.Journal
	if path == "" {
		path = filepath.Join(filepath.Dir(configPath), journalFileName)
	}
	path, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	return journal.NewStore(path, journal.DefaultLimit), nil
}

func (a *app) configureLog() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if a.verbose {
		log.SetOutput(a.opts.Stderr)
	} else {
		log.SetOutput(io.Discard)
	}
}

