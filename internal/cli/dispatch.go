package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/Extra-Chill/apc/internal/alias"
	"github.com/Extra-Chill/apc/internal/config"
	"github.com/Extra-Chill/apc/internal/device"
	"github.com/Extra-Chill/apc/internal/journal"
)

// Env is what a command handler runs against.
type Env struct {
	Config     *config.Config
	ConfigPath string
	Out        io.Writer
	Err        io.Writer

	Dial    Dialer         // nil uses the configured protocol's driver
	Prompt  PasswordPrompt // nil when no terminal is attached
	Journal *journal.Store // nil disables the action journal
	Timeout time.Duration  // overrides Config.Timeout when positive
}

// Dispatch runs cmd and returns the process exit code. A non-nil error
// is returned alongside a non-zero code.
func Dispatch(ctx context.Context, cmd Command, env *Env) (int, error) {
	switch c := cmd.(type) {
	case nil:
		return ExitUsage, ErrNoCommand
	case On:
		return switchPort(ctx, env, c.Target, device.ActionOn)
	case Off:
		return switchPort(ctx, env, c.Target, device.ActionOff)
	case Reset:
		return switchPort(ctx, env, c.Target, device.ActionReset)
	case List:
		return list(ctx, env)
	case ListAliases:
		return listAliases(env)
	case SetAlias:
		return setAlias(env, c.Name, c.Num)
	case RemoveAlias:
		return removeAlias(env, c.Name)
	case SetHost:
		return setHost(env, c.Hostname)
	case History:
		return history(env, c.Limit)
	default:
		return ExitFailure, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.commandName())
	}
}

// resolveTarget turns a port number, an alias or the empty string
// (last_port) into a port number.
func resolveTarget(cfg *config.Config, target string) (int, error) {
	if target == "" {
		if cfg.LastPort <= 0 {
			return 0, usageError{errors.New("no port given and no previous port recorded")}
		}
		return cfg.LastPort, nil
	}

	if n, err := strconv.Atoi(target); err == nil {
		if n <= 0 {
			return 0, usageError{fmt.Errorf("invalid port %d: %w", n, device.ErrInvalidPort)}
		}
		return n, nil
	}

	port := cfg.Aliases.Num(target)
	if port == alias.NoPort {
		return 0, usageError{fmt.Errorf("unknown port alias %q", target)}
	}
	return port, nil
}

func switchPort(ctx context.Context, env *Env, target string, action device.Action) (int, error) {
	cfg := env.Config
	port, err := resolveTarget(cfg, target)
	if err != nil {
		return ExitUsage, err
	}

	dev, err := openDevice(ctx, env)
	if err != nil {
		return exitCode(err), err
	}
	defer dev.Close()

	switch action {
	case device.ActionOn:
		err = dev.On(ctx, port)
	case device.ActionOff:
		err = dev.Off(ctx, port)
	default:
		err = dev.Reset(ctx, port)
	}
	if err != nil {
		// Host, port and action have their own journal fields.
		cause := err
		var devErr *device.Error
		if errors.As(err, &devErr) {
			cause = devErr.Err
		}
		record(env, port, action, cause)
		return ExitDevice, err
	}
	record(env, port, action, nil)

	cfg.LastPort = port
	if err := config.Save(env.ConfigPath, cfg); err != nil {
		return ExitFailure, err
	}

	outlet, err := dev.Outlet(ctx, port)
	if err != nil {
		fmt.Fprintf(env.Err, "WARNING: %s sent to port %d but status is unavailable: %v\n", action, port, err)
		return ExitOK, nil
	}
	fmt.Fprintf(env.Out, "Port %d (%s): %s\n", outlet.Port, outletLabel(outlet), outlet.State)
	return ExitOK, nil
}

// record journals an action. Journal failures never fail the command.
func record(env *Env, port int, action device.Action, actionErr error) {
	if env.Journal == nil {
		return
	}
	logger := journal.NewLogger(env.Journal, env.Config.Hostname)
	var name string
	if a, ok := env.Config.Aliases.Lookup(port); ok {
		name = a.Name
	}
	if err := logger.LogAction(port, name, string(action), actionErr); err != nil {
		log.Printf("WARNING: failed to journal %s on port %d: %v", action, port, err)
	}
}

func outletLabel(o device.Outlet) string {
	if o.Alias != "" {
		return o.Alias
	}
	if o.Name != "" {
		return o.Name
	}
	return alias.UnknownName
}

func list(ctx context.Context, env *Env) (int, error) {
	dev, err := openDevice(ctx, env)
	if err != nil {
		return exitCode(err), err
	}
	defer dev.Close()

	outlets, err := dev.Status(ctx)
	if err != nil {
		return ExitDevice, err
	}

	w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tSTATE\tNAME\tDESCRIPTION")
	for _, o := range outlets {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", o.Port, o.State, outletLabel(o), o.Description)
	}
	if err := w.Flush(); err != nil {
		return ExitFailure, err
	}
	return ExitOK, nil
}

func listAliases(env *Env) (int, error) {
	aliases := env.Config.Aliases.List()
	if len(aliases) == 0 {
		fmt.Fprintln(env.Out, "No aliases configured.")
		return ExitOK, nil
	}

	w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PORT\tNAME\tDESCRIPTION")
	for _, a := range aliases {
		fmt.Fprintf(w, "%d\t%s\t%s\n", a.Port, a.Name, a.Description)
	}
	if err := w.Flush(); err != nil {
		return ExitFailure, err
	}
	return ExitOK, nil
}

func setAlias(env *Env, name string, num int) (int, error) {
	aliases := env.Config.Aliases

	// Rebinding a port to a new name keeps its description.
	var description string
	if a, ok := aliases.Lookup(num); ok {
		description = a.Description
	}

	if err := aliases.Set(num, name, description); err != nil {
		return ExitUsage, usageError{err}
	}
	if err := config.Save(env.ConfigPath, env.Config); err != nil {
		return ExitFailure, err
	}
	fmt.Fprintf(env.Out, "Port %d is now %q\n", num, name)
	return ExitOK, nil
}

func removeAlias(env *Env, name string) (int, error) {
	if !env.Config.Aliases.Remove(name) {
		fmt.Fprintf(env.Out, "No alias named %q\n", name)
		return ExitFailure, nil
	}
	if err := config.Save(env.ConfigPath, env.Config); err != nil {
		return ExitFailure, err
	}
	fmt.Fprintf(env.Out, "Removed alias %q\n", name)
	return ExitOK, nil
}

func setHost(env *Env, hostname string) (int, error) {
	if hostname == "" {
		return ExitUsage, usageError{errors.New("hostname must not be empty")}
	}
	env.Config.Hostname = hostname
	if err := config.Save(env.ConfigPath, env.Config); err != nil {
		return ExitFailure, err
	}
	fmt.Fprintf(env.Out, "Hostname set to %s\n", hostname)
	return ExitOK, nil
}

func history(env *Env, limit int) (int, error) {
	if env.Journal == nil {
		fmt.Fprintln(env.Out, "Journal is disabled.")
		return ExitOK, nil
	}
	if limit <= 0 {
		return ExitUsage, usageError{fmt.Errorf("invalid history length %d", limit)}
	}

	events, err := env.Journal.Tail(limit)
	if err != nil {
		return ExitFailure, err
	}
	if len(events) == 0 {
		fmt.Fprintln(env.Out, "No actions recorded.")
		return ExitOK, nil
	}

	w := tabwriter.NewWriter(env.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tHOST\tPORT\tALIAS\tACTION\tRESULT")
	for _, e := range events {
		result := e.Result
		if e.Error != "" {
			result += ": " + e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Host, e.Port, e.Alias, e.Action, result)
	}
	if err := w.Flush(); err != nil {
		return ExitFailure, err
	}
	return ExitOK, nil
}
