package cli

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/term"

	"github.com/Extra-Chill/apc/internal/config"
	"github.com/Extra-Chill/apc/internal/device"
	"github.com/Extra-Chill/apc/internal/device/nmc"
	"github.com/Extra-Chill/apc/internal/device/snmp"
)

// DialParams is everything a Dialer needs to reach the strip. Password
// is already resolved, and Timeout already reflects any --timeout flag.
type DialParams struct {
	Config   *config.Config
	Password string
	Timeout  time.Duration
}

// Dialer opens a driver for the configured protocol.
type Dialer func(ctx context.Context, p DialParams) (device.Driver, error)

// PasswordPrompt asks the user for a password. A nil PasswordPrompt means
// there is nobody to ask.
type PasswordPrompt func(prompt string) (string, error)

func dialDriver(ctx context.Context, p DialParams) (device.Driver, error) {
	cfg := p.Config
	switch cfg.Protocol {
	case config.ProtocolSNMP:
		client, err := snmp.Dial(ctx, snmp.Config{
			Host:      cfg.Hostname,
			Port:      uint16(cfg.Port),
			Community: cfg.Community,
			Timeout:   p.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		knownHosts, err := config.ExpandPath(cfg.KnownHosts)
		if err != nil {
			return nil, err
		}
		client, err := nmc.Dial(ctx, nmc.Config{
			Addr:       net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port)),
			User:       cfg.User,
			Password:   p.Password,
			Timeout:    p.Timeout,
			KnownHosts: knownHosts,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

// terminalPrompt reads a password from the controlling terminal without
// echo. It returns nil when stdin is not a terminal.
func terminalPrompt() PasswordPrompt {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	return func(prompt string) (string, error) {
		fmt.Fprint(os.Stderr, prompt)
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(password), nil
	}
}

// credentials returns the secret the configured protocol authenticates
// with, prompting for an SSH password when none is configured.
func credentials(env *Env) (string, error) {
	cfg := env.Config
	if cfg.Protocol == config.ProtocolSNMP {
		if cfg.Community == "" || config.Unresolved(cfg.Community) {
			return "", configError{fmt.Errorf("%w: community is required for snmp", config.ErrInvalid)}
		}
		return "", nil
	}

	password := cfg.Password
	if config.Unresolved(password) {
		log.Printf("WARNING: password %s is not set in the environment", password)
		password = ""
	}
	if password != "" {
		return password, nil
	}
	if env.Prompt == nil {
		return "", configError{ErrMissingPassword}
	}
	prompted, err := env.Prompt(fmt.Sprintf("%s@%s's password: ", cfg.User, cfg.Hostname))
	if err != nil {
		return "", err
	}
	if prompted == "" {
		return "", configError{ErrMissingPassword}
	}
	return prompted, nil
}

// openDevice resolves credentials and dials the strip.
func openDevice(ctx context.Context, env *Env) (*device.Device, error) {
	password, err := credentials(env)
	if err != nil {
		return nil, err
	}

	cfg := env.Config
	timeout := env.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}

	dial := env.Dial
	if dial == nil {
		dial = dialDriver
	}
	driver, err := dial(ctx, DialParams{Config: cfg, Password: password, Timeout: timeout})
	if err != nil {
		return nil, &device.Error{Host: cfg.Hostname, Action: device.ActionConnect, Err: err}
	}
	return device.New(cfg.Hostname, cfg.User, password, cfg.Aliases, driver), nil
}
