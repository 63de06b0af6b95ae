// Package nmc drives an APC Network Management Card over its SSH command line.
package nmc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Extra-Chill/apc/internal/device"
)

const defaultTimeout = 10 * time.Second

// Config holds connection settings for one card.
type Config struct {
	Addr       string // host:port
	User       string
	Password   string
	Timeout    time.Duration
	KnownHosts string // OpenSSH known_hosts file; empty disables host key checks
}

// Client is an authenticated SSH connection to a card.
type Client struct {
	conn    *ssh.Client
	timeout time.Duration
}

var _ device.Driver = (*Client)(nil)

// Dial connects and authenticates to the card.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("card address required")
	}
	if cfg.User == "" {
		return nil, errors.New("user required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	hostKeys, err := hostKeyCallback(cfg.Addr, cfg.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	password := cfg.Password
	sshConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}

	// Bound the handshake; cleared once the connection is up.
	_ = netConn.SetDeadline(time.Now().Add(timeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, cfg.Addr, sshConfig)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", cfg.Addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	log.Printf("Connected to %s as %s", cfg.Addr, cfg.User)
	return &Client{
		conn:    ssh.NewClient(sshConn, chans, reqs),
		timeout: timeout,
	}, nil
}

func hostKeyCallback(addr, knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		log.Printf("WARNING: host key of %s is not verified", addr)
		log.Printf("WARNING: set known_hosts in the config to enable verification")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(knownHostsPath)
}

// Switch sends one outlet control command. It is never retried.
func (c *Client) Switch(ctx context.Context, port int, action device.Action) error {
	command, err := switchCommand(port, action)
	if err != nil {
		return err
	}

	out, err := c.Run(ctx, command)
	if err != nil {
		return err
	}
	_, err = parseResponse(command, out)
	return err
}

// Status reads the state of every outlet.
func (c *Client) Status(ctx context.Context) ([]device.Outlet, error) {
	const command = "olStatus all"

	out, err := c.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	lines, err := parseResponse(command, out)
	if err != nil {
		return nil, err
	}
	return parseStatus(lines), nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Run executes one CLI command in a fresh shell session and returns the
// text printed between the command and the next prompt.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	// The card's CLI only runs inside an interactive shell.
	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("vt100", 24, 200, modes); err != nil {
		return "", fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		return "", err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := session.Shell(); err != nil {
		return "", fmt.Errorf("start shell: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(stdout)
	if _, err := readToPrompt(reader); err != nil {
		return "", fmt.Errorf("wait for prompt: %w", contextError(ctx, err))
	}

	log.Printf("nmc> %s", command)
	if _, err := io.WriteString(stdin, command+"\r\n"); err != nil {
		return "", fmt.Errorf("send %q: %w", command, contextError(ctx, err))
	}

	out, err := readToPrompt(reader)
	if err != nil {
		return "", fmt.Errorf("read reply to %q: %w", command, contextError(ctx, err))
	}

	_, _ = io.WriteString(stdin, "exit\r\n")
	return out, nil
}

// contextError prefers the context's error over the I/O error it caused.
func contextError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
