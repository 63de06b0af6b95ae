// Package device models an APC power strip and its outlet ports.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/Extra-Chill/apc/internal/alias"
)

// Action is an operation sent to the strip.
type Action string

const (
	ActionOn    Action = "on"
	ActionOff   Action = "off"
	ActionReset Action = "reset"

	// Non-actuating operations, used to label errors.
	ActionStatus  Action = "status"
	ActionConnect Action = "connect"
)

// State is the power state of an outlet.
type State string

const (
	StateOn      State = "On"
	StateOff     State = "Off"
	StateUnknown State = "Unknown"
)

// statusAttempts bounds retries for read-only queries. State-changing
// actions are sent exactly once.
const statusAttempts = 2

// ErrInvalidPort is returned for port numbers below 1.
var ErrInvalidPort = errors.New("port number must be positive")

// ErrNoSuchPort is returned when the strip reports no outlet with a number.
var ErrNoSuchPort = errors.New("no such outlet")

// Outlet is one port as reported by the strip.
type Outlet struct {
	Port  int
	Name  string // name configured on the strip itself
	State State

	Alias       string // local alias, empty if none
	Description string // local alias description
}

// Driver speaks a management protocol to the strip.
type Driver interface {
	Switch(ctx context.Context, port int, action Action) error
	Status(ctx context.Context) ([]Outlet, error)
	Close() error
}

// Error is a device-communication failure with the attempted context.
type Error struct {
	Host   string
	Port   int
	Action Action
	Err    error
}

func (e *Error) Error() string {
	if e.Port > 0 {
		return fmt.Sprintf("%s port %d on %s: %v", e.Action, e.Port, e.Host, e.Err)
	}
	return fmt.Sprintf("%s on %s: %v", e.Action, e.Host, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Device is a handle to one power strip.
type Device struct {
	Host     string
	User     string
	Password string
	Ports    *alias.Table

	driver Driver
}

// New creates a device handle. ports may be nil.
func New(host, user, password string, ports *alias.Table, driver Driver) *Device {
	if driver == nil {
		panic("device: nil driver")
	}
	if ports == nil {
		ports = alias.NewTable()
	}
	return &Device{
		Host:     host,
		User:     user,
		Password: password,
		Ports:    ports,
		driver:   driver,
	}
}

// PortName returns the alias of num, or "Unknown". Never contacts the strip.
func (d *Device) PortName(num int) string {
	return d.Ports.Name(num)
}

// PortNum returns the port bound to name, or -1. Never contacts the strip.
func (d *Device) PortNum(name string) int {
	return d.Ports.Num(name)
}

// On switches port on.
func (d *Device) On(ctx context.Context, port int) error {
	return d.do(ctx, port, ActionOn)
}

// Off switches port off.
func (d *Device) Off(ctx context.Context, port int) error {
	return d.do(ctx, port, ActionOff)
}

// Reset power-cycles port.
func (d *Device) Reset(ctx context.Context, port int) error {
	return d.do(ctx, port, ActionReset)
}

func (d *Device) do(ctx context.Context, port int, action Action) error {
	if port <= 0 {
		return &Error{Host: d.Host, Port: port, Action: action, Err: ErrInvalidPort}
	}

	log.Printf("Sending %s to port %d on %s", action, port, d.Host)
	if err := d.driver.Switch(ctx, port, action); err != nil {
		return &Error{Host: d.Host, Port: port, Action: action, Err: err}
	}
	return nil
}

// Status returns every outlet with local aliases merged in.
func (d *Device) Status(ctx context.Context) ([]Outlet, error) {
	var lastErr error
	for attempt := 1; attempt <= statusAttempts; attempt++ {
		outlets, err := d.driver.Status(ctx)
		if err == nil {
			for i := range outlets {
				if a, ok := d.Ports.Lookup(outlets[i].Port); ok {
					outlets[i].Alias = a.Name
					outlets[i].Description = a.Description
				}
			}
			return outlets, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Printf("Status query %d/%d on %s failed: %v", attempt, statusAttempts, d.Host, err)
	}
	return nil, &Error{Host: d.Host, Action: ActionStatus, Err: lastErr}
}

// Outlet returns the state of a single port.
func (d *Device) Outlet(ctx context.Context, port int) (Outlet, error) {
	outlets, err := d.Status(ctx)
	if err != nil {
		return Outlet{}, err
	}
	for _, o := range outlets {
		if o.Port == port {
			return o, nil
		}
	}
	return Outlet{}, &Error{Host: d.Host, Port: port, Action: ActionStatus, Err: ErrNoSuchPort}
}

// Close releases the driver connection.
func (d *Device) Close() error {
	return d.driver.Close()
}
