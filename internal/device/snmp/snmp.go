// Package snmp drives APC switched rack PDUs through the PowerNet MIB.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/Extra-Chill/apc/internal/device"
)

// PowerNet-MIB rPDU outlet tables.
const (
	outletCommandOID = "1.3.6.1.4.1.318.1.1.12.3.3.1.1.4"
	outletNameOID    = "1.3.6.1.4.1.318.1.1.12.3.5.1.1.2"
	outletStateOID   = "1.3.6.1.4.1.318.1.1.12.3.5.1.1.4"
)

// rPDUOutletControlOutletCommand values.
const (
	immediateOn     = 1
	immediateOff    = 2
	immediateReboot = 3
)

// rPDUOutletStatusOutletState values.
const (
	outletStatusOn  = 1
	outletStatusOff = 2
)

const defaultTimeout = 10 * time.Second

// Config holds SNMP agent settings.
type Config struct {
	Host      string
	Port      uint16
	Community string // write community
	Timeout   time.Duration
}

// Client is an SNMP session with the PDU.
type Client struct {
	snmp *gosnmp.GoSNMP
}

var _ device.Driver = (*Client)(nil)

// Dial opens the SNMP session. Requests are never retried so that a lost
// reply cannot actuate an outlet twice.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("agent host required")
	}
	if cfg.Community == "" {
		return nil, errors.New("community required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	port := cfg.Port
	if port == 0 {
		port = 161
	}

	g := &gosnmp.GoSNMP{
		Target:    cfg.Host,
		Port:      port,
		Community: cfg.Community,
		Version:   gosnmp.Version1,
		Timeout:   timeout,
		Retries:   0,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Host, err)
	}

	log.Printf("SNMP session open to %s:%d", cfg.Host, port)
	return &Client{snmp: g}, nil
}

// Switch sets the outlet control command for port.
func (c *Client) Switch(ctx context.Context, port int, action device.Action) error {
	value, err := commandValue(action)
	if err != nil {
		return err
	}

	c.snmp.Context = ctx
	oid := fmt.Sprintf("%s.%d", outletCommandOID, port)
	result, err := c.snmp.Set([]gosnmp.SnmpPDU{{
		Name:  oid,
		Type:  gosnmp.Integer,
		Value: value,
	}})
	if err != nil {
		return fmt.Errorf("set %s: %w", oid, err)
	}
	if result.Error != gosnmp.NoError {
		return fmt.Errorf("set %s: agent returned %s", oid, result.Error)
	}
	return nil
}

// Status walks the outlet status table.
func (c *Client) Status(ctx context.Context) ([]device.Outlet, error) {
	c.snmp.Context = ctx

	names, err := c.snmp.WalkAll(outletNameOID)
	if err != nil {
		return nil, fmt.Errorf("walk outlet names: %w", err)
	}
	states, err := c.snmp.WalkAll(outletStateOID)
	if err != nil {
		return nil, fmt.Errorf("walk outlet states: %w", err)
	}

	return mergeOutlets(names, states), nil
}

// Close closes the UDP socket.
func (c *Client) Close() error {
	if c.snmp.Conn == nil {
		return nil
	}
	return c.snmp.Conn.Close()
}

func commandValue(action device.Action) (int, error) {
	switch action {
	case device.ActionOn:
		return immediateOn, nil
	case device.ActionOff:
		return immediateOff, nil
	case device.ActionReset:
		return immediateReboot, nil
	default:
		return 0, fmt.Errorf("unsupported action %q", action)
	}
}

func mergeOutlets(names, states []gosnmp.SnmpPDU) []device.Outlet {
	byPort := make(map[int]*device.Outlet)
	var order []int

	get := func(port int) *device.Outlet {
		if o, ok := byPort[port]; ok {
			return o
		}
		o := &device.Outlet{Port: port, State: device.StateUnknown}
		byPort[port] = o
		order = append(order, port)
		return o
	}

	for _, pdu := range names {
		port, ok := outletIndex(outletNameOID, pdu.Name)
		if !ok {
			continue
		}
		if raw, ok := pdu.Value.([]byte); ok {
			get(port).Name = string(raw)
		}
	}
	for _, pdu := range states {
		port, ok := outletIndex(outletStateOID, pdu.Name)
		if !ok {
			continue
		}
		get(port).State = stateFromValue(gosnmp.ToBigInt(pdu.Value).Int64())
	}

	outlets := make([]device.Outlet, 0, len(order))
	for _, port := range order {
		outlets = append(outlets, *byPort[port])
	}
	return outlets
}

// outletIndex extracts N from "<base>.N". Agents report names with a
// leading dot.
func outletIndex(base, oid string) (int, bool) {
	oid = strings.TrimPrefix(oid, ".")
	suffix, found := strings.CutPrefix(oid, base+".")
	if !found {
		return 0, false
	}
	port, err := strconv.Atoi(suffix)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

func stateFromValue(v int64) device.State {
	switch v {
	case outletStatusOn:
		return device.StateOn
	case outletStatusOff:
		return device.StateOff
	default:
		return device.StateUnknown
	}
}
