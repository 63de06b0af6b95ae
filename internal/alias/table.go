// Package alias maps friendly names to power strip port numbers.
package alias

import (
	"errors"
	"sort"
	"strconv"
	"sync"
)

const (
	// UnknownName is returned by Name for ports without an alias.
	UnknownName = "Unknown"
	// NoPort is returned by Num for names that are not bound to a port.
	NoPort = -1
)

var (
	ErrInvalidPort   = errors.New("port number must be positive")
	ErrInvalidName   = errors.New("alias name must not be empty")
	ErrDuplicateName = errors.New("alias name already bound to another port")
	// ErrNumericName rejects names that would be read back as port numbers.
	ErrNumericName = errors.New("alias name must not be a number")
)

// Alias binds a name (and an optional free-text description) to a port.
type Alias struct {
	Port        int
	Name        string
	Description string
}

// Table holds the port→alias and name→port mappings.
// Both directions are updated together on every mutation.
type Table struct {
	mu     sync.RWMutex
	byPort map[int]Alias
	byName map[string]int
}

// NewTable creates an empty alias table.
func NewTable() *Table {
	return &Table{
		byPort: make(map[int]Alias),
		byName: make(map[string]int),
	}
}

// Set binds name to port, replacing whatever the port was bound to before.
// Setting the same binding twice is a no-op apart from the description.
func (t *Table) Set(port int, name, description string) error {
	if port <= 0 {
		return ErrInvalidPort
	}
	if name == "" {
		return ErrInvalidName
	}
	if _, err := strconv.Atoi(name); err == nil {
		return ErrNumericName
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if bound, ok := t.byName[name]; ok && bound != port {
		return ErrDuplicateName
	}

	if old, ok := t.byPort[port]; ok && old.Name != name {
		delete(t.byName, old.Name)
	}

	t.byPort[port] = Alias{Port: port, Name: name, Description: description}
	t.byName[name] = port
	return nil
}

// Remove deletes the alias called name. Returns false if no port had it.
func (t *Table) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	port, ok := t.byName[name]
	if !ok {
		return false
	}

	delete(t.byName, name)
	delete(t.byPort, port)
	return true
}

// Name returns the alias of port, or UnknownName.
func (t *Table) Name(port int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if a, ok := t.byPort[port]; ok {
		return a.Name
	}
	return UnknownName
}

// Num returns the port bound to name, or NoPort.
func (t *Table) Num(name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if port, ok := t.byName[name]; ok {
		return port
	}
	return NoPort
}

// Lookup returns the full alias entry for port.
func (t *Table) Lookup(port int) (Alias, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	a, ok := t.byPort[port]
	return a, ok
}

// List returns all aliases ordered by port.
func (t *Table) List() []Alias {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Alias, 0, len(t.byPort))
	for _, a := range t.byPort {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Port < result[j].Port })
	return result
}

// Len returns the number of aliases.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPort)
}
