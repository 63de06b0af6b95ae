package cli

// Command is one parsed invocation. Exactly one concrete type per command
// keyword; Dispatch switches on it.
type Command interface {
	commandName() string
}

// On turns a port on. An empty Target means last_port.
type On struct{ Target string }

// Off turns a port off. An empty Target means last_port.
type Off struct{ Target string }

// Reset power-cycles a port. An empty Target means last_port.
type Reset struct{ Target string }

// List shows the state of every outlet.
type List struct{}

// ListAliases shows the local alias table.
type ListAliases struct{}

// SetAlias binds Name to port Num.
type SetAlias struct {
	Name string
	Num  int
}

// RemoveAlias deletes the alias called Name.
type RemoveAlias struct{ Name string }

// SetHost changes the strip's hostname.
type SetHost struct{ Hostname string }

// History shows the last Limit journal entries.
type History struct{ Limit int }

func (On) commandName() string          { return "on" }
func (Off) commandName() string         { return "off" }
func (Reset) commandName() string       { return "reset" }
func (List) commandName() string        { return "list" }
func (ListAliases) commandName() string { return "list-aliases" }
func (SetAlias) commandName() string    { return "set-alias" }
func (RemoveAlias) commandName() string { return "rm-alias" }
func (SetHost) commandName() string     { return "set-host" }
func (History) commandName() string     { return "history" }
