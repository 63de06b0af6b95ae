// APC power strip CLI
//
// Switches outlets on an APC rack PDU by port number or local alias.
// Reads ~/.config/apc/config.yaml unless --config is given.
package main

import (
	"os"

	"github.com/tebeka/atexit"

	"github.com/Extra-Chill/apc/internal/cli"
)

func main() {
	atexit.Exit(cli.Main(os.Args[1:]))
}
