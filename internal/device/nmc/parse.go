package nmc

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Extra-Chill/apc/internal/device"
)

var (
	// E000: Success
	statusCodeRegex = regexp.MustCompile(`^(E\d{3}):\s*(.*)$`)
	// " 3: Outlet 3: On" (a trailing "*" marks a pending change)
	outletRegex = regexp.MustCompile(`^(\d+):\s*(.*):\s*(\S+?)\s*\*?$`)
)

// CommandError is a non-success status code returned by the card.
type CommandError struct {
	Command string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Command, e.Code, e.Message)
}

func switchCommand(port int, action device.Action) (string, error) {
	switch action {
	case device.ActionOn:
		return fmt.Sprintf("olOn %d", port), nil
	case device.ActionOff:
		return fmt.Sprintf("olOff %d", port), nil
	case device.ActionReset:
		return fmt.Sprintf("olReboot %d", port), nil
	default:
		return "", fmt.Errorf("unsupported action %q", action)
	}
}

// readToPrompt reads until the card prints its prompt ("apc>") and returns
// everything before the prompt line.
func readToPrompt(r *bufio.Reader) (string, error) {
	var out, line strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return out.String(), err
		}

		if b == '\n' {
			out.WriteString(line.String())
			out.WriteByte('\n')
			line.Reset()
			continue
		}
		line.WriteByte(b)

		// The card prints "apc>" (sometimes "apc> ") and then waits.
		if r.Buffered() == 0 && isPrompt(line.String()) {
			return out.String(), nil
		}
	}
}

func isPrompt(line string) bool {
	line = strings.TrimSpace(line)
	return len(line) > 1 && strings.HasSuffix(line, ">") && !strings.ContainsAny(line, " \t")
}

// parseResponse finds the status code line and returns the lines after it.
func parseResponse(command, out string) ([]string, error) {
	lines := strings.Split(out, "\n")
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		m := statusCodeRegex.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		code, message := m[1], strings.TrimSpace(m[2])
		if code != "E000" && code != "E001" {
			return nil, &CommandError{Command: command, Code: code, Message: message}
		}

		var rest []string
		for _, r := range lines[i+1:] {
			if r = strings.TrimSpace(r); r != "" {
				rest = append(rest, r)
			}
		}
		return rest, nil
	}
	return nil, fmt.Errorf("%s: no status code in reply", command)
}

func parseStatus(lines []string) []device.Outlet {
	var outlets []device.Outlet
	for _, line := range lines {
		m := outletRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		outlets = append(outlets, device.Outlet{
			Port:  port,
			Name:  strings.TrimSpace(m[2]),
			State: parseState(m[3]),
		})
	}
	return outlets
}

func parseState(s string) device.State {
	switch strings.ToLower(s) {
	case "on":
		return device.StateOn
	case "off":
		return device.StateOff
	default:
		return device.StateUnknown
	}
}
