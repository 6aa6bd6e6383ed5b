package supervisor

import (
	"strings"
)

// Invocation is a fully resolved command. It is built deterministically
// from a turn so it can be asserted on in tests.
type Invocation struct {
	// Cleanup runs once the process has exited or failed to start.
	Cleanup func()
	// AfterExit runs after a started process exits, before Finish events
	// are emitted.
	AfterExit func()
	Path      string
	Dir       string
	Stdin     string
	Args      []string
	Env       []string
}

// String renders the command line with shell quoting, for logs.
func (inv Invocation) String() string {
	parts := make([]string, 0, len(inv.Args)+1)
	parts = append(parts, shellQuote(inv.Path))
	for _, a := range inv.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func (inv Invocation) cleanup() {
	if inv.Cleanup != nil {
		inv.Cleanup()
	}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=:,@+%", r)
}
