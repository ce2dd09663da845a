package bus

import "strings"

// Scope selects which bus daemon a Connection talks to.
type Scope int32

const (
	// Session is the per-login bus. It is also the default for unknown values.
	Session Scope = 0
	// System is the machine-wide bus.
	System Scope = 1
	// Starter is the bus that activated this process (DBUS_STARTER_ADDRESS).
	Starter Scope = 2
)

// Normalize maps any unknown value to Session.
func (s Scope) Normalize() Scope {
	switch s {
	case System, Starter:
		return s
	default:
		return Session
	}
}

func (s Scope) String() string {
	switch s.Normalize() {
	case System:
		return "system"
	case Starter:
		return "starter"
	default:
		return "session"
	}
}

// ParseScope accepts "session", "system" or "starter" in any case. Anything else is
// Session.
func ParseScope(s string) Scope {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "system":
		return System
	case "starter":
		return Starter
	default:
		return Session
	}
}
