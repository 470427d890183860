package isolation

import (
	"fmt"
	"strings"
)

// BindingMode defines how execution requests are mapped onto processes
type BindingMode int

const (
	// BindingShared means every user and note of a setting shares one process
	BindingShared BindingMode = iota
	// BindingScoped means each user gets a process; notes of a user share it,
	// and the user's session tag separates execution state inside it
	BindingScoped
	// BindingIsolated means each user gets a dedicated process that keeps no
	// state across notes
	BindingIsolated
)

// SharedKey is the group key used by every request in SHARED mode
const SharedKey = "shared"

// String returns the string representation of the binding mode
func (mode BindingMode) String() string {
	switch mode {
	case BindingShared:
		return "shared"
	case BindingScoped:
		return "scoped"
	case BindingIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// Valid reports whether mode is one of the known binding modes
func (mode BindingMode) Valid() bool {
	return mode >= BindingShared && mode <= BindingIsolated
}

// ParseBindingMode parses a case-insensitive binding mode name
func ParseBindingMode(s string) (BindingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shared", "globally":
		return BindingShared, nil
	case "scoped", "peruser":
		return BindingScoped, nil
	case "isolated":
		return BindingIsolated, nil
	default:
		return 0, fmt.Errorf("unknown binding mode: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (mode BindingMode) MarshalText() ([]byte, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("unknown binding mode: %d", int(mode))
	}
	return []byte(mode.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (mode *BindingMode) UnmarshalText(text []byte) error {
	parsed, err := ParseBindingMode(string(text))
	if err != nil {
		return err
	}
	*mode = parsed
	return nil
}

// Binding is the result of resolving a request against a binding mode
type Binding struct {
	// Key selects the group within the setting
	Key string
	// Session tags requests inside the process to separate execution state
	Session string
	// Isolated asks the launched process to keep no cross-note state
	Isolated bool
}

// Resolve maps (mode, user, note) onto the group a request must join.
// It is pure and total; unknown modes are rejected by setting validation.
func Resolve(mode BindingMode, userID, noteID string) Binding {
	switch mode {
	case BindingScoped:
		return Binding{Key: userID, Session: userID}
	case BindingIsolated:
		return Binding{Key: userID, Session: userID, Isolated: true}
	default:
		return Binding{Key: SharedKey}
	}
}

// GroupID identifies an interpreter group
type GroupID struct {
	SettingID string
	Key       string
}

// String returns a printable form of the id
func (id GroupID) String() string {
	return id.SettingID + ":" + id.Key
}

// BindingRef is one (note, paragraph) pair bound to a group
type BindingRef struct {
	NoteID      string
	ParagraphID string
}
