package settings

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/jrepp/prism-interpreters/pkg/isolation"
)

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid interpreter setting")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// LaunchParams is what the launcher needs to start a runtime process
type LaunchParams struct {
	// Path to the interpreter host binary
	Binary string `yaml:"binary" json:"binary"`

	// Arguments passed to the binary
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Working directory (defaults to the daemon's)
	WorkDir string `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`

	// Environment overlay applied on top of the daemon environment
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Language runtime binary exported as <KIND>_BINARY (e.g. PYTHON_BINARY)
	RuntimeBinary string `yaml:"runtime_binary,omitempty" json:"runtime_binary,omitempty"`
}

// Setting is the static configuration of one interpreter
type Setting struct {
	// Identity (e.g. "python")
	ID string `yaml:"id" json:"id"`

	// Runtime kind (e.g. "python", "spark")
	Kind string `yaml:"kind" json:"kind"`

	// Binding mode: shared, scoped or isolated
	Mode isolation.BindingMode `yaml:"mode" json:"mode"`

	Launch LaunchParams `yaml:"launch" json:"launch"`

	// Free-form properties forwarded to the process environment as
	// INTERPRETER_PROP_<NAME>
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Validate checks the setting
func (s *Setting) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalid, s.ID, idPattern)
	}
	if s.Kind == "" {
		return fmt.Errorf("%w: %s: kind is required", ErrInvalid, s.ID)
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: %s: invalid mode %d", ErrInvalid, s.ID, int(s.Mode))
	}
	if s.Launch.Binary == "" {
		return fmt.Errorf("%w: %s: launch.binary is required", ErrInvalid, s.ID)
	}
	for k := range s.Launch.Env {
		if k == "" || strings.ContainsAny(k, "= ") {
			return fmt.Errorf("%w: %s: invalid environment variable name %q", ErrInvalid, s.ID, k)
		}
	}
	return nil
}

// Clone returns a deep copy
func (s Setting) Clone() Setting {
	out := s
	out.Launch.Args = slices.Clone(s.Launch.Args)
	out.Launch.Env = maps.Clone(s.Launch.Env)
	out.Properties = maps.Clone(s.Properties)
	return out
}

// RequiresRelaunch reports whether processes launched for s must be torn
// down to apply next
func (s Setting) RequiresRelaunch(next Setting) bool {
	return s.Kind != next.Kind ||
		s.Mode != next.Mode ||
		!reflect.DeepEqual(normalizeLaunch(s.Launch), normalizeLaunch(next.Launch)) ||
		!maps.Equal(s.Properties, next.Properties)
}

// RuntimeBinaryVar returns the environment variable carrying the runtime
// binary path, e.g. PYTHON_BINARY for kind "python"
func (s Setting) RuntimeBinaryVar() string {
	return EnvName(s.Kind) + "_BINARY"
}

// EnvName upper-cases name and replaces characters not valid in an
// environment variable name with '_'
func EnvName(name string) string {
	var b strings.Builder
	for _, c := range strings.ToUpper(name) {
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func normalizeLaunch(p LaunchParams) LaunchParams {
	if len(p.Args) == 0 {
		p.Args = nil
	}
	if len(p.Env) == 0 {
		p.Env = nil
	}
	return p
}
