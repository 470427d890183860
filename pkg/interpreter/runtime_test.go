package interpreter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntime_AssignAndPrint(t *testing.T) {
	r := NewRuntime()

	out, err := r.Eval("user1", "user = \"user1\"\nprint user")
	require.NoError(t, err)
	assert.Equal(t, "user1", strings.TrimSpace(out))

	out, err = r.Eval("user1", "print(user)")
	require.NoError(t, err)
	assert.Equal(t, "user1", strings.TrimSpace(out))
}

func TestRuntime_NamespacesAreSeparate(t *testing.T) {
	r := NewRuntime()

	_, err := r.Eval("user1", "secret = 'a'")
	require.NoError(t, err)

	_, err = r.Eval("user2", "print secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NameError")
	assert.Equal(t, 2, r.Namespaces())
}

func TestRuntime_Expressions(t *testing.T) {
	r := NewRuntime()

	tests := []struct {
		name string
		code string
		want string
	}{
		{name: "integer addition", code: "x = 40\nprint x + 2", want: "42"},
		{name: "string concat", code: "a = 'foo'\nb = \"bar\"\nprint (a + b)", want: "foobar"},
		{name: "bare expression echoes", code: "7", want: "7"},
		{name: "literal with equals sign", code: "s = 'a=b'\nprint s", want: "a=b"},
		{name: "comments skipped", code: "# nothing\nprint 'ok'", want: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.Eval(tt.name, tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(out))
		})
	}
}

func TestRuntime_Errors(t *testing.T) {
	r := NewRuntime()

	tests := []struct {
		name    string
		code    string
		wantErr string
	}{
		{name: "undefined name", code: "print missing", wantErr: "NameError"},
		{name: "mixed types", code: "print 'a' + 1", wantErr: "TypeError"},
		{name: "unterminated string", code: "x = 'abc", wantErr: "SyntaxError"},
		{name: "bad target", code: "1x = 2", wantErr: "SyntaxError"},
		{name: "dangling plus", code: "print 1 +", wantErr: "SyntaxError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Eval("ns", tt.code)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRuntime_PartialOutputOnError(t *testing.T) {
	r := NewRuntime()

	out, err := r.Eval("ns", "print 'before'\nprint missing\nprint 'after'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, "before", strings.TrimSpace(out))
}
