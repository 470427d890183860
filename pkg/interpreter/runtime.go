package interpreter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

// Runtime is a minimal statement evaluator hosted by an interpreter process.
//
// It understands assignments (`user = "user1"`), print statements
// (`print user`, `print(user)`), string and integer literals, names and `+`.
// Variables live in namespaces; which namespace a request uses is decided by
// the Server (session tag, and note id when the process is isolated).
type Runtime struct {
	mu         sync.Mutex
	namespaces map[string]map[string]interface{}
}

// NewRuntime creates an empty runtime
func NewRuntime() *Runtime {
	return &Runtime{
		namespaces: make(map[string]map[string]interface{}),
	}
}

// Eval runs code inside the given namespace and returns the printed output.
// Statements before a failing statement keep their effects.
func (r *Runtime) Eval(namespace, code string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	vars, ok := r.namespaces[namespace]
	if !ok {
		vars = make(map[string]interface{})
		r.namespaces[namespace] = vars
	}

	var out strings.Builder
	for lineNo, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if err := evalStatement(vars, line, &out); err != nil {
			return out.String(), fmt.Errorf("line %d: %w", lineNo+1, err)
		}
	}

	return out.String(), nil
}

// Namespaces returns the number of namespaces created so far
func (r *Runtime) Namespaces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.namespaces)
}

func evalStatement(vars map[string]interface{}, line string, out *strings.Builder) error {
	if expr, ok := printArgument(line); ok {
		v, err := evalExpr(vars, expr)
		if err != nil {
			return err
		}
		out.WriteString(formatValue(v))
		out.WriteByte('\n')
		return nil
	}

	if name, expr, ok := splitAssignment(line); ok {
		if !isIdentifier(name) {
			return fmt.Errorf("SyntaxError: cannot assign to %q", name)
		}
		v, err := evalExpr(vars, expr)
		if err != nil {
			return err
		}
		vars[name] = v
		return nil
	}

	// A bare expression echoes its value like a REPL
	v, err := evalExpr(vars, line)
	if err != nil {
		return err
	}
	out.WriteString(formatValue(v))
	out.WriteByte('\n')
	return nil
}

// printArgument recognizes `print x` and `print(x)`
func printArgument(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, "print")
	if !ok {
		return "", false
	}
	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		return strings.TrimSpace(rest[1 : len(rest)-1]), true
	}
	if strings.HasPrefix(rest, " ") || strings.HasPrefix(rest, "\t") {
		arg := strings.TrimSpace(rest)
		if strings.HasPrefix(arg, "(") && strings.HasSuffix(arg, ")") {
			arg = strings.TrimSpace(arg[1 : len(arg)-1])
		}
		return arg, true
	}
	return "", false
}

// splitAssignment splits `name = expr` on the first '=' outside quotes
func splitAssignment(line string) (string, string, bool) {
	var quote rune
	for i, c := range line {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '=':
			if i+1 < len(line) && line[i+1] == '=' {
				return "", "", false
			}
			return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
		}
	}
	return "", "", false
}

func evalExpr(vars map[string]interface{}, expr string) (interface{}, error) {
	terms, err := splitTerms(expr)
	if err != nil {
		return nil, err
	}

	var acc interface{}
	for i, term := range terms {
		v, err := evalTerm(vars, term)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			acc = v
			continue
		}
		acc, err = add(acc, v)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// splitTerms splits an expression on '+' outside quotes
func splitTerms(expr string) ([]string, error) {
	var (
		terms []string
		quote rune
		start int
	)
	for i, c := range expr {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '+':
			terms = append(terms, strings.TrimSpace(expr[start:i]))
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("SyntaxError: unterminated string literal")
	}
	terms = append(terms, strings.TrimSpace(expr[start:]))

	for _, t := range terms {
		if t == "" {
			return nil, fmt.Errorf("SyntaxError: invalid syntax")
		}
	}
	return terms, nil
}

func evalTerm(vars map[string]interface{}, term string) (interface{}, error) {
	if len(term) >= 2 {
		first, last := term[0], term[len(term)-1]
		if (first == '"' || first == '\'') && first == last {
			return term[1 : len(term)-1], nil
		}
	}

	if n, err := strconv.ParseInt(term, 10, 64); err == nil {
		return n, nil
	}

	if isIdentifier(term) {
		v, ok := vars[term]
		if !ok {
			return nil, fmt.Errorf("NameError: name '%s' is not defined", term)
		}
		return v, nil
	}

	return nil, fmt.Errorf("SyntaxError: invalid syntax: %s", term)
}

func add(a, b interface{}) (interface{}, error) {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return av + bv, nil
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av + bv, nil
		}
	}
	return nil, fmt.Errorf("TypeError: unsupported operand types for +: %T and %T", a, b)
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		if c == '_' || unicode.IsLetter(c) || (i > 0 && unicode.IsDigit(c)) {
			continue
		}
		return false
	}
	return true
}
