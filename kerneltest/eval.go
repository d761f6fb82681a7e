package kerneltest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// evalError is a failed statement, reported as an error message.
type evalError struct {
	EName  string
	EValue string
}

func (e *evalError) Error() string {
	return e.EName + ": " + e.EValue
}

// outcome is what one execute_request produced.
type outcome struct {
	Stdout []string
	Result string
	HasVal bool
	Err    *evalError
}

// interpreter is a toy language of assignments, print, sleep and raise,
// with int and string values joined by '+'.
type interpreter struct {
	vars map[string]any
}

func newInterpreter() *interpreter {
	return &interpreter{vars: make(map[string]any)}
}

func (in *interpreter) run(ctx context.Context, code string) outcome {
	var out outcome
	stmts := splitStatements(code)
	for i, stmt := range stmts {
		last := i == len(stmts)-1
		if err := in.exec(ctx, stmt, last, &out); err != nil {
			out.Err = err
			out.HasVal = false
			out.Result = ""
			return out
		}
	}
	return out
}

func (in *interpreter) exec(ctx context.Context, stmt string, last bool, out *outcome) *evalError {
	switch {
	case strings.HasPrefix(stmt, "print(") && strings.HasSuffix(stmt, ")"):
		v, err := in.eval(stmt[len("print(") : len(stmt)-1])
		if err != nil {
			return err
		}
		out.Stdout = append(out.Stdout, str(v)+"\n")
		return nil

	case strings.HasPrefix(stmt, "sleep(") && strings.HasSuffix(stmt, ")"):
		v, err := in.eval(stmt[len("sleep(") : len(stmt)-1])
		if err != nil {
			return err
		}
		ms, ok := v.(int)
		if !ok {
			return &evalError{"TypeError", "sleep takes milliseconds"}
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return &evalError{"KeyboardInterrupt", ""}
		}

	case strings.HasPrefix(stmt, "raise "):
		name, msg, _ := strings.Cut(strings.TrimSpace(stmt[len("raise "):]), "(")
		msg = strings.Trim(strings.TrimSuffix(msg, ")"), `"'`)
		return &evalError{strings.TrimSpace(name), msg}
	}

	if name, expr, ok := strings.Cut(stmt, "="); ok && isName(strings.TrimSpace(name)) {
		v, err := in.eval(expr)
		if err != nil {
			return err
		}
		in.vars[strings.TrimSpace(name)] = v
		return nil
	}

	v, err := in.eval(stmt)
	if err != nil {
		return err
	}
	if last {
		out.Result = repr(v)
		out.HasVal = true
	}
	return nil
}

func (in *interpreter) eval(expr string) (any, *evalError) {
	var acc any
	for _, term := range strings.Split(expr, "+") {
		v, err := in.term(strings.TrimSpace(term))
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = v
			continue
		}
		switch a := acc.(type) {
		case int:
			b, ok := v.(int)
			if !ok {
				return nil, &evalError{"TypeError", "unsupported operand types for +"}
			}
			acc = a + b
		case string:
			b, ok := v.(string)
			if !ok {
				return nil, &evalError{"TypeError", "can only concatenate str to str"}
			}
			acc = a + b
		}
	}
	if acc == nil {
		return nil, &evalError{"SyntaxError", "invalid syntax"}
	}
	return acc, nil
}

func (in *interpreter) term(t string) (any, *evalError) {
	if t == "" {
		return nil, &evalError{"SyntaxError", "invalid syntax"}
	}
	if n, err := strconv.Atoi(t); err == nil {
		return n, nil
	}
	if len(t) >= 2 && (t[0] == '"' || t[0] == '\'') && t[len(t)-1] == t[0] {
		return t[1 : len(t)-1], nil
	}
	if !isName(t) {
		return nil, &evalError{"SyntaxError", "invalid syntax"}
	}
	v, ok := in.vars[t]
	if !ok {
		return nil, &evalError{"NameError", fmt.Sprintf("name '%s' is not defined", t)}
	}
	return v, nil
}

func (in *interpreter) lookup(name string) (any, bool) {
	v, ok := in.vars[name]
	return v, ok
}

func splitStatements(code string) []string {
	var out []string
	for _, line := range strings.Split(code, "\n") {
		for _, stmt := range strings.Split(line, ";") {
			if s := strings.TrimSpace(stmt); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func isName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func repr(v any) string {
	if s, ok := v.(string); ok {
		return "'" + s + "'"
	}
	return fmt.Sprint(v)
}

// wordAt returns the identifier under cursor, for inspect requests.
func wordAt(code string, cursor int) string {
	if cursor < 0 || cursor > len(code) {
		cursor = len(code)
	}
	start, end := cursor, cursor
	for start > 0 && isIdentByte(code[start-1]) {
		start--
	}
	for end < len(code) && isIdentByte(code[end]) {
		end++
	}
	return code[start:end]
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
