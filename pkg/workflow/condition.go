package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/runwire/runwire/pkg/runnable"
)

// Condition is a compiled gate expression. Supported forms: boolean literals,
// variable truthiness, not, the comparisons > < >= <= == != on numeric or
// string operands, contains, and and/or with or binding loosest. Variables
// resolve as dotted paths against the scope; an unresolved path is falsy.
// Compilation fails at load time for anything unparseable.
type Condition struct {
	source string
	root   condNode
}

// CompileCondition parses an expression, returning a ConfigError when it is
// malformed.
func CompileCondition(expr string) (*Condition, error) {
	p := &condParser{}
	if err := p.tokenize(expr); err != nil {
		return nil, &runnable.ConfigError{Field: "condition", Err: fmt.Errorf("%q: %w", expr, err)}
	}
	root, err := p.parseOr()
	if err == nil && p.pos < len(p.tokens) {
		err = fmt.Errorf("unexpected %q", p.tokens[p.pos].text)
	}
	if err != nil {
		return nil, &runnable.ConfigError{Field: "condition", Err: fmt.Errorf("%q: %w", expr, err)}
	}
	return &Condition{source: expr, root: root}, nil
}

// String returns the original expression text.
func (c *Condition) String() string { return c.source }

// Eval evaluates the condition against a scope.
func (c *Condition) Eval(scope Scope) bool {
	return truthy(c.root.eval(scope))
}

type condNode interface {
	eval(Scope) any
}

type litNode struct{ v any }

func (n litNode) eval(Scope) any { return n.v }

type varNode struct{ path string }

func (n varNode) eval(s Scope) any {
	v, ok := s.Resolve(n.path)
	if !ok {
		return nil
	}
	return v
}

type notNode struct{ inner condNode }

func (n notNode) eval(s Scope) any { return !truthy(n.inner.eval(s)) }

type boolOpNode struct {
	op   string // "and" | "or"
	l, r condNode
}

func (n boolOpNode) eval(s Scope) any {
	lv := truthy(n.l.eval(s))
	if n.op == "and" {
		return lv && truthy(n.r.eval(s))
	}
	return lv || truthy(n.r.eval(s))
}

type cmpNode struct {
	op   string
	l, r condNode
}

func (n cmpNode) eval(s Scope) any {
	lv, rv := n.l.eval(s), n.r.eval(s)
	if n.op == "contains" {
		return strings.Contains(stringify(lv), stringify(rv))
	}
	if lf, lok := toFloat(lv); lok {
		if rf, rok := toFloat(rv); rok {
			return compareFloats(n.op, lf, rf)
		}
	}
	return compareStrings(n.op, stringify(lv), stringify(rv))
}

func compareFloats(op string, a, b float64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func compareStrings(op string, a, b string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case "<":
		return a < b
	case ">=":
		return a >= b
	case "<=":
		return a <= b
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

type condToken struct {
	kind string // "word", "string", "number", "op", "lparen", "rparen"
	text string
}

type condParser struct {
	tokens []condToken
	pos    int
}

func (p *condParser) tokenize(expr string) error {
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			p.tokens = append(p.tokens, condToken{kind: "lparen", text: "("})
			i++
		case c == ')':
			p.tokens = append(p.tokens, condToken{kind: "rparen", text: ")"})
			i++
		case c == '{':
			end := strings.IndexByte(expr[i:], '}')
			if end < 0 {
				return fmt.Errorf("unclosed variable reference")
			}
			path := strings.TrimSpace(expr[i+1 : i+end])
			if path == "" {
				return fmt.Errorf("empty variable reference")
			}
			p.tokens = append(p.tokens, condToken{kind: "word", text: path})
			i += end + 1
		case c == '\'' || c == '"':
			end := strings.IndexByte(expr[i+1:], c)
			if end < 0 {
				return fmt.Errorf("unterminated string literal")
			}
			p.tokens = append(p.tokens, condToken{kind: "string", text: expr[i+1 : i+1+end]})
			i += end + 2
		case strings.HasPrefix(expr[i:], "==") || strings.HasPrefix(expr[i:], "!=") ||
			strings.HasPrefix(expr[i:], ">=") || strings.HasPrefix(expr[i:], "<="):
			p.tokens = append(p.tokens, condToken{kind: "op", text: expr[i : i+2]})
			i += 2
		case c == '>' || c == '<':
			p.tokens = append(p.tokens, condToken{kind: "op", text: string(c)})
			i++
		case c >= '0' && c <= '9' || c == '-':
			j := i + 1
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			p.tokens = append(p.tokens, condToken{kind: "number", text: expr[i:j]})
			i = j
		case isPathRune(rune(c)):
			j := i
			for j < len(expr) && isPathRune(rune(expr[j])) {
				j++
			}
			p.tokens = append(p.tokens, condToken{kind: "word", text: expr[i:j]})
			i = j
		default:
			return fmt.Errorf("unexpected character %q", string(c))
		}
	}
	if len(p.tokens) == 0 {
		return fmt.Errorf("empty expression")
	}
	return nil
}

func (p *condParser) peek() (condToken, bool) {
	if p.pos >= len(p.tokens) {
		return condToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "word" || tok.text != "or" {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolOpNode{op: "or", l: left, r: right}
	}
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != "word" || tok.text != "and" {
			return left, nil
		}
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = boolOpNode{op: "and", l: left, r: right}
	}
}

func (p *condParser) parseNot() (condNode, error) {
	if tok, ok := p.peek(); ok && tok.kind == "word" && tok.text == "not" {
		p.pos++
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (condNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	tok, ok := p.peek()
	if !ok {
		return left, nil
	}
	isCmp := tok.kind == "op" || (tok.kind == "word" && tok.text == "contains")
	if !isCmp {
		return left, nil
	}
	p.pos++
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return cmpNode{op: tok.text, l: left, r: right}, nil
}

func (p *condParser) parsePrimary() (condNode, error) {
	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch tok.kind {
	case "lparen":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != "rparen" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case "string":
		p.pos++
		return litNode{v: tok.text}, nil
	case "number":
		p.pos++
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", tok.text)
		}
		return litNode{v: f}, nil
	case "word":
		p.pos++
		switch tok.text {
		case "true":
			return litNode{v: true}, nil
		case "false":
			return litNode{v: false}, nil
		case "and", "or", "not", "contains":
			return nil, fmt.Errorf("unexpected keyword %q", tok.text)
		}
		return varNode{path: tok.text}, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}
