package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// EvaluateCondition evaluates a boolean expression against the environment.
//
// The grammar is deliberately small and non-Turing-complete: {{path}}
// references, string/number/boolean/null literals, the comparison operators
// === !== > < >= <=, the logical operators && and ||, and parentheses. No
// function calls, no assignment. References are resolved first and
// re-serialized as JSON literals, then the expression is tokenized and
// parsed by a hand-written recursive-descent parser; nothing is ever
// dynamically executed.
func EvaluateCondition(expr string, env *Environment) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("condition is empty")
	}

	substituted := substituteRefs(expr, env)

	tokens, err := tokenizeCondition(substituted)
	if err != nil {
		return false, err
	}

	p := &conditionParser{tokens: tokens}
	node, err := p.parseExpression()
	if err != nil {
		return false, err
	}
	if !p.atEnd() {
		return false, fmt.Errorf("unexpected %s after expression", p.peek().describe())
	}

	result, err := node.eval()
	if err != nil {
		return false, err
	}
	return truthy(result), nil
}

// substituteRefs replaces every {{path}} reference with the JSON literal of
// its resolved value. Missing paths become null, so comparisons against
// absent values behave predictably instead of failing mid-parse.
func substituteRefs(expr string, env *Environment) string {
	return refPattern.ReplaceAllStringFunc(expr, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, ok := env.Lookup(path)
		if !ok {
			return "null"
		}
		data, err := json.Marshal(value)
		if err != nil {
			return "null"
		}
		return string(data)
	})
}

// Token kinds for the condition grammar.
type tokenKind int

const (
	tokenValue tokenKind = iota
	tokenAnd
	tokenOr
	tokenEq
	tokenNeq
	tokenGT
	tokenGTE
	tokenLT
	tokenLTE
	tokenLParen
	tokenRParen
	tokenEOF
)

type conditionToken struct {
	kind  tokenKind
	value any
	pos   int
}

func (t conditionToken) describe() string {
	switch t.kind {
	case tokenValue:
		return fmt.Sprintf("value %v", t.value)
	case tokenAnd:
		return `"&&"`
	case tokenOr:
		return `"||"`
	case tokenEq:
		return `"==="`
	case tokenNeq:
		return `"!=="`
	case tokenGT:
		return `">"`
	case tokenGTE:
		return `">="`
	case tokenLT:
		return `"<"`
	case tokenLTE:
		return `"<="`
	case tokenLParen:
		return `"("`
	case tokenRParen:
		return `")"`
	default:
		return "end of expression"
	}
}

// tokenizeCondition splits an expression (references already substituted)
// into tokens. Literal values are decoded with encoding/json so strings,
// numbers, booleans, null, and substituted objects/arrays all come out as
// canonical JSON-shaped Go values; single-quoted strings are accepted as a
// convenience for workflow authors.
func tokenizeCondition(input string) ([]conditionToken, error) {
	var tokens []conditionToken
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, conditionToken{kind: tokenLParen, pos: i})
			i++
		case c == ')':
			tokens = append(tokens, conditionToken{kind: tokenRParen, pos: i})
			i++
		case c == '&':
			if !strings.HasPrefix(input[i:], "&&") {
				return nil, fmt.Errorf("unexpected %q at position %d (use \"&&\")", c, i)
			}
			tokens = append(tokens, conditionToken{kind: tokenAnd, pos: i})
			i += 2
		case c == '|':
			if !strings.HasPrefix(input[i:], "||") {
				return nil, fmt.Errorf("unexpected %q at position %d (use \"||\")", c, i)
			}
			tokens = append(tokens, conditionToken{kind: tokenOr, pos: i})
			i += 2
		case c == '=':
			if !strings.HasPrefix(input[i:], "===") {
				return nil, fmt.Errorf("unexpected %q at position %d (use \"===\")", c, i)
			}
			tokens = append(tokens, conditionToken{kind: tokenEq, pos: i})
			i += 3
		case c == '!':
			if !strings.HasPrefix(input[i:], "!==") {
				return nil, fmt.Errorf("unexpected %q at position %d (use \"!==\")", c, i)
			}
			tokens = append(tokens, conditionToken{kind: tokenNeq, pos: i})
			i += 3
		case c == '>':
			if strings.HasPrefix(input[i:], ">=") {
				tokens = append(tokens, conditionToken{kind: tokenGTE, pos: i})
				i += 2
			} else {
				tokens = append(tokens, conditionToken{kind: tokenGT, pos: i})
				i++
			}
		case c == '<':
			if strings.HasPrefix(input[i:], "<=") {
				tokens = append(tokens, conditionToken{kind: tokenLTE, pos: i})
				i += 2
			} else {
				tokens = append(tokens, conditionToken{kind: tokenLT, pos: i})
				i++
			}
		case c == '\'':
			value, width, err := scanSingleQuoted(input[i:])
			if err != nil {
				return nil, fmt.Errorf("%s at position %d", err, i)
			}
			tokens = append(tokens, conditionToken{kind: tokenValue, value: value, pos: i})
			i += width
		default:
			dec := json.NewDecoder(strings.NewReader(input[i:]))
			var value any
			if err := dec.Decode(&value); err != nil {
				return nil, fmt.Errorf("malformed literal at position %d", i)
			}
			tokens = append(tokens, conditionToken{kind: tokenValue, value: value, pos: i})
			i += int(dec.InputOffset())
		}
	}
	tokens = append(tokens, conditionToken{kind: tokenEOF, pos: len(input)})
	return tokens, nil
}

// scanSingleQuoted reads a 'single-quoted' string literal, honoring \' and
// \\ escapes. Returns the string value and the bytes consumed.
func scanSingleQuoted(s string) (string, int, error) {
	var sb strings.Builder
	i := 1 // skip opening quote
	for i < len(s) {
		switch s[i] {
		case '\'':
			return sb.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, fmt.Errorf("unterminated string literal")
			}
			sb.WriteByte(s[i+1])
			i += 2
		default:
			sb.WriteByte(s[i])
			i++
		}
	}
	return "", 0, fmt.Errorf("unterminated string literal")
}

// conditionParser is a recursive-descent parser over the token stream.
// Precedence, loosest first: ||, &&, comparison. Comparisons do not chain.
type conditionParser struct {
	tokens []conditionToken
	pos    int
}

func (p *conditionParser) peek() conditionToken {
	return p.tokens[p.pos]
}

func (p *conditionParser) advance() conditionToken {
	t := p.tokens[p.pos]
	if p.tokens[p.pos].kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *conditionParser) atEnd() bool {
	return p.peek().kind == tokenEOF
}

func (p *conditionParser) parseExpression() (exprNode, error) {
	return p.parseOr()
}

func (p *conditionParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *conditionParser) parseAnd() (exprNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *conditionParser) parseComparison() (exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokenEq, tokenNeq, tokenGT, tokenGTE, tokenLT, tokenLTE:
		op := p.advance().kind
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op, left: left, right: right}, nil
	default:
		return left, nil
	}
}

func (p *conditionParser) parsePrimary() (exprNode, error) {
	switch t := p.peek(); t.kind {
	case tokenValue:
		p.advance()
		return &literalNode{value: t.value}, nil
	case tokenLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokenRParen {
			return nil, fmt.Errorf("expected \")\" but found %s", p.peek().describe())
		}
		p.advance()
		return inner, nil
	default:
		return nil, fmt.Errorf("expected a value but found %s", t.describe())
	}
}

// exprNode is one node of the parsed condition tree.
type exprNode interface {
	eval() (any, error)
}

type literalNode struct {
	value any
}

func (n *literalNode) eval() (any, error) {
	return n.value, nil
}

type binaryNode struct {
	op    tokenKind
	left  exprNode
	right exprNode
}

func (n *binaryNode) eval() (any, error) {
	left, err := n.left.eval()
	if err != nil {
		return nil, err
	}

	// Logical operators short-circuit on the left operand's truthiness.
	switch n.op {
	case tokenAnd:
		if !truthy(left) {
			return false, nil
		}
		right, err := n.right.eval()
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case tokenOr:
		if truthy(left) {
			return true, nil
		}
		right, err := n.right.eval()
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	right, err := n.right.eval()
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return equalValues(left, right), nil
	case tokenNeq:
		return !equalValues(left, right), nil
	case tokenGT, tokenGTE, tokenLT, tokenLTE:
		return orderValues(n.op, left, right)
	default:
		return nil, fmt.Errorf("unknown operator")
	}
}

// equalValues implements strict deep equality over JSON-shaped values. All
// operands arrive through JSON decoding, so numbers are uniformly float64
// and DeepEqual compares structures by value.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

// orderValues applies an ordering operator. Both operands must be numbers or
// both strings; anything else is an evaluation error.
func orderValues(op tokenKind, a, b any) (any, error) {
	if an, aok := a.(float64); aok {
		bn, bok := b.(float64)
		if !bok {
			return nil, fmt.Errorf("cannot compare number with %s", jsonTypeName(b))
		}
		switch op {
		case tokenGT:
			return an > bn, nil
		case tokenGTE:
			return an >= bn, nil
		case tokenLT:
			return an < bn, nil
		default:
			return an <= bn, nil
		}
	}

	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return nil, fmt.Errorf("cannot compare string with %s", jsonTypeName(b))
		}
		switch op {
		case tokenGT:
			return as > bs, nil
		case tokenGTE:
			return as >= bs, nil
		case tokenLT:
			return as < bs, nil
		default:
			return as <= bs, nil
		}
	}

	return nil, fmt.Errorf("ordering requires two numbers or two strings, got %s and %s",
		jsonTypeName(a), jsonTypeName(b))
}

// truthy coerces a value to boolean: null, false, 0, and "" are false;
// everything else, including empty objects and arrays, is true.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

// jsonTypeName names a JSON-shaped value's type for error messages.
func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
