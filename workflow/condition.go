package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytecare/supportflow/types"
)

// 条件边表达式求值器。
//
// 编排格式里的 Edge.Condition 是字符串表达式，这里不做动态代码求值（注入风险），
// 而是解析为一棵封闭的小型 AST，由安全解释器对变量袋求值。
//
// 文法：
//
//	expr    := or
//	or      := and ( '||' and )*
//	and     := unary ( '&&' unary )*
//	unary   := '!' unary | primary
//	primary := '(' expr ')' | operand ( ('=='|'!='|'>='|'<='|'>'|'<') operand )?
//	operand := 字符串字面量 | 数字 | true | false | null | 点分变量路径
//
// 裸路径按真值规则解释：bool 取其值；字符串非空为真；数字非零为真；nil 为假。

type exprKind int

const (
	exprLiteral exprKind = iota
	exprPath
	exprCompare
	exprAnd
	exprOr
	exprNot
)

// Expr 条件表达式 AST 节点。
type Expr struct {
	kind    exprKind
	literal any      // exprLiteral
	path    []string // exprPath
	op      string   // exprCompare
	lhs     *Expr
	rhs     *Expr
}

// ParseCondition 将条件字符串解析为 AST。空串解析为恒真（无条件边在编译层单独处理）。
func ParseCondition(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Expr{kind: exprLiteral, literal: true}, nil
	}
	p := &condParser{tokens: lexCondition(src)}
	expr, err := p.parseOr()
	if err != nil {
		return nil, types.NewError(types.ErrInvalidCondition, fmt.Sprintf("condition %q", src)).WithCause(err)
	}
	if !p.eof() {
		return nil, types.NewError(types.ErrInvalidCondition,
			fmt.Sprintf("condition %q: unexpected trailing token %q", src, p.peek()))
	}
	return expr, nil
}

// Eval 对变量袋求值。未知路径视为 nil（假）。
func (e *Expr) Eval(bag map[string]any) bool {
	return truthy(e.value(bag))
}

func (e *Expr) value(bag map[string]any) any {
	switch e.kind {
	case exprLiteral:
		return e.literal
	case exprPath:
		return lookupPath(bag, e.path)
	case exprNot:
		return !truthy(e.lhs.value(bag))
	case exprAnd:
		return truthy(e.lhs.value(bag)) && truthy(e.rhs.value(bag))
	case exprOr:
		return truthy(e.lhs.value(bag)) || truthy(e.rhs.value(bag))
	case exprCompare:
		return compare(e.op, e.lhs.value(bag), e.rhs.value(bag))
	}
	return nil
}

func lookupPath(bag map[string]any, path []string) any {
	var cur any = bag
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := asNumber(v); ok {
			return f != 0
		}
		return true
	}
}

func compare(op string, a, b any) bool {
	if fa, okA := asNumber(a); okA {
		if fb, okB := asNumber(b); okB {
			switch op {
			case "==":
				return fa == fb
			case "!=":
				return fa != fb
			case ">":
				return fa > fb
			case ">=":
				return fa >= fb
			case "<":
				return fa < fb
			case "<=":
				return fa <= fb
			}
			return false
		}
	}

	sa := fmt.Sprintf("%v", a)
	sb := fmt.Sprintf("%v", b)
	switch op {
	case "==":
		return sa == sb
	case "!=":
		return sa != sb
	case ">":
		return sa > sb
	case ">=":
		return sa >= sb
	case "<":
		return sa < sb
	case "<=":
		return sa <= sb
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	}
	return 0, false
}

// ---- 词法与递归下降 ----

func lexCondition(src string) []string {
	var tokens []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case strings.HasPrefix(src[i:], "&&"), strings.HasPrefix(src[i:], "||"),
			strings.HasPrefix(src[i:], "=="), strings.HasPrefix(src[i:], "!="),
			strings.HasPrefix(src[i:], ">="), strings.HasPrefix(src[i:], "<="):
			tokens = append(tokens, src[i:i+2])
			i += 2
		case c == '!' || c == '>' || c == '<' || c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				// 未闭合引号：吞到串尾，解析阶段会在比较里按字符串处理
				tokens = append(tokens, src[i:])
				i = len(src)
			} else {
				tokens = append(tokens, src[i:j+1])
				i = j + 1
			}
		default:
			j := i
			for j < len(src) && !strings.ContainsRune(" \t\n!<>=&|()'\"", rune(src[j])) {
				j++
			}
			tokens = append(tokens, src[i:j])
			i = j
		}
	}
	return tokens
}

type condParser struct {
	tokens []string
	pos    int
}

func (p *condParser) eof() bool { return p.pos >= len(p.tokens) }

func (p *condParser) peek() string {
	if p.eof() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *condParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *condParser) parseOr() (*Expr, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() == "||" {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = &Expr{kind: exprOr, lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *condParser) parseAnd() (*Expr, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek() == "&&" {
		p.next()
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = &Expr{kind: exprAnd, lhs: lhs, rhs: rhs}
	}
	return lhs, nil
}

func (p *condParser) parseUnary() (*Expr, error) {
	if p.peek() == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Expr{kind: exprNot, lhs: inner}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (*Expr, error) {
	if p.peek() == "(" {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return p.maybeCompare(inner)
	}

	operand, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return p.maybeCompare(operand)
}

func (p *condParser) maybeCompare(lhs *Expr) (*Expr, error) {
	op := p.peek()
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
		p.next()
		rhs, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &Expr{kind: exprCompare, op: op, lhs: lhs, rhs: rhs}, nil
	}
	return lhs, nil
}

func (p *condParser) parseOperand() (*Expr, error) {
	tok := p.next()
	if tok == "" {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	if len(tok) >= 2 && (tok[0] == '\'' || tok[0] == '"') && tok[len(tok)-1] == tok[0] {
		return &Expr{kind: exprLiteral, literal: tok[1 : len(tok)-1]}, nil
	}
	switch tok {
	case "true":
		return &Expr{kind: exprLiteral, literal: true}, nil
	case "false":
		return &Expr{kind: exprLiteral, literal: false}, nil
	case "null", "nil":
		return &Expr{kind: exprLiteral, literal: nil}, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return &Expr{kind: exprLiteral, literal: f}, nil
	}
	if !validPathToken(tok) {
		return nil, fmt.Errorf("invalid operand %q", tok)
	}
	return &Expr{kind: exprPath, path: strings.Split(tok, ".")}, nil
}

func validPathToken(tok string) bool {
	if tok == "" {
		return false
	}
	for _, r := range tok {
		if r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}
