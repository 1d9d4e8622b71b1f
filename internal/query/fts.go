// Package query compiles user search queries into SQLite FTS5 MATCH
// expressions. The input grammar supports conjunction (AND, or adjacency),
// disjunction (OR), negation (NOT term), exact phrases ("..."), and grouping
// with parentheses. Malformed input fails with ErrSyntax instead of degrading
// to a partial match.
package query

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrSyntax is returned (wrapped) for any malformed query.
var ErrSyntax = errors.New("query syntax error")

func syntaxErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSyntax, fmt.Sprintf(format, args...))
}

// Compile parses q and returns an equivalent FTS5 MATCH expression with all
// terms and phrases quoted, so no raw user token can reach the FTS5 parser.
func Compile(q string) (string, error) {
	toks, err := tokenize(q)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return "", syntaxErr("empty query")
	}

	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return "", err
	}
	if !p.done() {
		return "", syntaxErr("unexpected %q", p.peek().text)
	}

	expr, negated, err := render(root)
	if err != nil {
		return "", err
	}
	if negated {
		return "", syntaxErr("query cannot consist of negations only")
	}
	return expr, nil
}

type tokenKind int

const (
	tokTerm tokenKind = iota
	tokPhrase
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(q string) ([]token, error) {
	var toks []token
	runes := []rune(q)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case r == '"':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == '"' {
					end = j
					break
				}
			}
			if end < 0 {
				return nil, syntaxErr("unterminated phrase")
			}
			phrase := strings.TrimSpace(string(runes[i+1 : end]))
			if phrase == "" {
				return nil, syntaxErr("empty phrase")
			}
			toks = append(toks, token{kind: tokPhrase, text: phrase})
			i = end + 1
		default:
			j := i
			for j < len(runes) && !unicode.IsSpace(runes[j]) &&
				runes[j] != '(' && runes[j] != ')' && runes[j] != '"' {
				j++
			}
			word := string(runes[i:j])
			switch word {
			case "AND":
				toks = append(toks, token{kind: tokAnd, text: word})
			case "OR":
				toks = append(toks, token{kind: tokOr, text: word})
			case "NOT":
				toks = append(toks, token{kind: tokNot, text: word})
			default:
				toks = append(toks, token{kind: tokTerm, text: word})
			}
			i = j
		}
	}
	return toks, nil
}

// AST nodes. FTS5's NOT is binary (set difference), so unary negation is
// tracked on the node and folded into the parent conjunction when rendering.
type node struct {
	op      string // "term", "phrase", "and", "or"
	text    string
	negated bool
	kids    []*node
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (*node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	kids := []*node{left}
	for !p.done() && p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		kids = append(kids, right)
	}
	if len(kids) == 1 {
		return left, nil
	}
	return &node{op: "or", kids: kids}, nil
}

func (p *parser) parseAnd() (*node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	kids := []*node{left}
	for !p.done() {
		k := p.peek().kind
		if k == tokOr || k == tokRParen {
			break
		}
		if k == tokAnd {
			p.next()
			if p.done() {
				return nil, syntaxErr("dangling AND")
			}
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		kids = append(kids, right)
	}
	if len(kids) == 1 {
		return left, nil
	}
	return &node{op: "and", kids: kids}, nil
}

func (p *parser) parseNot() (*node, error) {
	if !p.done() && p.peek().kind == tokNot {
		p.next()
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		child.negated = !child.negated
		return child, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*node, error) {
	if p.done() {
		return nil, syntaxErr("unexpected end of query")
	}
	t := p.next()
	switch t.kind {
	case tokTerm:
		return &node{op: "term", text: t.text}, nil
	case tokPhrase:
		return &node{op: "phrase", text: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.done() || p.peek().kind != tokRParen {
			return nil, syntaxErr("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	case tokAnd, tokOr:
		return nil, syntaxErr("operator %q needs a left operand", t.text)
	default:
		return nil, syntaxErr("unexpected %q", t.text)
	}
}

// render returns the FTS5 expression for n and whether the whole node is
// negated. Negations must be consumed by an enclosing conjunction.
func render(n *node) (string, bool, error) {
	switch n.op {
	case "term", "phrase":
		return quote(n.text), n.negated, nil
	case "or":
		parts := make([]string, 0, len(n.kids))
		for _, kid := range n.kids {
			expr, neg, err := render(kid)
			if err != nil {
				return "", false, err
			}
			if neg {
				return "", false, syntaxErr("negated term inside OR group")
			}
			parts = append(parts, expr)
		}
		return "(" + strings.Join(parts, " OR ") + ")", n.negated, nil
	case "and":
		var positive, negative []string
		for _, kid := range n.kids {
			expr, neg, err := render(kid)
			if err != nil {
				return "", false, err
			}
			if neg {
				negative = append(negative, expr)
			} else {
				positive = append(positive, expr)
			}
		}
		if len(positive) == 0 {
			return "", false, syntaxErr("query cannot consist of negations only")
		}
		expr := strings.Join(positive, " AND ")
		if len(negative) > 0 {
			expr = "(" + expr + ")"
			for _, neg := range negative {
				expr += " NOT " + neg
			}
		}
		return "(" + expr + ")", n.negated, nil
	default:
		return "", false, syntaxErr("internal: unknown node %q", n.op)
	}
}

// quote wraps a term or phrase as an FTS5 string literal.
func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
