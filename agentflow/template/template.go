// Package template renders the {{ }} / {% %} grammar used for stage input
// templates, artifact path/content templates, and condition-evaluator
// expressions. It is a closed, hand-rolled renderer rather than a
// general-purpose templating library: the grammar has a fixed filter
// whitelist, no user-definable functions, and no access to struct fields
// whose name starts with an underscore. This is deliberate — a generic
// engine's escape hatches (arbitrary filters, attribute access into Go
// internals) are exactly what a workflow spec must not be able to reach.
package template

import (
	"fmt"
	"strconv"
	"strings"
)

// SecurityViolation is returned when a template references a forbidden
// name: a dunder-prefixed identifier, or a filter outside the whitelist.
type SecurityViolation struct {
	Reason string
}

func (e *SecurityViolation) Error() string { return "security violation: " + e.Reason }

// UndefinedError is returned when a template references a variable that
// is not present in the context snapshot — references are strict, there
// is no silent empty-string fallback.
type UndefinedError struct {
	Path string
}

func (e *UndefinedError) Error() string { return "undefined variable: " + e.Path }

// SyntaxError is returned for malformed template grammar.
type SyntaxError struct {
	Reason string
}

func (e *SyntaxError) Error() string { return "template syntax error: " + e.Reason }

// whitelistedFilters is the closed set of filter names a template may
// invoke. Nothing outside this list is reachable, by construction —
// unlike a general templating engine's global filter registry, there is
// no registration API that could widen this set at runtime.
var whitelistedFilters = map[string]bool{
	"truncate": true,
	"title":    true,
	"tojson":   true,
	"default":  true,
	"replace":  true,
	"lower":    true,
	"upper":    true,
}

// Render renders tmpl against data, a plain map produced by
// (*agentflow.Context) snapshotting. It never panics: every failure mode
// is returned as *SecurityViolation, *UndefinedError, or *SyntaxError.
func Render(tmpl string, data map[string]any) (string, error) {
	nodes, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := renderNodes(nodes, data, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeExpr
	nodeIf
	nodeFor
)

type node struct {
	kind nodeKind
	text string // nodeText
	expr string // nodeExpr, nodeIf condition
	// nodeFor
	forVar   string
	forExpr  string
	body     []node
	elseBody []node // nodeIf only
}

// parse tokenizes and nests {{ expr }} and {% if/endif %} / {% for/endfor %}
// blocks into a small tree. Nesting depth is bounded only by the template
// text itself — there is no recursive-descent-into-Go-functions danger
// since filters cannot invoke templates.
func parse(src string) ([]node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	nodes, rest, err := parseNodes(toks)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, &SyntaxError{Reason: "unexpected trailing block tag"}
	}
	return nodes, nil
}

type token struct {
	kind string // "text", "expr", "if", "else", "endif", "for", "endfor"
	raw  string
}

func tokenize(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		start := strings.Index(src[i:], "{{")
		startTag := strings.Index(src[i:], "{%")
		if start == -1 && startTag == -1 {
			toks = append(toks, token{kind: "text", raw: src[i:]})
			break
		}
		var useExpr bool
		var at int
		switch {
		case start == -1:
			useExpr, at = false, startTag
		case startTag == -1:
			useExpr, at = true, start
		case start < startTag:
			useExpr, at = true, start
		default:
			useExpr, at = false, startTag
		}
		if at > 0 {
			toks = append(toks, token{kind: "text", raw: src[i : i+at]})
		}
		i += at
		if useExpr {
			end := strings.Index(src[i:], "}}")
			if end == -1 {
				return nil, &SyntaxError{Reason: "unterminated {{ expression"}
			}
			body := strings.TrimSpace(src[i+2 : i+end])
			toks = append(toks, token{kind: "expr", raw: body})
			i += end + 2
			continue
		}
		end := strings.Index(src[i:], "%}")
		if end == -1 {
			return nil, &SyntaxError{Reason: "unterminated {% tag"}
		}
		body := strings.TrimSpace(src[i+2 : i+end])
		i += end + 2
		switch {
		case body == "else":
			toks = append(toks, token{kind: "else"})
		case body == "endif":
			toks = append(toks, token{kind: "endif"})
		case body == "endfor":
			toks = append(toks, token{kind: "endfor"})
		case strings.HasPrefix(body, "if "):
			toks = append(toks, token{kind: "if", raw: strings.TrimSpace(body[3:])})
		case strings.HasPrefix(body, "for "):
			toks = append(toks, token{kind: "for", raw: strings.TrimSpace(body[4:])})
		default:
			return nil, &SyntaxError{Reason: "unknown block tag: " + body}
		}
	}
	return toks, nil
}

// parseNodes consumes tokens until it hits an unmatched else/endif/endfor
// (returned as the remainder for the caller block to consume) or runs out.
func parseNodes(toks []token) ([]node, []token, error) {
	var nodes []node
	for len(toks) > 0 {
		t := toks[0]
		switch t.kind {
		case "text":
			nodes = append(nodes, node{kind: nodeText, text: t.raw})
			toks = toks[1:]
		case "expr":
			nodes = append(nodes, node{kind: nodeExpr, expr: t.raw})
			toks = toks[1:]
		case "else", "endif", "endfor":
			return nodes, toks, nil
		case "if":
			body, rest, err := parseNodes(toks[1:])
			if err != nil {
				return nil, nil, err
			}
			var elseBody []node
			if len(rest) > 0 && rest[0].kind == "else" {
				elseBody, rest, err = parseNodes(rest[1:])
				if err != nil {
					return nil, nil, err
				}
			}
			if len(rest) == 0 || rest[0].kind != "endif" {
				return nil, nil, &SyntaxError{Reason: "missing {% endif %}"}
			}
			nodes = append(nodes, node{kind: nodeIf, expr: t.raw, body: body, elseBody: elseBody})
			toks = rest[1:]
		case "for":
			parts := strings.SplitN(t.raw, " in ", 2)
			if len(parts) != 2 {
				return nil, nil, &SyntaxError{Reason: "for loop must read 'for x in expr'"}
			}
			body, rest, err := parseNodes(toks[1:])
			if err != nil {
				return nil, nil, err
			}
			if len(rest) == 0 || rest[0].kind != "endfor" {
				return nil, nil, &SyntaxError{Reason: "missing {% endfor %}"}
			}
			nodes = append(nodes, node{kind: nodeFor, forVar: strings.TrimSpace(parts[0]), forExpr: strings.TrimSpace(parts[1]), body: body})
			toks = rest[1:]
		default:
			return nil, nil, &SyntaxError{Reason: "unknown token"}
		}
	}
	return nodes, nil, nil
}

func renderNodes(nodes []node, data map[string]any, b *strings.Builder) error {
	for _, n := range nodes {
		switch n.kind {
		case nodeText:
			b.WriteString(n.text)
		case nodeExpr:
			v, err := Eval(n.expr, data)
			if err != nil {
				return err
			}
			b.WriteString(stringify(v))
		case nodeIf:
			v, err := Eval(n.expr, data)
			if err != nil {
				return err
			}
			if truthy(v) {
				if err := renderNodes(n.body, data, b); err != nil {
					return err
				}
			} else if err := renderNodes(n.elseBody, data, b); err != nil {
				return err
			}
		case nodeFor:
			seq, err := Eval(n.forExpr, data)
			if err != nil {
				return err
			}
			items, ok := toSlice(seq)
			if !ok {
				return &SyntaxError{Reason: "for loop target is not iterable: " + n.forExpr}
			}
			for _, item := range items {
				scoped := make(map[string]any, len(data)+1)
				for k, v := range data {
					scoped[k] = v
				}
				scoped[n.forVar] = item
				if err := renderNodes(n.body, scoped, b); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}

func toSlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// parseNumber is used by the filter implementations that take a numeric
// argument (truncate(n)).
func parseNumber(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
