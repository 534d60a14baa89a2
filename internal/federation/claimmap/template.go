package claimmap

import (
	"strings"
)

// Transform is the tagged kind of a claim expression. Configured claim
// strings are classified once, then evaluated by a small interpreter
// instead of ad hoc string branching.
type Transform int

const (
	// TransformReference reads the claim key from the selected source.
	TransformReference Transform = iota
	// TransformLiteral yields a fixed value ("literal:" prefix).
	TransformLiteral
	// TransformCompute renders a template ("{{ ... }}") against the
	// merged claim context.
	TransformCompute
	// TransformTranslate maps the claim value through a named table
	// ("translate:<table>:<claim>").
	TransformTranslate
)

// Expr is a parsed claim expression.
type Expr struct {
	Kind Transform

	// Claim for Reference and Translate.
	Claim string
	// Text for Literal, template source for Compute.
	Text string
	// Table name for Translate.
	Table string
}

func parseExpr(claim string) Expr {
	switch {
	case strings.Contains(claim, "{{"):
		return Expr{Kind: TransformCompute, Text: claim}
	case strings.HasPrefix(claim, "literal:"):
		return Expr{Kind: TransformLiteral, Text: strings.TrimPrefix(claim, "literal:")}
	case strings.HasPrefix(claim, "translate:"):
		rest := strings.TrimPrefix(claim, "translate:")
		if table, key, ok := strings.Cut(rest, ":"); ok {
			return Expr{Kind: TransformTranslate, Table: table, Claim: key}
		}
		return Expr{Kind: TransformReference, Claim: rest}
	default:
		return Expr{Kind: TransformReference, Claim: claim}
	}
}

// evaluate resolves the expression. found is false when the referenced
// claim is absent from its source; literals and templates always
// evaluate.
func (e Expr) evaluate(source, context map[string]any, translations map[string]map[string]string) (any, bool) {
	switch e.Kind {
	case TransformLiteral:
		return e.Text, true
	case TransformCompute:
		if len(context) == 0 {
			return "", false
		}
		return renderTemplate(e.Text, context), true
	case TransformTranslate:
		raw, ok := source[e.Claim]
		if !ok {
			return nil, false
		}
		value := stringify(raw)
		if table, ok := translations[e.Table]; ok {
			if translated, ok := table[value]; ok {
				return translated, true
			}
		}
		// unknown codes pass through untranslated
		return value, true
	default:
		raw, ok := source[e.Claim]
		return raw, ok
	}
}

// renderTemplate renders "{{ key }}" segments against the context.
// Supported filters: |default:"x", |upper, |lower.
func renderTemplate(tmpl string, context map[string]any) string {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			// unbalanced expression, emit as-is
			b.WriteString("{{")
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(evalPlaceholder(strings.TrimSpace(rest[:end]), context))
		rest = rest[end+2:]
	}
}

func evalPlaceholder(expr string, context map[string]any) string {
	parts := strings.Split(expr, "|")
	key := strings.TrimSpace(parts[0])

	value := ""
	if raw, ok := context[key]; ok {
		value = stringify(raw)
	}

	for _, filter := range parts[1:] {
		filter = strings.TrimSpace(filter)
		switch {
		case strings.HasPrefix(filter, "default:"):
			if value == "" {
				value = strings.Trim(strings.TrimPrefix(filter, "default:"), `"'`)
			}
		case filter == "upper":
			value = strings.ToUpper(value)
		case filter == "lower":
			value = strings.ToLower(value)
		}
	}
	return value
}

// builtinTranslations carries the tables shipped by default. The
// FranceConnect INSEE country table only needs the metropolitan code
// here; deployments register the full table at startup.
func builtinTranslations() map[string]map[string]string {
	return map[string]map[string]string{
		"insee-country": {
			"99100": "France",
		},
	}
}
