// Package phrases rewrites recognised speech before it reaches the interview
// server. Operators can supply a rules file to fix recurring misrecognitions;
// spoken control phrases are always mapped to the server's control tokens.
package phrases

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// controlRules turn a whole utterance like "I'm ready for coding" into the
// token the server switches stages on. They run after operator rules so a
// rule such as "coating => coding" can feed them.
const controlRules = `
s/^\s*(?:ok(?:ay)?,?\s+|so,?\s+)?i(?:['’]|\s+a)?m\s+ready\s+(?:for|to\s+start)\s+(?:the\s+)?coding(?:\s+round|\s+challenge)?\W*$/ready_for_coding/
s/^\s*(?:ok(?:ay)?,?\s+|so,?\s+)?i(?:['’]|\s+a)?m\s+(?:done|finished)\s+(?:with\s+(?:the\s+)?)?coding\W*$/done_coding/
`

const defaultIterationLimit = 30

// Rule rewrites text, reporting whether anything changed.
type Rule interface {
	Apply(input string) (output string, changed bool)
}

// Parser compiles one rules-file line. Extra parsers are consulted before the
// built-in literal and regex forms.
type Parser interface {
	CanParse(line string) bool
	Parse(line string) (Rule, error)
}

// Normalizer applies substitution rules until the text stops changing.
type Normalizer struct {
	rules          []Rule
	iterationLimit int
}

// New loads operator rules from path. An empty path or a missing file leaves
// only the control phrase rules.
func New(path string, iterationLimit int) (*Normalizer, error) {
	return NewWithParsers(path, iterationLimit, nil)
}

func NewWithParsers(path string, iterationLimit int, extra []Parser) (*Normalizer, error) {
	if iterationLimit <= 0 {
		iterationLimit = defaultIterationLimit
	}
	parsers := append(append([]Parser(nil), extra...), defaultParsers()...)

	var operator []Rule
	if strings.TrimSpace(path) != "" {
		contents, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read phrase rules %q: %w", path, err)
		default:
			operator, err = parseRules(string(contents), parsers)
			if err != nil {
				return nil, fmt.Errorf("parse phrase rules %q: %w", path, err)
			}
		}
	}

	control, err := parseRules(controlRules, defaultParsers())
	if err != nil {
		return nil, fmt.Errorf("parse control phrases: %w", err)
	}

	return &Normalizer{rules: append(operator, control...), iterationLimit: iterationLimit}, nil
}

// Apply rewrites text. Rules cycling past the iteration limit stop with the
// last rewrite rather than failing.
func (n *Normalizer) Apply(text string) (string, error) {
	result := text
	for pass := 0; pass < n.iterationLimit; pass++ {
		changed := false
		for _, r := range n.rules {
			if next, ok := r.Apply(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return result, nil
}

// RuleCount reports how many rules are loaded, control phrases included.
func (n *Normalizer) RuleCount() int {
	return len(n.rules)
}

func parseRules(contents string, parsers []Parser) ([]Rule, error) {
	lines := strings.Split(contents, "\n")
	rules := make([]Rule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var parser Parser
		for _, candidate := range parsers {
			if candidate.CanParse(line) {
				parser = candidate
				break
			}
		}
		if parser == nil {
			return nil, fmt.Errorf("line %d: unsupported rule format", index+1)
		}

		compiled, err := parser.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}
		rules = append(rules, compiled)
	}

	return rules, nil
}

func defaultParsers() []Parser {
	return []Parser{regexParser{}, literalParser{}}
}
