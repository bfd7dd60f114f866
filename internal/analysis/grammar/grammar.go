// Package grammar parses answer sentences against a small feature grammar and
// returns the semantics attached to the matching rules.
//
// A grammar has one rule per line:
//
//	T[{"action": "navigate", "room": R}] -> go to the ROOM[R]
//	ROOM["kitchen"] -> kitchen | the kitchen
//	ROOM["bedroom"] -> bedroom
//
// Upper-case tokens reference other rules, optionally binding the referenced
// rule's semantics to a variable. Everything else is a literal word. The
// semantics template is JSON in which bound variables are replaced by the
// semantics of the rule they refer to. A rule without a template yields the
// words it matched as a JSON string.
package grammar

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidGrammar = errors.New("invalid grammar")
	ErrUnknownTarget  = errors.New("unknown grammar target")
	ErrNoParse        = errors.New("sentence does not match grammar")
)

var (
	ruleNamePattern  = regexp.MustCompile(`^[A-Z][A-Z0-9_]*`)
	referencePattern = regexp.MustCompile(`^([A-Z][A-Z0-9_]*)(?:\[([A-Za-z_][A-Za-z0-9_]*)\])?$`)
)

type symbol struct {
	word     string
	rule     string
	variable string
}

type production struct {
	template string
	symbols  []symbol
}

// Grammar is a compiled rule set.
type Grammar struct {
	rules map[string][]production
}

// Compile parses grammar text into a Grammar.
func Compile(text string) (*Grammar, error) {
	g := &Grammar{rules: make(map[string][]production)}

	scanner := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := g.addRule(line); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidGrammar, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrammar, err)
	}
	if len(g.rules) == 0 {
		return nil, fmt.Errorf("%w: no rules", ErrInvalidGrammar)
	}

	for name, productions := range g.rules {
		for _, p := range productions {
			for _, s := range p.symbols {
				if s.rule != "" {
					if _, ok := g.rules[s.rule]; !ok {
						return nil, fmt.Errorf("%w: rule %s references undefined rule %s", ErrInvalidGrammar, name, s.rule)
					}
				}
			}
		}
	}
	return g, nil
}

func (g *Grammar) addRule(line string) error {
	name := ruleNamePattern.FindString(line)
	if name == "" {
		return fmt.Errorf("rule must start with an upper-case name: %q", line)
	}
	rest := line[len(name):]

	template := ""
	if strings.HasPrefix(rest, "[") {
		end, err := closingBracket(rest)
		if err != nil {
			return err
		}
		template = strings.TrimSpace(rest[1:end])
		rest = rest[end+1:]
	}

	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "->") {
		return fmt.Errorf("missing '->' in rule %s", name)
	}
	body := strings.TrimSpace(rest[2:])

	for _, alternative := range strings.Split(body, "|") {
		p := production{template: template}
		for _, token := range strings.Fields(alternative) {
			if m := referencePattern.FindStringSubmatch(token); m != nil {
				p.symbols = append(p.symbols, symbol{rule: m[1], variable: m[2]})
				continue
			}
			p.symbols = append(p.symbols, symbol{word: strings.ToLower(token)})
		}
		g.rules[name] = append(g.rules[name], p)
	}
	return nil
}

// closingBracket returns the index of the ']' matching the '[' at s[0],
// skipping brackets inside JSON strings.
func closingBracket(s string) (int, error) {
	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, errors.New("unbalanced '[' in semantics")
}
