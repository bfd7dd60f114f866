package grammar

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zhouzirui/convo-bridge/internal/model/goal"
)

// maxMatches caps the distinct parses kept per rule and position.
const maxMatches = 32

type match struct {
	end       int
	semantics string
}

type partial struct {
	pos      int
	bindings map[string]string
}

type memoKey struct {
	rule string
	pos  int
}

// run holds the state of one Parse call. Matches are memoized per (rule, pos).
// A left-recursive reference to a rule still being expanded sees the previous
// round's matches; rounds repeat until no entry grows.
type run struct {
	ctx    context.Context
	g      *Grammar
	words  []string
	prev   map[memoKey][]match
	memo   map[memoKey][]match
	active map[memoKey]bool
	cyclic bool
	err    error
}

// Parse matches the whole word sequence against target and returns its semantics.
func (g *Grammar) Parse(ctx context.Context, words []string, target string) (goal.Semantics, error) {
	if _, ok := g.rules[target]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}

	r := &run{ctx: ctx, g: g, words: words}
	var matches []match
	for round := 0; round <= 2*len(words)+1; round++ {
		r.memo = make(map[memoKey][]match)
		r.active = make(map[memoKey]bool)
		r.cyclic = false

		matches = r.match(target, 0)
		if r.err != nil {
			return nil, r.err
		}
		if !r.cyclic || !r.grew() {
			break
		}
		r.prev = r.memo
	}

	for _, m := range matches {
		if m.end != len(words) {
			continue
		}

		var value any
		if err := json.Unmarshal([]byte(m.semantics), &value); err != nil {
			return nil, fmt.Errorf("%w: semantics %q is not valid JSON: %v", ErrInvalidGrammar, m.semantics, err)
		}
		if object, ok := value.(map[string]any); ok {
			return goal.Semantics(object), nil
		}
		return goal.Semantics{"value": value}, nil
	}
	return nil, fmt.Errorf("%w: %q (target %s)", ErrNoParse, strings.Join(words, " "), target)
}

func (r *run) grew() bool {
	for key, matches := range r.memo {
		if len(matches) != len(r.prev[key]) {
			return true
		}
	}
	return false
}

func (r *run) match(rule string, pos int) []match {
	if r.err != nil {
		return nil
	}
	key := memoKey{rule: rule, pos: pos}
	if cached, ok := r.memo[key]; ok {
		return cached
	}
	if r.active[key] {
		r.cyclic = true
		return r.prev[key]
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return nil
	}

	r.active[key] = true
	var matches []match
	seen := make(map[match]struct{})
	for _, p := range r.g.rules[rule] {
		states := []partial{{pos: pos}}
		for _, s := range p.symbols {
			states = r.advance(states, s)
			if len(states) == 0 || r.err != nil {
				break
			}
		}

		for _, st := range states {
			semantics := p.template
			if semantics == "" {
				quoted, _ := json.Marshal(strings.Join(r.words[pos:st.pos], " "))
				semantics = string(quoted)
			} else {
				semantics = substitute(semantics, st.bindings)
			}
			m := match{end: st.pos, semantics: semantics}
			if _, dup := seen[m]; dup || len(matches) >= maxMatches {
				continue
			}
			seen[m] = struct{}{}
			matches = append(matches, m)
		}
	}
	delete(r.active, key)

	r.memo[key] = matches
	return matches
}

// advance extends every partial parse by one symbol, dropping duplicates.
func (r *run) advance(states []partial, s symbol) []partial {
	var next []partial
	seen := make(map[string]struct{})
	add := func(st partial) {
		k := stateKey(st)
		if _, dup := seen[k]; dup || len(next) >= maxMatches {
			return
		}
		seen[k] = struct{}{}
		next = append(next, st)
	}

	for _, st := range states {
		if s.word != "" {
			if st.pos < len(r.words) && r.words[st.pos] == s.word {
				add(partial{pos: st.pos + 1, bindings: st.bindings})
			}
			continue
		}
		for _, sub := range r.match(s.rule, st.pos) {
			bindings := st.bindings
			if s.variable != "" {
				bindings = make(map[string]string, len(st.bindings)+1)
				for k, v := range st.bindings {
					bindings[k] = v
				}
				bindings[s.variable] = sub.semantics
			}
			add(partial{pos: sub.end, bindings: bindings})
		}
	}
	return next
}

func stateKey(st partial) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(st.pos))
	for _, k := range slices.Sorted(maps.Keys(st.bindings)) {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(st.bindings[k])
	}
	return b.String()
}

// substitute replaces bound variable identifiers outside JSON strings.
func substitute(template string, bindings map[string]string) string {
	if len(bindings) == 0 {
		return template
	}

	var b strings.Builder
	inString := false
	for i := 0; i < len(template); i++ {
		c := template[i]
		if inString {
			b.WriteByte(c)
			switch c {
			case '\\':
				if i+1 < len(template) {
					i++
					b.WriteByte(template[i])
				}
			case '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}

		if isIdentStart(c) {
			j := i + 1
			for j < len(template) && isIdentPart(template[j]) {
				j++
			}
			ident := template[i:j]
			if value, ok := bindings[ident]; ok {
				b.WriteString(value)
			} else {
				b.WriteString(ident)
			}
			i = j - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// cacheSize bounds the number of compiled grammars kept by a Parser.
const cacheSize = 64

// Parser compiles grammars on first use and keeps the most recently used ones.
type Parser struct {
	cache *lru.Cache[string, *Grammar]
}

// NewParser returns a Parser with an empty grammar cache.
func NewParser() *Parser {
	cache, _ := lru.New[string, *Grammar](cacheSize)
	return &Parser{cache: cache}
}

// Parse splits sentence on whitespace and parses it against target in grammarText.
func (p *Parser) Parse(ctx context.Context, sentence, grammarText, target string) (goal.Semantics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g, err := p.compiled(grammarText)
	if err != nil {
		return nil, err
	}
	return g.Parse(ctx, strings.Fields(sentence), target)
}

func (p *Parser) compiled(text string) (*Grammar, error) {
	if g, ok := p.cache.Get(text); ok {
		return g, nil
	}
	g, err := Compile(text)
	if err != nil {
		return nil, err
	}
	p.cache.Add(text, g)
	return g, nil
}
