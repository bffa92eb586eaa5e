// Package rewrite applies ordered regex substitutions to request and
// response text. Patterns are RE2 (no catastrophic backtracking); a
// pattern that fails to compile is skipped with a warning so one bad
// rule never takes down a request.
package rewrite

import (
	"regexp"

	"github.com/gproxy/gproxy/pkg/models"
	"github.com/rs/zerolog/log"
)

type compiledRule struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Pipeline is an ordered sequence of compiled substitutions for one phase.
type Pipeline struct {
	rules []compiledRule
}

// New builds the pipeline for a phase. Account-level rules run first,
// preset-level rules second; within each group, SortOrder ascending
// (the store returns them pre-sorted). Disabled rules and rules of other
// phases are dropped here so Apply stays a tight loop.
func New(phase string, accountRules, presetRules []models.RegexRule) *Pipeline {
	p := &Pipeline{}
	p.add(accountRules, phase)
	p.add(presetRules, phase)
	return p
}

func (p *Pipeline) add(rules []models.RegexRule, phase string) {
	for _, r := range rules {
		if !r.Enabled || r.Phase != phase {
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			log.Warn().Str("rule", r.Name).Str("pattern", r.Pattern).Err(err).
				Msg("Regex rule failed to compile, skipping")
			continue
		}
		p.rules = append(p.rules, compiledRule{name: r.Name, re: re, repl: r.Replacement})
	}
}

// Len reports how many rules survived compilation.
func (p *Pipeline) Len() int { return len(p.rules) }

// Apply runs every rule in order as a global substitution. $1, $2, ...
// in the replacement refer to captured groups. An empty pipeline is the
// identity.
func (p *Pipeline) Apply(s string) string {
	for _, r := range p.rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// ApplyMessages rewrites the content of every message in place and
// returns the slice for chaining. Used by the pre phase.
func (p *Pipeline) ApplyMessages(msgs []models.ChatMessage) []models.ChatMessage {
	if len(p.rules) == 0 {
		return msgs
	}
	for i := range msgs {
		msgs[i].Content = p.Apply(msgs[i].Content)
	}
	return msgs
}

// Validate reports whether a pattern compiles. The admin API rejects
// rules that fail this at insertion time.
func Validate(pattern string) error {
	_, err := regexp.Compile(pattern)
	return err
}
