// Package vars evaluates the template variables embedded in preset item
// text. The directive set is closed; anything unrecognized is left
// verbatim. A Scope lives for one request: setvar/getvar state and the
// PRNG are created per request and discarded.
package vars

import (
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// rollPattern matches "roll NdM" and the "roll M" shorthand.
var rollPattern = regexp.MustCompile(`^(?i)roll\s+(?:(\d+)\s*d\s*)?(\d+)$`)

// maxDice bounds a single roll so a hostile preset cannot spin the CPU.
const maxDice = 1000

// Scope holds the per-request variable table and PRNG.
type Scope struct {
	vars map[string]string
	rng  *rand.Rand
	now  func() time.Time
}

// NewScope creates a scope seeded deterministically. The same seed and
// the same expansion sequence produce bit-identical output.
func NewScope(seed int64) *Scope {
	return &Scope{
		vars: make(map[string]string),
		rng:  rand.New(rand.NewSource(seed)),
		now:  time.Now,
	}
}

// NewScopeAt is NewScope with a fixed clock, for tests of {{date}}/{{time}}.
func NewScopeAt(seed int64, now func() time.Time) *Scope {
	s := NewScope(seed)
	s.now = now
	return s
}

// Expand performs one left-to-right pass over text, evaluating the
// innermost {{...}} first. Unrecognized directives are left verbatim and
// do not block the scan.
func (s *Scope) Expand(text string) string {
	var b strings.Builder
	rest := text
	for {
		end := strings.Index(rest, "}}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		start := strings.LastIndex(rest[:end], "{{")
		if start == -1 {
			b.WriteString(rest[:end+2])
			rest = rest[end+2:]
			continue
		}
		value, ok := s.eval(rest[start+2 : end])
		if !ok {
			// Leave the directive verbatim; everything up to and
			// including it is now past the scan point.
			b.WriteString(rest[:end+2])
			rest = rest[end+2:]
			continue
		}
		// Splice the value in place so an enclosing directive can
		// consume it ({{roll {{getvar::n}}d6}}).
		rest = rest[:start] + value + rest[end+2:]
	}
	return b.String()
}

// eval resolves a single directive body. Returns ok=false for anything
// outside the closed directive set.
func (s *Scope) eval(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", false
	}
	if strings.HasPrefix(body, "#") {
		return "", true // comment
	}

	if m := rollPattern.FindStringSubmatch(body); m != nil {
		return s.roll(m[1], m[2])
	}

	parts := strings.Split(body, "::")
	keyword := strings.ToLower(strings.TrimSpace(parts[0]))
	switch keyword {
	case "random":
		if len(parts) < 2 {
			return "", false
		}
		return parts[1+s.rng.Intn(len(parts)-1)], true
	case "setvar":
		if len(parts) < 3 {
			return "", false
		}
		// The value may itself contain the delimiter.
		s.vars[strings.TrimSpace(parts[1])] = strings.Join(parts[2:], "::")
		return "", true
	case "getvar":
		if len(parts) != 2 {
			return "", false
		}
		return s.vars[strings.TrimSpace(parts[1])], true
	case "date":
		if len(parts) != 1 {
			return "", false
		}
		return s.now().Format("2006-01-02"), true
	case "time":
		if len(parts) != 1 {
			return "", false
		}
		return s.now().Format("15:04:05"), true
	}
	return "", false
}

func (s *Scope) roll(countStr, facesStr string) (string, bool) {
	count := 1
	if countStr != "" {
		n, err := strconv.Atoi(countStr)
		if err != nil {
			return "", false
		}
		count = n
	}
	faces, err := strconv.Atoi(facesStr)
	if err != nil || faces < 1 || count < 0 || count > maxDice {
		return "", false
	}
	sum := 0
	for i := 0; i < count; i++ {
		sum += s.rng.Intn(faces) + 1
	}
	return strconv.Itoa(sum), true
}
