package vars_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gproxy/gproxy/internal/vars"
)

func fixedClock() time.Time {
	return time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
}

func TestRollOneDieOneFace(t *testing.T) {
	s := vars.NewScope(1)
	for i := 0; i < 20; i++ {
		if got := s.Expand("{{roll 1d1}}"); got != "1" {
			t.Fatalf("Expand({{roll 1d1}}) = %q, want %q", got, "1")
		}
	}
}

func TestRollShorthand(t *testing.T) {
	s := vars.NewScope(42)
	got := s.Expand("{{roll 6}}")
	n, err := strconv.Atoi(got)
	if err != nil {
		t.Fatalf("Expand({{roll 6}}) = %q, not a number", got)
	}
	if n < 1 || n > 6 {
		t.Errorf("roll 6 produced %d, want 1..6", n)
	}
}

func TestRollBounds(t *testing.T) {
	s := vars.NewScope(7)
	got := s.Expand("{{roll 3d4}}")
	n, err := strconv.Atoi(got)
	if err != nil {
		t.Fatalf("Expand({{roll 3d4}}) = %q, not a number", got)
	}
	if n < 3 || n > 12 {
		t.Errorf("roll 3d4 produced %d, want 3..12", n)
	}
}

func TestRandomSingleAlternative(t *testing.T) {
	s := vars.NewScope(1)
	if got := s.Expand("{{random::X}}"); got != "X" {
		t.Errorf("Expand({{random::X}}) = %q, want %q", got, "X")
	}
}

func TestRandomPicksAmongAlternatives(t *testing.T) {
	s := vars.NewScope(99)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		seen[s.Expand("{{random::a::b::c}}")] = true
	}
	for _, want := range []string{"a", "b", "c"} {
		if !seen[want] {
			t.Errorf("random never produced %q over 50 draws", want)
		}
	}
	for got := range seen {
		if got != "a" && got != "b" && got != "c" {
			t.Errorf("random produced unexpected value %q", got)
		}
	}
}

func TestSetvarGetvar(t *testing.T) {
	s := vars.NewScope(1)
	if got := s.Expand("{{setvar::name::Alice}}"); got != "" {
		t.Errorf("setvar expansion = %q, want empty", got)
	}
	if got := s.Expand("Hello {{getvar::name}}"); got != "Hello Alice" {
		t.Errorf("getvar expansion = %q, want %q", got, "Hello Alice")
	}
}

func TestGetvarUnset(t *testing.T) {
	s := vars.NewScope(1)
	if got := s.Expand("[{{getvar::missing}}]"); got != "[]" {
		t.Errorf("unset getvar = %q, want %q", got, "[]")
	}
}

func TestSetvarValueMayContainDelimiter(t *testing.T) {
	s := vars.NewScope(1)
	s.Expand("{{setvar::path::a::b}}")
	if got := s.Expand("{{getvar::path}}"); got != "a::b" {
		t.Errorf("getvar = %q, want %q", got, "a::b")
	}
}

func TestDateAndTime(t *testing.T) {
	s := vars.NewScopeAt(1, fixedClock)
	if got := s.Expand("{{date}}"); got != "2025-03-14" {
		t.Errorf("date = %q, want 2025-03-14", got)
	}
	if got := s.Expand("{{time}}"); got != "09:26:53" {
		t.Errorf("time = %q, want 09:26:53", got)
	}
}

func TestComment(t *testing.T) {
	s := vars.NewScope(1)
	if got := s.Expand("a{{# anything at all}}b"); got != "ab" {
		t.Errorf("comment expansion = %q, want %q", got, "ab")
	}
}

func TestUnrecognizedLeftVerbatim(t *testing.T) {
	s := vars.NewScope(1)
	in := "keep {{unknown::thing}} and {{char}} as-is"
	if got := s.Expand(in); got != in {
		t.Errorf("Expand(%q) = %q, want unchanged", in, got)
	}
}

func TestCaseInsensitiveAndWhitespaceTolerant(t *testing.T) {
	s := vars.NewScope(1)
	if got := s.Expand("{{ ROLL 1d1 }}"); got != "1" {
		t.Errorf("Expand({{ ROLL 1d1 }}) = %q, want 1", got)
	}
	if got := s.Expand("{{ Random::only }}"); got != "only" {
		t.Errorf("case-insensitive random = %q, want %q", got, "only")
	}
}

func TestInnermostFirst(t *testing.T) {
	s := vars.NewScope(1)
	s.Expand("{{setvar::n::2}}")
	got := s.Expand("{{roll {{getvar::n}}d1}}")
	if got != "2" {
		t.Errorf("nested roll = %q, want %q", got, "2")
	}
}

func TestDeterministicForFixedSeed(t *testing.T) {
	input := "{{roll 10d20}} {{random::x::y::z}} {{roll 100}}"
	a := vars.NewScope(12345).Expand(input)
	b := vars.NewScope(12345).Expand(input)
	if a != b {
		t.Errorf("same seed diverged: %q vs %q", a, b)
	}
	c := vars.NewScope(54321).Expand(input)
	if a == c && strings.Contains(input, "roll") {
		// Different seeds almost surely differ for this input; if they
		// collide the PRNG wiring is suspect.
		t.Logf("warning: different seeds produced identical output %q", a)
	}
}

func TestNoDirectives(t *testing.T) {
	s := vars.NewScope(1)
	in := "plain text with } and { braces"
	if got := s.Expand(in); got != in {
		t.Errorf("Expand(%q) = %q, want unchanged", in, got)
	}
}
