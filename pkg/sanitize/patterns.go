package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// regexPrefix marks a configured pattern as a regular expression rather than a literal.
const regexPrefix = "regex:"

// Pattern is a single denylist entry.
type Pattern struct {
	// Name is the human-readable form reported in PatternError.
	Name string
	re   *regexp.Regexp
}

// Match reports whether s contains the pattern.
func (p Pattern) Match(s string) bool {
	return p.re.MatchString(s)
}

// builtinPatterns is the fixed denylist. Order determines which pattern is
// reported when a leaf matches several.
var builtinPatterns = []Pattern{
	// Script injection
	{Name: "<script", re: regexp.MustCompile(`(?i)<\s*script`)},
	{Name: "javascript:", re: regexp.MustCompile(`(?i)javascript\s*:`)},
	{Name: "eval(", re: regexp.MustCompile(`(?i)eval\s*\(`)},

	// Path traversal
	{Name: "../", re: regexp.MustCompile(`\.\./`)},
	{Name: `..\`, re: regexp.MustCompile(`\.\.\\`)},

	// Shell injection
	{Name: "; rm", re: regexp.MustCompile(`(?i);\s*rm`)},
	{Name: "sudo ", re: regexp.MustCompile(`(?i)sudo\s`)},
	{Name: "`", re: regexp.MustCompile("`")},
	{Name: "$(", re: regexp.MustCompile(`\$\(`)},
}

// BuiltinPatterns returns the names of the builtin denylist entries.
func BuiltinPatterns() []string {
	names := make([]string, len(builtinPatterns))
	for i, p := range builtinPatterns {
		names[i] = p.Name
	}
	return names
}

// CompilePattern compiles a configured denylist entry. Entries prefixed with
// "regex:" are regular expressions; anything else is a literal substring.
// Both match case-insensitively.
func CompilePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}

	if expr, ok := strings.CutPrefix(raw, regexPrefix); ok {
		if expr == "" {
			return Pattern{}, fmt.Errorf("empty regex pattern")
		}
		if !strings.HasPrefix(expr, "(?i)") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return Pattern{}, fmt.Errorf("compiling pattern %q: %w", raw, err)
		}
		return Pattern{Name: strings.TrimPrefix(raw, regexPrefix), re: re}, nil
	}

	return Pattern{Name: raw, re: regexp.MustCompile("(?i)" + regexp.QuoteMeta(raw))}, nil
}
