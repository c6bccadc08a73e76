package authz

import (
	"errors"
	"strings"
)

// Pattern matches colon-separated identifiers such as "orders:123" or
// "role:admin". The grammar is segment-wise:
//
//   - a literal segment matches itself exactly (case-sensitive)
//   - "*" matches exactly one segment, except as the final segment where
//     it matches any non-empty suffix
//   - "**" matches any number of segments, including zero
//
// Patterns are parsed once when a policy is loaded.
type Pattern struct {
	raw      string
	segments []string
}

// ErrEmptyPattern indicates a pattern with no segments.
var ErrEmptyPattern = errors.New("authz: empty pattern")

// ParsePattern validates and compiles a pattern string.
func ParsePattern(raw string) (Pattern, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Pattern{}, ErrEmptyPattern
	}
	segments := strings.Split(trimmed, ":")
	for _, seg := range segments {
		if seg == "" {
			return Pattern{}, errors.New("authz: pattern has empty segment: " + raw)
		}
	}
	return Pattern{raw: trimmed, segments: segments}, nil
}

// MustParsePattern is a test and seed helper that panics on a bad pattern.
func MustParsePattern(raw string) Pattern {
	p, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p Pattern) String() string {
	return p.raw
}

// IsZero reports whether the pattern was never parsed.
func (p Pattern) IsZero() bool {
	return len(p.segments) == 0
}

// Matches reports whether the value satisfies the pattern.
func (p Pattern) Matches(value string) bool {
	if p.IsZero() {
		return false
	}
	return matchSegments(p.segments, strings.Split(value, ":"))
}

func matchSegments(pattern, value []string) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	head := pattern[0]
	rest := pattern[1:]
	switch head {
	case "**":
		// Try consuming zero..all value segments.
		for i := 0; i <= len(value); i++ {
			if matchSegments(rest, value[i:]) {
				return true
			}
		}
		return false
	case "*":
		if len(value) == 0 {
			return false
		}
		if len(rest) == 0 {
			// Trailing "*" accepts any non-empty suffix.
			return true
		}
		return matchSegments(rest, value[1:])
	default:
		if len(value) == 0 || value[0] != head {
			return false
		}
		return matchSegments(rest, value[1:])
	}
}

// anyPatternMatches reports whether at least one pattern accepts the value.
func anyPatternMatches(patterns []Pattern, value string) bool {
	for _, p := range patterns {
		if p.Matches(value) {
			return true
		}
	}
	return false
}

// matchesSubject evaluates subject patterns against the requester. A
// subject pattern may name the literal user ("user:<id>"), a resolved role
// ("role:<code>"), or use the wildcard grammar against both forms.
func matchesSubject(patterns []Pattern, subject Subject) bool {
	candidates := make([]string, 0, len(subject.Roles)+1)
	if subject.UserID != "" {
		candidates = append(candidates, "user:"+subject.UserID)
	}
	for _, role := range subject.Roles {
		candidates = append(candidates, "role:"+role)
	}
	for _, p := range patterns {
		for _, candidate := range candidates {
			if p.Matches(candidate) {
				return true
			}
		}
	}
	return false
}
