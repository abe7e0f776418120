package shield

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Validation errors for injected patterns.
var (
	ErrPatternEmpty     = errors.New("shield: pattern is empty")
	ErrPatternTooLong   = errors.New("shield: pattern exceeds length budget")
	ErrNestedQuantifier = errors.New("shield: nested quantifier")
	ErrRepeatTooLarge   = errors.New("shield: repetition count exceeds budget")
)

const (
	maxPatternLength = 512
	maxRepeatCount   = 256
)

// ValidatePattern statically checks an injected pattern source against the
// ReDoS budget before it is ever compiled: a length cap, a bound on counted
// repetitions, and rejection of quantified groups that themselves contain a
// quantifier, such as (a+)+. The regexp engine matches in linear time
// regardless; the budget bounds compiled program size and the constant
// factors an adversarial pattern can still inflate.
func ValidatePattern(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return ErrPatternEmpty
	}
	if len(expr) > maxPatternLength {
		return fmt.Errorf("%w: %d > %d", ErrPatternTooLong, len(expr), maxPatternLength)
	}

	// One frame per open group, true once the group body saw a quantifier.
	var groups []bool
	inClass := false
	classStart := 0

	quantified := func() error {
		if len(groups) > 0 {
			groups[len(groups)-1] = true
		}
		return nil
	}

	for i := 0; i < len(expr); i++ {
		c := expr[i]

		if c == '\\' {
			i++ // escaped literal, never structural
			continue
		}

		if inClass {
			// ']' is literal when it opens the class body, as in [] ] or [^]].
			if c == ']' && i > classStart {
				inClass = false
			}
			continue
		}

		switch c {
		case '[':
			inClass = true
			classStart = i + 1
			if i+1 < len(expr) && expr[i+1] == '^' {
				classStart = i + 2
			}
		case '(':
			groups = append(groups, false)
			// The '?' in group modifiers such as (?: (?i) (?P<x> is not a
			// quantifier.
			if i+1 < len(expr) && expr[i+1] == '?' {
				i++
			}
		case ')':
			if len(groups) == 0 {
				continue // unbalanced, the compiler reports it properly
			}
			inner := groups[len(groups)-1]
			groups = groups[:len(groups)-1]
			if inner && followedByQuantifier(expr, i+1) {
				return fmt.Errorf("%w in %q", ErrNestedQuantifier, expr)
			}
			if inner {
				// Quantifiers inside the closed group still live inside the
				// enclosing one.
				_ = quantified()
			}
		case '*', '+', '?':
			_ = quantified()
		case '{':
			width, count, ok := parseRepeat(expr[i:])
			if !ok {
				continue // literal brace
			}
			if count > maxRepeatCount {
				return fmt.Errorf("%w: %d > %d in %q", ErrRepeatTooLarge, count, maxRepeatCount, expr)
			}
			_ = quantified()
			i += width - 1
		}
	}

	return nil
}

// followedByQuantifier reports whether a quantifier starts at offset.
func followedByQuantifier(expr string, offset int) bool {
	if offset >= len(expr) {
		return false
	}
	switch expr[offset] {
	case '*', '+', '?':
		return true
	case '{':
		_, _, ok := parseRepeat(expr[offset:])
		return ok
	}
	return false
}

// parseRepeat parses a counted repetition {n}, {n,} or {n,m} at the start of
// s. Returns the consumed width and the largest count named. A brace that
// does not parse as a repetition is a literal in this syntax.
func parseRepeat(s string) (width, count int, ok bool) {
	end := strings.IndexByte(s, '}')
	if end < 2 {
		return 0, 0, false
	}
	body := s[1:end]
	low, high, hasComma := strings.Cut(body, ",")

	n, err := strconv.Atoi(low)
	if err != nil || n < 0 {
		return 0, 0, false
	}
	count = n
	if hasComma && high != "" {
		m, err := strconv.Atoi(high)
		if err != nil || m < n {
			return 0, 0, false
		}
		count = m
	}
	return end + 1, count, true
}
