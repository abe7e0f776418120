package shield

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePattern(t *testing.T) {
	cases := []struct {
		name    string
		expr    string
		wantErr error
	}{
		{name: "plain literal", expr: `union select`},
		{name: "alternation group", expr: `(a|b)+`},
		{name: "non-capturing group", expr: `(?:abc)+x`},
		{name: "flag group", expr: `(?i)(?:select)\s+from`},
		{name: "quantifier inside class", expr: `[+*?]{3}`},
		{name: "escaped parens", expr: `\(a+\)+`},
		{name: "bounded repeat", expr: `a{2,20}`},
		{name: "literal brace", expr: `x{a}y`},
		{name: "group then separate repeat", expr: `(abc)def{3}`},

		{name: "empty", expr: "   ", wantErr: ErrPatternEmpty},
		{name: "over length budget", expr: strings.Repeat("a", 513), wantErr: ErrPatternTooLong},
		{name: "classic nested plus", expr: `(a+)+`, wantErr: ErrNestedQuantifier},
		{name: "nested star", expr: `(a*)*b`, wantErr: ErrNestedQuantifier},
		{name: "nested via non-capturing", expr: `(?:ab+)+`, wantErr: ErrNestedQuantifier},
		{name: "nested in outer group", expr: `((a)+)+`, wantErr: ErrNestedQuantifier},
		{name: "counted over quantified group", expr: `(a+){2}`, wantErr: ErrNestedQuantifier},
		{name: "optional over quantified group", expr: `(\d+)?x?(\w*)?`, wantErr: ErrNestedQuantifier},
		{name: "repeat over budget", expr: `a{300}`, wantErr: ErrRepeatTooLarge},
		{name: "repeat range over budget", expr: `a{2,300}`, wantErr: ErrRepeatTooLarge},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePattern(tc.expr)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidatePattern(%q) = %v, want nil", tc.expr, err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ValidatePattern(%q) = %v, want %v", tc.expr, err, tc.wantErr)
			}
		})
	}
}

func TestValidatePattern_QuantifierInsideGroupAlone(t *testing.T) {
	// A quantifier inside an unquantified group is fine; the budget only
	// rejects stacking one on top of the other.
	if err := ValidatePattern(`(a+)b*`); err != nil {
		t.Fatalf("ValidatePattern = %v, want nil", err)
	}
}
