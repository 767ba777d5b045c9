package advice

import (
	"fmt"
	"unicode/utf8"
)

// MaxStatementChars bounds a single candidate statement.
const MaxStatementChars = 2000

// LintResult contains the results of linting a candidate.
type LintResult struct {
	Valid    bool
	Problems []string
}

// Lint validates a candidate before it is written to the feed.
// The learning pipeline owns content quality; this only rejects records the
// pipeline could not rank.
func Lint(c *Candidate) *LintResult {
	result := &LintResult{Valid: true}
	fail := func(format string, args ...any) {
		result.Valid = false
		result.Problems = append(result.Problems, fmt.Sprintf(format, args...))
	}

	if NormalizeStatement(c.Statement) == "" {
		fail("statement is empty")
	}
	if n := utf8.RuneCountInString(c.Statement); n > MaxStatementChars {
		fail("statement exceeds %d chars (%d)", MaxStatementChars, n)
	}
	if c.BaseConfidence < 0 || c.BaseConfidence > 1 {
		fail("base_confidence %v outside [0,1]", c.BaseConfidence)
	}
	if c.Validations < 0 {
		fail("validations must not be negative")
	}
	if _, err := ParseSource(string(c.Source)); err != nil {
		fail("%v", err)
	}

	return result
}
