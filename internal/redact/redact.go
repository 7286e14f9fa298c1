// Package redact masks personally identifiable information in free text
// before it crosses the trust boundary to an AI provider. Redaction is
// deterministic: the same input always produces the same output, and every
// replacement token has a fixed, bounded length.
package redact

import "regexp"

// Result holds the redacted text and the number of substitutions made. The
// count is carried into usage records for auditing; it never blocks a request.
type Result struct {
	Text  string
	Count int
}

// pattern pairs a compiled regexp with its replacement token.
type pattern struct {
	re          *regexp.Regexp
	replacement string
}

// Patterns are applied in order. More specific patterns (credit cards, SSNs)
// run before broader ones (phone numbers) so a card number is not half-eaten
// by the phone pattern first.
var patterns = []pattern{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[email]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`), "[card]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	// The area code alternation anchors parenthesized numbers at the "("
	// itself; a \b there can never match.
	{regexp.MustCompile(`(?:\b\+?1[ .-]?)?(?:\(\d{3}\)|\b\d{3})[ .-]?\d{3}[ .-]?\d{4}\b`), "[phone]"},
	// Student record codes as issued by the platform, e.g. STU-2024-018342.
	{regexp.MustCompile(`\bSTU-\d{4}-\d{4,8}\b`), "[student-id]"},
	{regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z0-9.\s]{2,30}\s(?:street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way)\b\.?`), "[address]"},
}

// Redact replaces recognized sensitive substrings with fixed tokens and
// returns the transformed text together with the total replacement count.
func Redact(text string) Result {
	count := 0
	for _, p := range patterns {
		text = p.re.ReplaceAllStringFunc(text, func(string) string {
			count++
			return p.replacement
		})
	}
	return Result{Text: text, Count: count}
}
