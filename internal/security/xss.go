// Package security implements the hub's two composite gates: the request
// gate over WebSocket upgrade requests and the message gate over inbound
// envelopes. Filters are ordered and short-circuit on the first deny; a
// denial is terminal for the single request or message and never partially
// applied.
package security

import (
	"regexp"
	"strings"
)

// xssEscaper HTML-escapes the characters that enable markup or script
// injection. Replacement entities never contain characters from the escape
// set, which makes SanitizeXSS idempotent.
var xssEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"(", "&#40;",
	")", "&#41;",
	":", "&#58;",
)

// xssRewrite lists dangerous patterns that survive character escaping.
// Each is rewritten to an inert placeholder. Patterns are expressed against
// the escaped text, so `eval(` appears here as `eval&#40;`.
var xssRewrite = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\bon\w+\s*=`), "[filtered]"},
	{regexp.MustCompile(`(?i)\bjavascript&#58;`), "[filtered]&#58;"},
	{regexp.MustCompile(`(?i)\beval&#40;`), "[filtered]&#40;"},
	{regexp.MustCompile(`(?i)\b(?:alert|prompt|confirm)&#40;`), "[filtered]&#40;"},
	{regexp.MustCompile(`(?i)\bdocument\.cookie`), "[filtered]"},
	{regexp.MustCompile(`(?i)\bdocument\.write`), "[filtered]"},
}

// SanitizeXSS neutralizes markup and script content in a string field.
// Escaping runs first; the rewrite rules then cover patterns that escaping
// alone leaves meaningful. The function is idempotent:
// SanitizeXSS(SanitizeXSS(x)) == SanitizeXSS(x).
func SanitizeXSS(s string) string {
	s = xssEscaper.Replace(s)
	for _, r := range xssRewrite {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
