package security

import (
	"fmt"
	"regexp"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// sqliPatterns is the fixed scan list. Each entry names the rule so a deny
// can report which pattern fired. The stacked-statement rule requires a SQL
// keyword after the semicolon; a bare `;` in prose is not suspicious.
var sqliPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"sql_keyword", regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter|create|truncate|exec|declare)\b\s+\S`)},
	{"comment_marker", regexp.MustCompile(`--|/\*|\*/`)},
	{"stacked_statement", regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|alter|create|truncate)\b`)},
	{"union_select", regexp.MustCompile(`(?i)union\s+(all\s+)?select`)},
	{"information_schema", regexp.MustCompile(`(?i)information_schema`)},
	{"sleep_call", regexp.MustCompile(`(?i)\bsleep\s*(\(|&#40;)`)},
}

// ScanSQLi checks one field against the pattern list. It returns the name
// of the first matching rule, or "" when the field is clean.
func ScanSQLi(field string) string {
	for _, p := range sqliPatterns {
		if p.re.MatchString(field) {
			return p.name
		}
	}
	return ""
}

// identifierRE is the only shape an injected identifier may take.
var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckIdentifier is the required discipline for any caller that must
// inject an identifier (table, column) into a query: the value must be a
// plain identifier and a member of the caller's whitelist.
func CheckIdentifier(s string, whitelist []string) error {
	if !identifierRE.MatchString(s) {
		return fmt.Errorf("identifier %q: %w", s, domain.ErrSQLiSuspicious)
	}
	for _, allowed := range whitelist {
		if s == allowed {
			return nil
		}
	}
	return fmt.Errorf("identifier %q not in whitelist: %w", s, domain.ErrSQLiSuspicious)
}
