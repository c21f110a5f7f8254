package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

func TestScanSQLi(t *testing.T) {
	suspicious := map[string]string{
		"' OR 1=1 -- ":                        "comment_marker",
		"UNION SELECT password FROM users":    "sql_keyword",
		"x; select":                           "stacked_statement",
		"peek at information_schema.tables":   "information_schema",
		"sleep(10)":                           "sleep_call",
		"union all select * from credentials": "sql_keyword",
	}
	for field, rule := range suspicious {
		t.Run(field, func(t *testing.T) {
			assert.Equal(t, rule, ScanSQLi(field))
		})
	}

	clean := []string{
		"hello world",
		"let's meet; bring snacks",
		"I selected the red one", // keyword absorbed into a longer word
		"&lt;escaped&#58; entities&#59; galore&#59;",
	}
	for _, field := range clean {
		t.Run("clean/"+field, func(t *testing.T) {
			assert.Empty(t, ScanSQLi(field))
		})
	}
}

func TestCheckIdentifier(t *testing.T) {
	whitelist := []string{"users", "sessions", "channels"}

	require.NoError(t, CheckIdentifier("users", whitelist))

	t.Run("not whitelisted", func(t *testing.T) {
		err := CheckIdentifier("payments", whitelist)
		require.ErrorIs(t, err, domain.ErrSQLiSuspicious)
	})

	t.Run("not an identifier", func(t *testing.T) {
		err := CheckIdentifier("users; drop table users", whitelist)
		require.ErrorIs(t, err, domain.ErrSQLiSuspicious)
	})

	t.Run("empty", func(t *testing.T) {
		err := CheckIdentifier("", whitelist)
		require.ErrorIs(t, err, domain.ErrSQLiSuspicious)
	})
}
