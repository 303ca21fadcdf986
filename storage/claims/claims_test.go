package claims

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeKey(t *testing.T) {
	testCases := map[string]struct {
		input    string
		expected string
	}{
		"plain": {
			input:    "C-0001",
			expected: "C-0001",
		},
		"path_separators_replaced": {
			input:    "../etc/passwd",
			expected: ".._etc_passwd",
		},
		"spaces_and_symbols_replaced": {
			input:    "contact 42:ready?",
			expected: "contact_42_ready_",
		},
		"dots_and_underscores_kept": {
			input:    "a.b_c-d",
			expected: "a.b_c-d",
		},
	}

	for name, test := range testCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, test.expected, SanitizeKey(test.input))
		})
	}
}

func TestSanitizeKeyLongKeysHashedAndStable(t *testing.T) {
	long := strings.Repeat("x", 400)
	got := SanitizeKey(long)

	require.LessOrEqual(t, len(got), 120)
	require.True(t, strings.HasPrefix(got, "x"))
	require.Contains(t, got, "-")
	require.Equal(t, got, SanitizeKey(long))

	other := SanitizeKey(strings.Repeat("x", 399) + "y")
	require.NotEqual(t, got, other)
}
