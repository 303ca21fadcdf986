package filters

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFilter(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "processing_filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("valid_file", func(t *testing.T) {
		path := writeFilter(t, `
filter_info:
  name: default
eni_processing_rules:
  note:
    - call
    - meeting
  affiliation: []
`)
		f, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "default", f.FilterInfo.Name)
		require.Len(t, f.Rules, 2)
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("no_rules", func(t *testing.T) {
		path := writeFilter(t, `filter_info: {name: empty}`)
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestAllowedPairs(t *testing.T) {
	testcases := map[string]struct {
		rules    map[string][]string
		expected []Pair
	}{
		`type_with_subtypes`: {
			rules: map[string][]string{"note": {"call", "meeting"}},
			expected: []Pair{
				{"note", NullSubtype},
				{"note", "call"},
				{"note", "meeting"},
			},
		},
		`type_with_empty_subtypes_gets_null_only`: {
			rules:    map[string][]string{"affiliation": {}},
			expected: []Pair{{"affiliation", NullSubtype}},
		},
		`nil_subtypes_gets_null_only`: {
			rules:    map[string][]string{"affiliation": nil},
			expected: []Pair{{"affiliation", NullSubtype}},
		},
		`duplicate_subtypes_deduplicated`: {
			rules: map[string][]string{"note": {"call", "call", " call "}},
			expected: []Pair{
				{"note", NullSubtype},
				{"note", "call"},
			},
		},
		`blank_spellings_collapse_to_null`: {
			rules: map[string][]string{"note": {"", "null", "None", "NaN"}},
			expected: []Pair{
				{"note", NullSubtype},
			},
		},
		`multiple_types_sorted`: {
			rules: map[string][]string{
				"note":        {"call"},
				"affiliation": {"board"},
			},
			expected: []Pair{
				{"affiliation", NullSubtype},
				{"affiliation", "board"},
				{"note", NullSubtype},
				{"note", "call"},
			},
		},
	}

	for name, tc := range testcases {
		t.Run(name, func(t *testing.T) {
			f := &File{Rules: tc.rules}
			require.Equal(t, tc.expected, f.AllowedPairs())
		})
	}
}

func TestAllowedPairsStableOrder(t *testing.T) {
	f := &File{Rules: map[string][]string{
		"b": {"2", "1"},
		"a": {"z"},
		"c": nil,
	}}
	first := f.AllowedPairs()
	for i := 0; i < 20; i++ {
		require.Equal(t, first, f.AllowedPairs())
	}
}
