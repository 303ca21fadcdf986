// Package filters translates a processing-filter file into the set of
// allowed (source type, source subtype) pairs consumed by candidate
// selection.
package filters

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"sigs.k8s.io/yaml"
)

// NullSubtype is the sentinel that stands in for a missing or blank
// eni_source_subtype. Selection normalizes NULL subtypes to this value
// before testing pair membership so that SQL NULL comparisons never
// silently drop rows.
const NullSubtype = "__NULL__"

// Pair is one allowed (eni_source_type, eni_source_subtype) combination.
type Pair struct {
	SourceType    string `json:"source_type"`
	SourceSubtype string `json:"source_subtype"`
}

func (p Pair) String() string {
	return p.SourceType + "/" + p.SourceSubtype
}

// File is the on-disk shape of a processing filter.
type File struct {
	FilterInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"filter_info"`

	// Rules maps an eni_source_type to the list of subtypes to process.
	// A nil or empty list means only NULL-subtype records for that type.
	Rules map[string][]string `json:"eni_processing_rules"`
}

// Load reads and parses a processing filter file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read processing filter: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse processing filter %s: %w", path, err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("processing filter %s defines no eni_processing_rules", path)
	}
	return &f, nil
}

// AllowedPairs expands the rules into the pair set used by selection.
// Every configured type contributes its NULL-subtype pair first, then any
// explicitly listed subtypes. Blank and duplicate subtypes are dropped and
// the result is sorted for deterministic query text.
func (f *File) AllowedPairs() []Pair {
	seen := make(map[Pair]struct{})
	var pairs []Pair

	add := func(p Pair) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		pairs = append(pairs, p)
	}

	for sourceType, subtypes := range f.Rules {
		sourceType = strings.TrimSpace(sourceType)
		if sourceType == "" {
			continue
		}
		// NULL-subtype records are always in scope for a configured type.
		add(Pair{SourceType: sourceType, SourceSubtype: NullSubtype})
		for _, st := range subtypes {
			st = normalizeSubtype(st)
			if st == NullSubtype {
				continue // already added
			}
			add(Pair{SourceType: sourceType, SourceSubtype: st})
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].SourceType != pairs[j].SourceType {
			return pairs[i].SourceType < pairs[j].SourceType
		}
		return pairs[i].SourceSubtype < pairs[j].SourceSubtype
	})
	return pairs
}

// normalizeSubtype maps the blank spellings the source data uses for a
// missing subtype onto the sentinel.
func normalizeSubtype(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "none", "nan":
		return NullSubtype
	}
	return s
}
