package cdr

import (
	"maps"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FoldKey lower-cases key and replaces '-' separators with '_', so
// "Custom-Channel-Vars" becomes "custom_channel_vars".
func FoldKey(key string) string {
	return foldKey(cases.Lower(language.Und), key)
}

// FoldKeys folds every mapping key in v, descending through nested mappings
// and sequences. Scalars are returned unchanged. When two keys fold to the
// same name the one sorting last wins. FoldKeys(FoldKeys(v)) equals FoldKeys(v).
func FoldKeys(v any) any {
	// A Caser is stateful; one per call keeps FoldKeys safe for concurrent use.
	return foldValue(cases.Lower(language.Und), v)
}

// FoldRecord is FoldKeys for a decoded record.
func FoldRecord(rec map[string]any) Record {
	return Record(foldMapping(cases.Lower(language.Und), rec))
}

func foldValue(c cases.Caser, v any) any {
	switch t := v.(type) {
	case map[string]any:
		return foldMapping(c, t)
	case Record:
		return Record(foldMapping(c, t))
	case []any:
		return foldSequence(c, t)
	default:
		return v
	}
}

func foldMapping(c cases.Caser, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out[foldKey(c, k)] = foldValue(c, m[k])
	}
	return out
}

func foldSequence(c cases.Caser, s []any) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = foldValue(c, v)
	}
	return out
}

func foldKey(c cases.Caser, key string) string {
	return strings.ReplaceAll(c.String(key), "-", "_")
}
