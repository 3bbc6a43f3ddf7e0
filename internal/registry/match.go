package registry

import (
	"sort"
	"strings"
)

// normalizeName lowercases and trims a target name for comparison.
// A trailing ".app" is stripped so bundle directory names and display
// names compare equal.
func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	normalized = strings.TrimSuffix(normalized, ".app")
	return normalized
}

// Candidates returns the targets matching a query. An exact
// case-insensitive match on the name or bundle identifier wins outright
// and returns a single-element slice with exact=true. Otherwise every
// target whose normalized name contains the query as a substring is
// returned, ordered best first by rankCandidates.
func Candidates(query string, targets []Target) ([]Target, bool) {
	q := normalizeName(query)
	if q == "" {
		return nil, false
	}

	rawQuery := strings.TrimSpace(query)
	subs := make([]Target, 0, 4)
	for _, t := range targets {
		name := normalizeName(t.Name)
		if name == q || (t.BundleID != "" && strings.EqualFold(t.BundleID, rawQuery)) {
			return []Target{t}, true
		}
		if strings.Contains(name, q) {
			subs = append(subs, t)
		}
	}

	rankCandidates(subs)
	return subs, false
}

// rankCandidates orders fuzzy candidates by the resolution tie-break
// chain: shortest normalized name first, then most recent launch,
// then lexicographic name order so equal runs stay deterministic.
func rankCandidates(cands []Target) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		an, bn := normalizeName(a.Name), normalizeName(b.Name)
		if len(an) != len(bn) {
			return len(an) < len(bn)
		}
		if !a.LaunchedAt.Equal(b.LaunchedAt) {
			return a.LaunchedAt.After(b.LaunchedAt)
		}
		return an < bn
	})
}

// candidateNames extracts display names for ambiguity reporting.
func candidateNames(cands []Target) []string {
	names := make([]string, 0, len(cands))
	for _, c := range cands {
		names = append(names, c.Name)
	}
	return names
}
