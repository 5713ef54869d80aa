package store

import (
	"sort"
	"strings"
)

// Stats counts stored records by kind, keyed by the key notation prefix
// ("otk", "ses", ...). Unknown prefixes are counted under "other".
func (s *Store) Stats() (map[string]int, error) {
	known := map[string]bool{
		"id": true, "idh": true, "otk": true, "spk": true, "spki": true,
		"ses": true, "sesr": true, "sk": true, "skr": true, "env": true, "tomb": true,
	}
	out := make(map[string]int)
	err := s.scan("", func(k, _ []byte) error {
		kind, _, _ := strings.Cut(string(k), ":")
		if !known[kind] {
			kind = "other"
		}
		out[kind]++
		return nil
	})
	return out, err
}

// StatKinds returns the keys of stats in a stable order.
func StatKinds(stats map[string]int) []string {
	kinds := make([]string, 0, len(stats))
	for k := range stats {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
