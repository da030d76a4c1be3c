package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Multimap maps a key to the set of values accepted for that key.
// It is built once at startup from a comma-separated key=value list;
// repeated keys accumulate a value set.
type Multimap map[string]map[string]struct{}

// ParseMultimap parses a comma-separated key=value list into a Multimap.
// An empty input yields an empty (non-nil) map. Malformed entries are
// rejected here rather than at evaluation time.
func ParseMultimap(s string) (Multimap, error) {
	m := Multimap{}
	if strings.TrimSpace(s) == "" {
		return m, nil
	}

	for _, entry := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("%q is not a key=value pair", entry)
		}
		m.Add(key, value)
	}
	return m, nil
}

// Add records value as accepted for key.
func (m Multimap) Add(key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[value] = struct{}{}
}

// Matches reports whether any label key is present in the multimap with a
// value in that key's accepted set.
func (m Multimap) Matches(labels map[string]string) bool {
	for key, value := range labels {
		if set, ok := m[key]; ok {
			if _, ok := set[value]; ok {
				return true
			}
		}
	}
	return false
}

// MinInt returns the smallest integer value configured for key.
// The boolean is false when the key is absent or holds no numeric values.
func (m Multimap) MinInt(key string) (int, bool) {
	set, ok := m[key]
	if !ok {
		return 0, false
	}

	min, found := 0, false
	for v := range set {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		if !found || n < min {
			min = n
			found = true
		}
	}
	return min, found
}

// String renders the multimap back to key=value list form, sorted for
// deterministic logging.
func (m Multimap) String() string {
	var entries []string
	for key, set := range m {
		for v := range set {
			entries = append(entries, key+"="+v)
		}
	}
	sort.Strings(entries)
	return strings.Join(entries, ",")
}

// UnmarshalYAML accepts either the flat key=value list form or a
// map-of-lists form in config files.
func (m *Multimap) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var flat string
	if err := unmarshal(&flat); err == nil {
		parsed, perr := ParseMultimap(flat)
		if perr != nil {
			return perr
		}
		*m = parsed
		return nil
	}

	var nested map[string][]string
	if err := unmarshal(&nested); err != nil {
		return err
	}

	parsed := Multimap{}
	for key, values := range nested {
		for _, v := range values {
			parsed.Add(key, v)
		}
	}
	*m = parsed
	return nil
}
