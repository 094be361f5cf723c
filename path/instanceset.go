package path

import "sort"

// InstanceKeys is an alias key-map identifying a multi-instance object by
// content rather than by instance number, e.g. {"Name": "wan0"}.
type InstanceKeys map[string]string

// isSuperset reports whether ks contains every key/value pair in other.
func (ks InstanceKeys) isSuperset(other InstanceKeys) bool {
	for k, v := range other {
		if ks[k] != v {
			return false
		}
	}
	return true
}

// isSubset reports whether every key/value pair of ks is present in other.
func (ks InstanceKeys) isSubset(other InstanceKeys) bool {
	return other.isSuperset(ks)
}

// InstanceSet stores a collection of keyed instances (children of a
// multi-instance object) and answers superset/subset membership queries
// against alias selectors.
type InstanceSet struct {
	entries []InstanceKeys
}

// NewInstanceSet returns an empty InstanceSet.
func NewInstanceSet() *InstanceSet {
	return &InstanceSet{}
}

// Add records a new instance's key-map.
func (is *InstanceSet) Add(keys InstanceKeys) {
	is.entries = append(is.entries, keys)
}

// Superset returns instances whose keys are a superset of keys — i.e.
// instances that satisfy at least the given constraints.
func (is *InstanceSet) Superset(keys InstanceKeys) []InstanceKeys {
	var out []InstanceKeys
	for _, e := range is.entries {
		if e.isSuperset(keys) {
			out = append(out, e)
		}
	}
	return out
}

// Subset returns instances whose keys are a subset of keys.
func (is *InstanceSet) Subset(keys InstanceKeys) []InstanceKeys {
	var out []InstanceKeys
	for _, e := range is.entries {
		if e.isSubset(keys) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded instances.
func (is *InstanceSet) Len() int {
	return len(is.entries)
}

// All returns every recorded instance, sorted deterministically by their
// rendered key/value pairs.
func (is *InstanceSet) All() []InstanceKeys {
	out := append([]InstanceKeys(nil), is.entries...)
	sort.Slice(out, func(i, j int) bool {
		return renderKeys(out[i]) < renderKeys(out[j])
	})
	return out
}

func renderKeys(ks InstanceKeys) string {
	keys := make([]string, 0, len(ks))
	for k := range ks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s := ""
	for _, k := range keys {
		s += k + "=" + ks[k] + ";"
	}
	return s
}
