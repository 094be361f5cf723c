package path

import "sort"

// PathSet interns Paths in an ordered tree keyed by segment, so that two
// equal paths always share the same *Path identity.
type PathSet struct {
	root *node
}

type node struct {
	seg      Segment
	path     *Path // non-nil once a Path ending at this node has been added
	children map[string]*node
}

func segKey(s Segment) string {
	return s.String()
}

// NewPathSet returns an empty, ready-to-use PathSet.
func NewPathSet() *PathSet {
	return &PathSet{root: &node{children: map[string]*node{}}}
}

// Add interns s (parsed via Parse) and returns the canonical *Path.
// Calling Add twice with the same string returns the same *Path pointer.
func (ps *PathSet) Add(s string) (*Path, error) {
	p := Parse(s)
	if p.Depth() > 64 {
		return nil, ErrTooDeep
	}
	return ps.addSegments(p.segments), nil
}

// AddPath interns an already-parsed Path (e.g. produced by Slice/Concat)
// and returns the canonical *Path.
func (ps *PathSet) AddPath(p *Path) *Path {
	return ps.addSegments(p.segments)
}

func (ps *PathSet) addSegments(segs []Segment) *Path {
	n := ps.root
	for _, s := range segs {
		k := segKey(s)
		child, ok := n.children[k]
		if !ok {
			child = &node{seg: s, children: map[string]*node{}}
			n.children[k] = child
		}
		n = child
	}
	if n.path == nil {
		wildcard, alias := computeMasks(segs)
		n.path = &Path{
			segments:     append([]Segment(nil), segs...),
			wildcardMask: wildcard,
			aliasMask:    alias,
			str:          computeString(segs),
		}
	}
	return n.path
}

// Get returns the interned Path for s if present, else nil.
func (ps *PathSet) Get(s string) *Path {
	p := Parse(s)
	n := ps.root
	for _, seg := range p.segments {
		child, ok := n.children[segKey(seg)]
		if !ok {
			return nil
		}
		n = child
	}
	return n.path
}

// All returns every interned Path, in stable lexicographic order by string
// form. Useful for deterministic iteration (e.g. serialization).
func (ps *PathSet) All() []*Path {
	var out []*Path
	var walk func(n *node)
	walk = func(n *node) {
		if n.path != nil {
			out = append(out, n.path)
		}
		keys := make([]string, 0, len(n.children))
		for k := range n.children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(n.children[k])
		}
	}
	walk(ps.root)
	return out
}

// segMatches reports whether a concrete candidate segment is covered by a
// pattern segment. Alias segments match any candidate segment at this
// position (the alias constraints themselves are resolved against
// attribute values elsewhere, not against the path shape); a wildcard
// matches any candidate; anything else requires exact equality.
func segMatches(pattern, candidate Segment) bool {
	switch pattern.Kind {
	case KindWildcard, KindAlias:
		return true
	case KindIndex:
		return candidate.Kind == KindIndex && candidate.Index == pattern.Index
	case KindName:
		return candidate.Kind == KindName && candidate.Name == pattern.Name
	default:
		return false
	}
}

// Find returns interned paths related to pattern under the requested
// relation:
//
//   - superset=true: paths that could be *instances* of pattern, i.e.
//     pattern is a prefix-compatible ancestor (pattern segments match a
//     leading subsequence of the candidate, allowing the candidate to be
//     longer).
//   - subset=true: paths that pattern *covers*, i.e. the candidate is a
//     prefix-compatible ancestor of pattern (candidate no longer than
//     pattern, every candidate segment matches the same-position pattern
//     segment).
//
// When depth >= 0, only paths of exactly that depth are returned.
func (ps *PathSet) Find(pattern *Path, superset, subset bool, depth int) []*Path {
	all := ps.All()
	var out []*Path
	for _, cand := range all {
		if depth >= 0 && cand.Depth() != depth {
			continue
		}
		if superset && pathIsSuperset(pattern, cand) {
			out = append(out, cand)
			continue
		}
		if subset && pathIsSubset(pattern, cand) {
			out = append(out, cand)
		}
	}
	return out
}

// pathIsSuperset reports whether cand could be an instance of pattern: cand
// is at least as deep as pattern and every pattern segment matches the
// same-position cand segment.
func pathIsSuperset(pattern, cand *Path) bool {
	if cand.Depth() < pattern.Depth() {
		return false
	}
	for i := 0; i < pattern.Depth(); i++ {
		if !segMatches(pattern.segments[i], cand.segments[i]) {
			return false
		}
	}
	return true
}

// pathIsSubset reports whether pattern covers cand: cand is no deeper than
// pattern and every cand segment matches the same-position pattern segment.
func pathIsSubset(pattern, cand *Path) bool {
	if cand.Depth() > pattern.Depth() {
		return false
	}
	for i := 0; i < cand.Depth(); i++ {
		if !segMatches(pattern.segments[i], cand.segments[i]) {
			return false
		}
	}
	return true
}

// Covers reports whether pattern (which may include wildcards/aliases)
// matches candidate exactly in depth and per-segment compatibility: the same
// test Find applies with superset=true and depth set to pattern.Depth().
func Covers(pattern, candidate *Path) bool {
	if pattern.Depth() != candidate.Depth() {
		return false
	}
	for i := 0; i < pattern.Depth(); i++ {
		if !segMatches(pattern.segments[i], candidate.segments[i]) {
			return false
		}
	}
	return true
}
