package model

import "pkg.cwmpsession.run/engine/path"

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func clearKind(a *Attrs, kind AttrKind) {
	switch kind {
	case AttrObject:
		a.Object = nil
	case AttrWritable:
		a.Writable = nil
	case AttrValue:
		a.Value = nil
	case AttrNotification:
		a.Notification = nil
	case AttrAccessList:
		a.AccessList = nil
	}
}

// Set interns p, merges w into the Attrs stored at p with a monotonic
// per-attribute timestamp (max(existing, timestamp)), and appends to
// toClear whenever the write is an invalidation (w == nil) or an
// object/leaf transition occurs that requires descendants to be swept.
//
// Set never deletes anything itself — cascading invalidation is deferred
// to the caller by returning an updated toClear list, so that Set remains
// a pure merge over DeviceData's attribute store.
func Set(dd *DeviceData, p *path.Path, timestamp int64, w *Write, toClear []ClearEntry) []ClearEntry {
	canon := dd.Paths.AddPath(p)

	if existingTS, ok := dd.Timestamps.Get(canon); ok {
		dd.Timestamps.Set(canon, maxInt64(existingTS, timestamp))
	} else {
		dd.Timestamps.Set(canon, timestamp)
	}

	if w.IsEmpty() {
		return append(toClear, ClearEntry{Path: canon, Timestamp: timestamp})
	}

	existing, _ := dd.Attributes.Get(canon)
	merged := existing.Clone()
	objectTransition := false

	if w.Object != nil {
		ts := timestamp
		if existing.Object != nil {
			ts = maxInt64(existing.Object.Timestamp, timestamp)
			if existing.Object.Payload != *w.Object {
				objectTransition = true
			}
		}
		merged.Object = &Stamped[bool]{Timestamp: ts, Payload: *w.Object}
	}
	if w.Writable != nil {
		ts := timestamp
		if existing.Writable != nil {
			ts = maxInt64(existing.Writable.Timestamp, timestamp)
		}
		merged.Writable = &Stamped[bool]{Timestamp: ts, Payload: *w.Writable}
	}
	if w.Value != nil {
		ts := timestamp
		if existing.Value != nil {
			ts = maxInt64(existing.Value.Timestamp, timestamp)
		}
		merged.Value = &Stamped[TypedValue]{Timestamp: ts, Payload: *w.Value}
	}
	if w.Notification != nil {
		ts := timestamp
		if existing.Notification != nil {
			ts = maxInt64(existing.Notification.Timestamp, timestamp)
		}
		merged.Notification = &Stamped[int]{Timestamp: ts, Payload: *w.Notification}
	}
	if w.AccessList != nil {
		ts := timestamp
		if existing.AccessList != nil {
			ts = maxInt64(existing.AccessList.Timestamp, timestamp)
		}
		merged.AccessList = &Stamped[[]string]{Timestamp: ts, Payload: append([]string(nil), w.AccessList...)}
	}

	dd.Attributes.Set(canon, merged)

	if objectTransition {
		toClear = append(toClear, ClearEntry{Path: path.ConcatWildcard(canon), Timestamp: timestamp})
	}
	return toClear
}

// Clear deletes attributes at p (and, through a trailing wildcard, every
// descendant of p known to dd.Paths) whose per-attribute timestamp is <=
// timestamp, or whose kind is overridden by attrTimestamps. It marks
// dd.Changes with the name of every tracker found at an affected path,
// restricted to trackerNames when non-nil, and removes those tracker
// entries.
func Clear(dd *DeviceData, p *path.Path, timestamp int64, attrTimestamps map[AttrKind]int64, trackerNames []string) {
	targets := append([]*path.Path{p}, dd.Paths.Find(path.ConcatWildcard(p), true, false, -1)...)

	kinds := []AttrKind{AttrObject, AttrWritable, AttrValue, AttrNotification, AttrAccessList}
	for _, t := range targets {
		attrs, ok := dd.Attributes.Get(t)
		if !ok {
			continue
		}
		newAttrs := attrs.Clone()
		changed := false
		for _, k := range kinds {
			limit := timestamp
			if attrTimestamps != nil {
				if override, ok := attrTimestamps[k]; ok {
					limit = override
				}
			}
			if ts := attrs.TimestampOf(k); attrs.Has(k) && ts <= limit {
				clearKind(&newAttrs, k)
				changed = true
			}
		}
		if changed {
			dd.Attributes.Set(t, newAttrs)
		}

		trackers := dd.Trackers[t]
		for name := range trackers {
			if trackerNames != nil && !containsStr(trackerNames, name) {
				continue
			}
			dd.MarkChanged(name)
			dd.ClearTracker(t, name)
		}
	}
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// Track installs the "prerequisite" tracker (or any named tracker) on p,
// incrementing its counter. The declaration processor calls this whenever
// it registers interest in an attribute so that a later invalidation of
// that attribute is noticed via dd.Changes.
func Track(dd *DeviceData, p *path.Path, name string) {
	canon := dd.Paths.AddPath(p)
	dd.SetTracker(canon, name, dd.Tracker(canon, name)+1)
}

// Unpack expands a (possibly wildcarded/aliased) declared path against the
// currently known concrete paths in dd, returning every concrete path it
// covers. Plain concrete paths with no wildcard/alias segments unpack to
// themselves even if not yet present in dd.Paths, since the planner may
// need to declare over not-yet-discovered paths.
func Unpack(dd *DeviceData, p *path.Path) []*path.Path {
	if !p.HasWildcard() && !p.HasAlias() {
		return []*path.Path{dd.Paths.AddPath(p)}
	}
	matches := dd.Paths.Find(p, true, false, p.Depth())
	if !p.HasAlias() {
		return matches
	}
	out := make([]*path.Path, 0, len(matches))
	for _, m := range matches {
		if aliasSatisfied(dd, p, m) {
			out = append(out, m)
		}
	}
	return out
}

// aliasSatisfied reports whether concrete's reported attribute values
// satisfy every "[Sub=Value]" equality constraint in pattern. PathSet.Find
// only matches alias segments structurally (any instance at that
// position), so this is the one place literal alias values are actually
// checked against what the CPE reported.
func aliasSatisfied(dd *DeviceData, pattern, concrete *path.Path) bool {
	for i := 0; i < pattern.Depth(); i++ {
		seg := pattern.Segment(i)
		if seg.Kind != path.KindAlias {
			continue
		}
		for _, c := range seg.Aliases {
			sub := dd.Paths.AddPath(path.Concat(path.Slice(concrete, 0, i+1), path.Segment{Kind: path.KindName, Name: c.Subpath}))
			attrs, ok := dd.Attributes.Get(sub)
			if !ok || attrs.Value == nil || attrs.Value.Payload.Literal != c.Literal {
				return false
			}
		}
	}
	return true
}

// AliasDeclaration is one concrete "(subpath, timestamp)"
// obligation produced by expanding an alias expression's equality
// constraints into ordinary attribute declarations.
type AliasDeclaration struct {
	Path      *path.Path
	Timestamp int64
}

// GetAliasDeclarations expands every alias segment in p into one
// AliasDeclaration per (subpath, literal) constraint, rooted at p's prefix
// up to and including the alias segment's parent. The caller is expected
// to register a "prerequisite" tracker on each and merge timestamps with
// max.
func GetAliasDeclarations(p *path.Path, timestamp int64) []AliasDeclaration {
	var out []AliasDeclaration
	for i := 0; i < p.Depth(); i++ {
		seg := p.Segment(i)
		if seg.Kind != path.KindAlias {
			continue
		}
		prefix := path.Slice(p, 0, i)
		for _, c := range seg.Aliases {
			sub := path.Concat(prefix, path.Segment{Kind: path.KindName, Name: c.Subpath})
			out = append(out, AliasDeclaration{Path: sub, Timestamp: timestamp})
		}
	}
	return out
}
