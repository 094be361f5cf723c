package model

import (
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/vmap"
)

// DeviceData aggregates everything the engine knows about one CPE's data
// model: the interned path universe, per-path last-refresh timestamps and
// attributes (each independently revision-stacked so the planner can read
// "as of" any prior revision), trackers, and the pending change-set.
type DeviceData struct {
	Paths      *path.PathSet
	Timestamps *vmap.Map[*path.Path, int64]
	Attributes *vmap.Map[*path.Path, Attrs]

	// Trackers label attributes with named counters (e.g. "prerequisite")
	// so the planner can detect when something previously declared got
	// invalidated. Keyed by path then tracker name.
	Trackers map[*path.Path]map[string]int

	// Changes is the set of tracker names touched since the last drain,
	// consulted by the session driver to decide what must be re-declared.
	Changes map[string]struct{}
}

// New returns an empty DeviceData with both VersionedMaps at revision 0.
func New() *DeviceData {
	return &DeviceData{
		Paths:      path.NewPathSet(),
		Timestamps: vmap.New[*path.Path, int64](),
		Attributes: vmap.New[*path.Path, Attrs](),
		Trackers:   map[*path.Path]map[string]int{},
		Changes:    map[string]struct{}{},
	}
}

// SetRevision sets both versioned maps' Revision field in lockstep,
// preserving the invariant that timestamps.revision == attributes.revision
// at every public boundary.
func (dd *DeviceData) SetRevision(r int64) {
	dd.Timestamps.Revision = r
	dd.Attributes.Revision = r
}

// Revision returns the current shared revision.
func (dd *DeviceData) Revision() int64 {
	return dd.Timestamps.Revision
}

// MarkChanged records that tracker name was affected by a mutation.
func (dd *DeviceData) MarkChanged(name string) {
	dd.Changes[name] = struct{}{}
}

// HasChange reports whether name was recorded as changed.
func (dd *DeviceData) HasChange(name string) bool {
	_, ok := dd.Changes[name]
	return ok
}

// DrainChanges clears and returns the names recorded as changed.
func (dd *DeviceData) DrainChanges() []string {
	out := make([]string, 0, len(dd.Changes))
	for n := range dd.Changes {
		out = append(out, n)
	}
	dd.Changes = map[string]struct{}{}
	return out
}

// Tracker returns the current value of tracker name at p (0 if unset).
func (dd *DeviceData) Tracker(p *path.Path, name string) int {
	return dd.Trackers[p][name]
}

// SetTracker installs/overwrites tracker name at p.
func (dd *DeviceData) SetTracker(p *path.Path, name string, v int) {
	m, ok := dd.Trackers[p]
	if !ok {
		m = map[string]int{}
		dd.Trackers[p] = m
	}
	m[name] = v
}

// ClearTracker removes tracker name at p.
func (dd *DeviceData) ClearTracker(p *path.Path, name string) {
	m, ok := dd.Trackers[p]
	if !ok {
		return
	}
	delete(m, name)
	if len(m) == 0 {
		delete(dd.Trackers, p)
	}
}
