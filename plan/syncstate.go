// Package plan turns the declarations a provision run produces into the
// concrete set of outstanding RPCs the session driver must exchange with a
// CPE. Folding RPC responses back into DeviceData is done by the session
// package.
//
// A single entry point (RunDeclarations) walks a list of IR nodes and
// delegates per-kind handling to small dedicated functions, switching on
// "control situations" per declaration root segment.
package plan

import (
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
)

// PathSet records a set of *path.Path keyed by pointer identity — the
// planner's queues never need value semantics since every Path is interned.
type PathSet map[*path.Path]struct{}

func (s PathSet) add(p *path.Path) { s[p] = struct{}{} }

// Sorted returns the set's members ordered by their canonical string form,
// for deterministic RPC batching.
func (s PathSet) Sorted() []*path.Path {
	out := make([]*path.Path, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sortPaths(out)
	return out
}

func sortPaths(ps []*path.Path) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && ps[j-1].String() > ps[j].String(); j-- {
			ps[j-1], ps[j] = ps[j], ps[j-1]
		}
	}
}

// SPAEntry accumulates the attribute subset a SetParameterAttributes call
// must carry for one path; nil fields mean "not requested".
type SPAEntry struct {
	Notification    *int
	AccessList      []string
	AccessListIsSet bool
}

// InstanceCreate is a pending AddObject obligation: create one instance
// under Parent whose attributes, once known, must satisfy keys.
type InstanceCreate struct {
	Parent *path.Path
	Keys   path.InstanceKeys
}

// InstanceDelete is a pending DeleteObject obligation against a concrete
// instance path.
type InstanceDelete struct {
	Path *path.Path
}

// SyncState accumulates every outstanding obligation a round of declaration
// processing discovered, before GenerateGetRequests/GenerateSetRequests turn
// it into concrete RPC payloads.
type SyncState struct {
	// RefreshExist/RefreshObject mark paths whose existence, or whose
	// object-vs-leaf nature, must be (re)discovered via GetParameterNames.
	RefreshExist  PathSet
	RefreshObject PathSet

	// RefreshValue/RefreshNotification/RefreshAccessList mark paths whose
	// named attribute must be (re)read via GetParameterValues /
	// GetParameterAttributes.
	RefreshValue        PathSet
	RefreshNotification PathSet
	RefreshAccessList   PathSet

	// SPV/SPA are pending SetParameterValues/SetParameterAttributes writes.
	SPV map[*path.Path]model.TypedValue
	SPA map[*path.Path]*SPAEntry

	InstancesToCreate []InstanceCreate
	InstancesToDelete []InstanceDelete

	Tags map[*path.Path]bool

	DownloadRequests []DownloadRequest

	Reboot       int64
	FactoryReset int64
}

// DownloadRequest is one pending Downloads.{i}.Download obligation.
type DownloadRequest struct {
	Instance       string
	CommandKey     string
	FileType       string
	FileName       string
	TargetFileName string
}

// New returns an empty, ready-to-use SyncState.
func New() *SyncState {
	return &SyncState{
		RefreshExist:        PathSet{},
		RefreshObject:       PathSet{},
		RefreshValue:        PathSet{},
		RefreshNotification: PathSet{},
		RefreshAccessList:   PathSet{},
		SPV:                 map[*path.Path]model.TypedValue{},
		SPA:                 map[*path.Path]*SPAEntry{},
		Tags:                map[*path.Path]bool{},
	}
}

// IsEmpty reports whether no further RPCs are needed to satisfy state.
func (s *SyncState) IsEmpty() bool {
	return len(s.RefreshExist) == 0 && len(s.RefreshObject) == 0 &&
		len(s.RefreshValue) == 0 && len(s.RefreshNotification) == 0 &&
		len(s.RefreshAccessList) == 0 && len(s.SPV) == 0 && len(s.SPA) == 0 &&
		len(s.InstancesToCreate) == 0 && len(s.InstancesToDelete) == 0 &&
		len(s.DownloadRequests) == 0 && s.Reboot == 0 && s.FactoryReset == 0
}

// spaFor returns (creating if absent) the SPAEntry accumulator for p.
func (s *SyncState) spaFor(p *path.Path) *SPAEntry {
	e, ok := s.SPA[p]
	if !ok {
		e = &SPAEntry{}
		s.SPA[p] = e
	}
	return e
}
