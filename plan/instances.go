package plan

import (
	"fmt"

	"pkg.cwmpsession.run/engine/declare"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
)

// processInstances resolves a pathSet-bounded declaration's cardinality
// constraint against the instances dd currently knows about, scheduling
// AddObject/DeleteObject obligations to bring the count within [Min, Max].
//
// If the declaration carries a Prerequisite, candidates whose key-map the
// rule rejects are excluded from the match set entirely before Min/Max is
// applied — they count neither toward satisfying Min nor as excess under
// Max, since the declaration doesn't govern them.
//
// Excess instances are deleted from the end of the deterministically
// sorted match list; which concrete instance is "excess" is otherwise
// unspecified, so this is a deliberate, documented host policy rather than
// a derived rule.
func processInstances(dd *model.DeviceData, state *SyncState, d declare.Declaration) error {
	if d.Path.Depth() == 0 {
		return nil
	}
	parent := path.Slice(d.Path, 0, d.Path.Depth()-1)
	matches := model.Unpack(dd, d.Path)
	sortPaths(matches)

	if d.Prerequisite != nil {
		filtered := matches[:0]
		for _, p := range matches {
			ok, err := d.Prerequisite.Match(instanceKeysFromChildren(dd, p))
			if err != nil {
				return fmt.Errorf("plan: evaluating prerequisite for %s: %w", p.String(), err)
			}
			if ok {
				filtered = append(filtered, p)
			}
		}
		matches = filtered
	}

	if d.PathSet.Min > len(matches) {
		keys := instanceKeysFromLastSegment(d.Path)
		for i := len(matches); i < d.PathSet.Min; i++ {
			state.InstancesToCreate = append(state.InstancesToCreate, InstanceCreate{Parent: parent, Keys: keys})
		}
	}

	if d.PathSet.Max >= 0 && len(matches) > d.PathSet.Max {
		excess := matches[d.PathSet.Max:]
		for _, p := range excess {
			state.InstancesToDelete = append(state.InstancesToDelete, InstanceDelete{Path: p})
		}
	}
	return nil
}

// instanceKeysFromChildren reads the known leaf values directly under
// instance into a key-map a CELPrerequisite can evaluate against, mirroring
// the "self.<child> == ..." shape a guard rule references.
func instanceKeysFromChildren(dd *model.DeviceData, instance *path.Path) path.InstanceKeys {
	keys := path.InstanceKeys{}
	depth := instance.Depth() + 1
	for _, p := range dd.Paths.All() {
		if p.Depth() != depth {
			continue
		}
		if path.Slice(p, 0, instance.Depth()).String() != instance.String() {
			continue
		}
		attrs, ok := dd.Attributes.Get(p)
		if !ok || attrs.Value == nil {
			continue
		}
		keys[p.Segment(depth-1).Name] = attrs.Value.Payload.Literal
	}
	return keys
}

// instanceKeysFromLastSegment reads an alias segment's literal equality
// constraints into the key-map an AddObject continuation must later verify
// against the CPE-assigned instance. Single wildcard segments carry no key
// constraints.
func instanceKeysFromLastSegment(p *path.Path) path.InstanceKeys {
	if p.Depth() == 0 {
		return nil
	}
	seg := p.Segment(p.Depth() - 1)
	if seg.Kind != path.KindAlias {
		return nil
	}
	keys := make(path.InstanceKeys, len(seg.Aliases))
	for _, c := range seg.Aliases {
		keys[c.Subpath] = c.Literal
	}
	return keys
}
