// Package declare defines the Declaration IR: the boundary contract
// between user-provided provisions/virtual parameters and the planner.
// Declarations are an explicit, validated record type rather than a reuse
// of host types, so the planner never depends directly on sandbox output
// shapes.
package declare

import (
	"fmt"

	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
)

// InstanceBound describes a declared pathSet cardinality constraint: either
// an exact instance count, or a (min, max) range. A nil bound means "no
// constraint on instance count".
type InstanceBound struct {
	Min int
	Max int // Max < 0 means unbounded.
}

// Exact returns an InstanceBound pinning both Min and Max to n.
func Exact(n int) InstanceBound {
	return InstanceBound{Min: n, Max: n}
}

// Declaration is one assertion emitted by a provision or virtual parameter:
// "this path must exist, have this value, and have been refreshed no
// earlier than T".
type Declaration struct {
	Path *path.Path

	// PathGet, if non-zero, is the minimum acceptable last-refresh
	// timestamp for Path's existence/discovery.
	PathGet int64
	// PathSet, if non-nil, bounds how many instances must exist under
	// Path.
	PathSet *InstanceBound

	// AttrGet maps an attribute kind to the minimum acceptable last-refresh
	// timestamp for that attribute.
	AttrGet map[model.AttrKind]int64
	// AttrSet maps an attribute kind to the desired value.
	AttrSet map[model.AttrKind]any

	// Defer, when true, means a pending AttrSet value should not overwrite
	// an already-planned one unless no previous entry exists.
	Defer bool

	// Prerequisite, if non-nil, gates which candidate instances under Path
	// this declaration's PathSet (instance-count) obligation applies to: an
	// instance whose key-map the rule rejects is left untouched by
	// processInstances. AttrGet/AttrSet obligations are not gated by it.
	Prerequisite *CELPrerequisite
}

// Validate checks a Declaration's internal consistency at the IR boundary,
// one dedicated validator per IR node rather than ad hoc checks scattered
// through the planner.
func (d Declaration) Validate() error {
	if d.Path == nil {
		return fmt.Errorf("declare: path is required")
	}
	if d.PathSet != nil && d.PathSet.Max >= 0 && d.PathSet.Min > d.PathSet.Max {
		return fmt.Errorf("declare: pathSet min %d exceeds max %d", d.PathSet.Min, d.PathSet.Max)
	}
	for kind := range d.AttrSet {
		if kind > model.AttrAccessList {
			return fmt.Errorf("declare: unknown attribute kind %v", kind)
		}
	}
	return nil
}

// Clear is a "this path is gone" obligation produced alongside Declare
// output by a provision/virtual-parameter run, distinct from a Declaration
// (it carries no desired state, only an invalidation timestamp).
type Clear struct {
	Path      *path.Path
	Timestamp int64
}

// ProvisionResult is what running one provision (or one layer of virtual
// parameters) over the sandbox yields.
type ProvisionResult struct {
	Declare []Declaration
	Clear   []Clear
	Done    bool
	Fault   error
}

// VirtualParameterReturn is the validated shape a vparam script's return
// value must take: Writable/Value present iff requested on either side of
// the declaration.
type VirtualParameterReturn struct {
	Writable *bool
	Value    *model.TypedValue
}
