package plan

import (
	"strings"

	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/rpc"
)

// GenerateGetRequests turns the read obligations accumulated in state into
// a batch of RPC requests: discovery (GetParameterNames) before
// value/attribute reads, since a GPV or GPA against an undiscovered path
// cannot be trusted to be well-formed.
//
// Each call drains the corresponding PathSet, so repeated calls across
// session iterations make monotonic progress.
func GenerateGetRequests(dd *model.DeviceData, state *SyncState, cfg config.Config) []rpc.Request {
	var out []rpc.Request

	out = append(out, generateGPN(dd, state, cfg)...)
	out = append(out, generateGPV(state, cfg)...)
	out = append(out, generateGPA(state, cfg)...)

	return out
}

// generateGPN drains RefreshExist/RefreshObject deepest-path-first: a
// GetParameterNames against a shallow path that turns out huge wastes the
// reply budget, so the deepest queued paths are discovered first and each
// one's NextLevel flag is chosen by estimateGpnCount rather than fixed true.
func generateGPN(dd *model.DeviceData, state *SyncState, cfg config.Config) []rpc.Request {
	depthThreshold := cfg.GPNNextLevelDepth
	if depthThreshold <= 0 {
		depthThreshold = config.DefaultGPNNextLevelDepth
	}

	merged := append([]*path.Path(nil), state.RefreshExist.Sorted()...)
	merged = append(merged, state.RefreshObject.Sorted()...)
	sortDeepestFirst(merged)

	var out []rpc.Request
	for _, p := range merged {
		delete(state.RefreshExist, p)
		delete(state.RefreshObject, p)
		if p.String() == "" && cfg.SkipRootGPN {
			continue
		}
		out = append(out, rpc.Request{
			Name:          rpc.GetParameterNames,
			ParameterPath: gpnPath(p),
			NextLevel:     nextLevelFor(dd, p, depthThreshold),
		})
	}
	return out
}

// sortDeepestFirst orders paths by descending depth so a GetParameterNames
// against a namespace's deepest known boundary runs before shallower,
// potentially wider ones.
func sortDeepestFirst(paths []*path.Path) {
	for i := 1; i < len(paths); i++ {
		for j := i; j > 0 && paths[j].Depth() > paths[j-1].Depth(); j-- {
			paths[j], paths[j-1] = paths[j-1], paths[j]
		}
	}
}

// nextLevelFor decides whether a GetParameterNames at p should request only
// its immediate children (NextLevel) or the full subtree. Below
// depthThreshold NextLevel is always requested, since the planner hasn't
// yet discovered enough of the namespace to judge its size. At or past the
// threshold, estimateGpnCount approximates the full-subtree reply's
// cardinality; an estimate under 2^(8-depth) is judged small enough that
// NextLevel is still cheap and preferred, otherwise the request widens to
// the full subtree in one shot.
func nextLevelFor(dd *model.DeviceData, p *path.Path, depthThreshold int) bool {
	depth := p.Depth()
	if depth < depthThreshold {
		return true
	}
	shift := 8 - depth
	if shift < 0 {
		shift = 0
	}
	limit := 1 << uint(shift)
	return estimateGpnCount(dd, p) < limit
}

// estimateGpnCount approximates the cardinality a full-subtree
// GetParameterNames reply at p would carry, using the count of paths
// already known under p as a proxy for what the CPE would report.
func estimateGpnCount(dd *model.DeviceData, p *path.Path) int {
	prefix := p.String()
	count := 0
	for _, known := range dd.Paths.All() {
		s := known.String()
		if s == prefix {
			continue
		}
		if prefix == "" || strings.HasPrefix(s, prefix+".") {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// gpnPath renders p as a GetParameterNames "object path" argument: a
// trailing dot denotes "children of", matching CWMP's convention.
func gpnPath(p *path.Path) string {
	s := p.String()
	if s == "" {
		return ""
	}
	return s + "."
}

func generateGPV(state *SyncState, cfg config.Config) []rpc.Request {
	batch := cfg.GPVBatchSize
	if batch <= 0 {
		batch = config.DefaultGPVBatchSize
	}

	names := state.RefreshValue.Sorted()
	for _, p := range names {
		delete(state.RefreshValue, p)
	}

	var out []rpc.Request
	for i := 0; i < len(names); i += batch {
		end := i + batch
		if end > len(names) {
			end = len(names)
		}
		req := rpc.Request{Name: rpc.GetParameterValues}
		for _, p := range names[i:end] {
			req.ParameterNames = append(req.ParameterNames, p.String())
		}
		out = append(out, req)
	}
	return out
}

func generateGPA(state *SyncState, cfg config.Config) []rpc.Request {
	merged := PathSet{}
	for p := range state.RefreshNotification {
		merged.add(p)
	}
	for p := range state.RefreshAccessList {
		merged.add(p)
	}
	names := merged.Sorted()
	state.RefreshNotification = PathSet{}
	state.RefreshAccessList = PathSet{}

	batch := cfg.GPVBatchSize
	if batch <= 0 {
		batch = config.DefaultGPVBatchSize
	}

	var out []rpc.Request
	for i := 0; i < len(names); i += batch {
		end := i + batch
		if end > len(names) {
			end = len(names)
		}
		req := rpc.Request{Name: rpc.GetParameterAttributes}
		for _, p := range names[i:end] {
			req.ParameterNames = append(req.ParameterNames, p.String())
		}
		out = append(out, req)
	}
	return out
}
