package plan

import (
	"sort"

	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/rpc"
)

// GenerateSetRequests turns the write obligations accumulated in state into
// RPC requests, in priority order: instance membership first
// (AddObject/DeleteObject), since later writes may target an instance that
// doesn't exist yet; then attribute writes before value writes (a
// notification/accessList change should not be lost behind a value-write
// fault); then Download; Reboot and FactoryReset last, since either ends
// the CPE's ability to process further RPCs meaningfully this session.
//
// Each call drains the corresponding state field, so repeated calls across
// session iterations make monotonic progress.
func GenerateSetRequests(dd *model.DeviceData, state *SyncState, cfg config.Config) []rpc.Request {
	var out []rpc.Request

	for _, ic := range state.InstancesToCreate {
		out = append(out, rpc.Request{
			Name:           rpc.AddObject,
			ObjectName:     ic.Parent.String() + ".",
			InstanceValues: map[string]string(ic.Keys),
			Next:           rpc.GetInstanceKeys,
		})
	}
	state.InstancesToCreate = nil

	for _, id := range state.InstancesToDelete {
		if !cfg.SkipWritableCheck && !parentWritable(dd, id.Path) {
			continue
		}
		out = append(out, rpc.Request{Name: rpc.DeleteObject, ObjectName: id.Path.String() + "."})
	}
	state.InstancesToDelete = nil

	if req, ok := generateSPA(state); ok {
		out = append(out, req)
	}
	out = append(out, generateSPV(state, cfg)...)

	for _, dr := range state.DownloadRequests {
		out = append(out, rpc.Request{
			Name:           rpc.Download,
			CommandKey:     dr.CommandKey,
			Instance:       dr.Instance,
			FileType:       dr.FileType,
			FileName:       dr.FileName,
			TargetFileName: dr.TargetFileName,
		})
	}
	state.DownloadRequests = nil

	if state.Reboot > 0 {
		out = append(out, rpc.Request{Name: rpc.Reboot, CommandKey: "reboot"})
		state.Reboot = 0
	}
	if state.FactoryReset > 0 {
		out = append(out, rpc.Request{Name: rpc.FactoryReset, CommandKey: "factoryReset"})
		state.FactoryReset = 0
	}

	return out
}

// parentWritable reports whether p's parent object has been observed
// writable. A path with no known parent attribute, or a parent observed
// non-writable, is treated as not writable — DeleteObject is only emitted
// when writability is positively known (or the caller bypassed the check
// via cfg.SkipWritableCheck).
func parentWritable(dd *model.DeviceData, p *path.Path) bool {
	if p.Depth() == 0 {
		return true
	}
	parent := dd.Paths.AddPath(path.Slice(p, 0, p.Depth()-1))
	attrs, ok := dd.Attributes.Get(parent)
	if !ok || attrs.Writable == nil {
		return false
	}
	return attrs.Writable.Payload
}

// generateSPV sanitizes and batches the accumulated SetParameterValues
// obligations, mirroring generateGPV/generateGPA's batching so a large
// commit doesn't exceed the CPE's per-RPC reply budget in one request.
func generateSPV(state *SyncState, cfg config.Config) []rpc.Request {
	if len(state.SPV) == 0 {
		return nil
	}

	type entry struct {
		name string
		v    model.TypedValue
	}
	entries := make([]entry, 0, len(state.SPV))
	for p, v := range state.SPV {
		sanitized, err := model.SanitizeParameterValue(v, cfg.DatetimeMilliseconds)
		if err == nil {
			v = sanitized
		}
		if v.XSDType == "xsd:boolean" {
			v.Literal = model.BooleanLiteral(v.Literal == "true" || v.Literal == "1", cfg.BooleanLiteral)
		}
		entries = append(entries, entry{name: p.String(), v: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	state.SPV = map[*path.Path]model.TypedValue{}

	batch := cfg.GPVBatchSize
	if batch <= 0 {
		batch = config.DefaultGPVBatchSize
	}

	var out []rpc.Request
	for i := 0; i < len(entries); i += batch {
		end := i + batch
		if end > len(entries) {
			end = len(entries)
		}
		req := rpc.Request{
			Name:                 rpc.SetParameterValues,
			DatetimeMilliseconds: cfg.DatetimeMilliseconds,
			BooleanLiteral:       cfg.BooleanLiteral,
		}
		for _, e := range entries[i:end] {
			req.ParameterList = append(req.ParameterList, rpc.SetValueEntry{Name: e.name, Value: e.v.Literal, XSDType: e.v.XSDType})
		}
		out = append(out, req)
	}
	return out
}

func generateSPA(state *SyncState) (rpc.Request, bool) {
	if len(state.SPA) == 0 {
		return rpc.Request{}, false
	}

	type entry struct {
		name string
		e    *SPAEntry
	}
	entries := make([]entry, 0, len(state.SPA))
	for p, e := range state.SPA {
		entries = append(entries, entry{name: p.String(), e: e})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	req := rpc.Request{Name: rpc.SetParameterAttributes}
	for _, en := range entries {
		attr := rpc.SetAttributeEntry{Name: en.name}
		if en.e.Notification != nil {
			attr.Notification = *en.e.Notification
			attr.NotificationSet = true
		}
		if en.e.AccessListIsSet {
			attr.AccessList = en.e.AccessList
			attr.AccessListSet = true
		}
		req.AttributeList = append(req.AttributeList, attr)
	}
	state.SPA = map[*path.Path]*SPAEntry{}
	return req, true
}
