package session

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/declare"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/plan"
	"pkg.cwmpsession.run/engine/rpc"
)

// RunCycle is the reentrant rpcRequest driver: call it repeatedly until it
// returns a non-nil *rpc.Request (send it to the CPE and feed the reply to
// RPCResponse/RPCFault) or returns (nil, nil), meaning the session has
// nothing further to do.
//
// Each call recomputes SyncState from scratch by re-running the planner
// over the session's accumulated declarations, then resolving virtual
// parameters through resolveVirtualParameters's recursive inception stack:
// a virtual parameter's script can itself declare or clear further virtual
// parameters, so each round's Declare/Clear output is folded back in as a
// fresh declaration layer and re-planned until a round adds nothing new,
// bounded by the QuotaDeeplyNestedVParams check in checkQuotas.
func (ctx *SessionContext) RunCycle(goCtx context.Context, freshDeclarations []declare.Declaration) (*rpc.Request, error) {
	ctx.adoptLogger(goCtx)

	if ctx.PendingRequest != nil {
		return ctx.PendingRequest, nil
	}

	if len(ctx.Provisions) == 0 && len(freshDeclarations) == 0 && len(ctx.Declarations) == 0 {
		return nil, nil
	}

	// Each call plans from scratch, so the inception depth this call's
	// virtual-parameter cascade reaches is tracked fresh rather than
	// accumulated across calls within the same cycle.
	ctx.Revisions = ctx.Revisions[:0]
	if err := ctx.checkQuotas(); err != nil {
		return nil, err
	}

	provisionDecls, clears, err := ctx.runProvisions(goCtx)
	if err != nil {
		return nil, err
	}

	ctx.Declarations = append(ctx.Declarations, freshDeclarations...)
	allDecls := append(append([]declare.Declaration(nil), ctx.Declarations...), provisionDecls...)

	res, err := ctx.resolveVirtualParameters(goCtx, allDecls, clears)
	if err != nil {
		return nil, err
	}
	ctx.SyncState = res.State

	reqs := plan.GenerateGetRequests(ctx.DeviceData, ctx.SyncState, ctx.Config)
	if len(reqs) == 0 {
		reqs = plan.GenerateSetRequests(ctx.DeviceData, ctx.SyncState, ctx.Config)
	}
	if len(reqs) == 0 {
		ctx.Iteration++
		return nil, nil
	}

	req := reqs[0]
	ctx.PendingRequest = &req
	ctx.PendingRPCID = ctx.nextRPCID()
	return ctx.PendingRequest, nil
}

// checkQuotas enforces the four session quota invariants.
func (ctx *SessionContext) checkQuotas() error {
	if ctx.RPCCount >= ctx.Config.MaxRPCCount {
		ctx.Collaborators.Log.Info("rpc count quota exceeded", "deviceID", ctx.DeviceID, "rpcCount", ctx.RPCCount)
		return &QuotaError{Kind: QuotaTooManyRPCs}
	}
	if len(ctx.Revisions) > 8 {
		ctx.Collaborators.Log.Info("virtual parameter nesting quota exceeded", "deviceID", ctx.DeviceID, "depth", len(ctx.Revisions))
		return &QuotaError{Kind: QuotaDeeplyNestedVParams}
	}
	if ctx.Cycle >= 255 {
		ctx.Collaborators.Log.Info("cycle quota exceeded", "deviceID", ctx.DeviceID, "cycle", ctx.Cycle)
		return &QuotaError{Kind: QuotaTooManyCycles}
	}
	if ctx.Iteration >= int64(ctx.Config.MaxCommitIterations)*MaxIterationsPerCycle*int64(ctx.Cycle+1) {
		ctx.Collaborators.Log.Info("commit iteration quota exceeded", "deviceID", ctx.DeviceID, "iteration", ctx.Iteration)
		return &QuotaError{Kind: QuotaTooManyCommits}
	}
	return nil
}

// runProvisions dispatches every installed provision to the sandbox
// concurrently and joins before merging their declare/clear output, one
// goroutine per provision in this layer. Each sandbox call receives its own
// script and args; the session's extension cache is the one map shared by
// all of them.
func (ctx *SessionContext) runProvisions(goCtx context.Context) ([]declare.Declaration, []declare.Clear, error) {
	if ctx.Collaborators.Sandbox == nil {
		return nil, nil, nil
	}

	results := make([]config.SandboxResult, len(ctx.Provisions))

	g, gctx := errgroup.WithContext(goCtx)
	for i, p := range ctx.Provisions {
		i, p := i, p
		g.Go(func() error {
			script, _, err := ctx.Collaborators.Provisions.GetProvision(gctx, p.Name)
			if err != nil {
				return &ScriptError{Name: p.Name, Message: err.Error()}
			}
			out, err := ctx.Collaborators.Sandbox.Run(gctx, script, p.Args, ctx.ExtensionsCache)
			if err != nil {
				return &ScriptError{Name: p.Name, Message: err.Error()}
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var decls []declare.Declaration
	var clears []declare.Clear
	for _, out := range results {
		for _, dc := range out.Declare {
			decls = append(decls, declareFromCall(dc))
		}
		for _, cc := range out.Clear {
			clears = append(clears, declare.Clear{Path: path.Parse(cc.Path), Timestamp: cc.Timestamp})
		}
	}
	return decls, clears, nil
}

func declareFromCall(dc config.DeclareCall) declare.Declaration {
	d := declare.Declaration{Path: path.Parse(dc.Path), PathGet: dc.PathGet, Defer: dc.Defer}
	if dc.PathSet != nil {
		d.PathSet = &declare.InstanceBound{Min: dc.PathSet[0], Max: dc.PathSet[1]}
	}
	if len(dc.AttrGet) > 0 {
		d.AttrGet = map[model.AttrKind]int64{}
		for k, v := range dc.AttrGet {
			d.AttrGet[attrKindOf(k)] = v
		}
	}
	if len(dc.AttrSet) > 0 {
		d.AttrSet = map[model.AttrKind]any{}
		for k, v := range dc.AttrSet {
			d.AttrSet[attrKindOf(k)] = v
		}
	}
	return d
}

func attrKindOf(name string) model.AttrKind {
	switch name {
	case "object":
		return model.AttrObject
	case "writable":
		return model.AttrWritable
	case "notification":
		return model.AttrNotification
	case "accessList":
		return model.AttrAccessList
	default:
		return model.AttrValue
	}
}

// resolveVirtualParameters plans allDecls/clears, then drains the resulting
// virtual-parameter layer by running each one's script, folding its Declare/
// Clear output back in as a fresh declaration layer, and re-planning — an
// inception stack one layer per round, since a virtual parameter's script
// can itself declare (or clear) further virtual parameters. ctx.Revisions
// tracks one entry per round so checkQuotas can bound the recursion.
func (ctx *SessionContext) resolveVirtualParameters(goCtx context.Context, allDecls []declare.Declaration, clears []declare.Clear) (*plan.Result, error) {
	for {
		res, err := plan.RunDeclarations(ctx.DeviceData, allDecls, clears, ctx.Config)
		if err != nil {
			return nil, err
		}
		if len(res.VirtualParameters) == 0 {
			return res, nil
		}

		nextDecls, nextClears, err := ctx.runVirtualParameterLayer(goCtx, res.VirtualParameters)
		if err != nil {
			return nil, err
		}
		if len(nextDecls) == 0 && len(nextClears) == 0 {
			return res, nil
		}

		ctx.Revisions = append(ctx.Revisions, int64(len(ctx.Revisions)))
		if err := ctx.checkQuotas(); err != nil {
			return nil, err
		}

		allDecls = append(allDecls, nextDecls...)
		clears = append(clears, nextClears...)
	}
}

// runVirtualParameterLayer runs every pending virtual-parameter
// declaration's script through the sandbox concurrently, joins, writes each
// validated return value back onto VirtualParameters.<name>, and returns
// whatever further Declare/Clear output the scripts themselves produced so
// the caller can fold it into the next inception layer.
func (ctx *SessionContext) runVirtualParameterLayer(goCtx context.Context, decls []plan.VirtualParameterDeclaration) ([]declare.Declaration, []declare.Clear, error) {
	if ctx.Collaborators.VParams == nil || ctx.Collaborators.Sandbox == nil {
		return nil, nil, nil
	}

	results := make([]config.SandboxResult, len(decls))
	ran := make([]bool, len(decls))

	g, gctx := errgroup.WithContext(goCtx)
	for i, vd := range decls {
		i, vd := i, vd
		g.Go(func() error {
			script, err := ctx.Collaborators.VParams.GetVirtualParameter(gctx, vd.Name)
			if err != nil {
				return nil
			}
			out, err := ctx.Collaborators.Sandbox.Run(gctx, script, nil, ctx.ExtensionsCache)
			if err != nil {
				return &ScriptError{Name: vd.Name, Message: err.Error()}
			}
			results[i] = out
			ran[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var nextDecls []declare.Declaration
	var nextClears []declare.Clear
	for i, vd := range decls {
		if !ran[i] || !results[i].Done {
			continue
		}
		p := ctx.DeviceData.Paths.AddPath(path.ConcatName(path.Parse("VirtualParameters"), vd.Name))
		ret, ok := results[i].ReturnValue.(map[string]any)
		if !ok {
			return nil, nil, &ScriptReturnError{Reason: "virtual parameter return value must be an object"}
		}
		w := &model.Write{}
		if rv, ok := ret["value"]; ok {
			lit, xsdType := normalizeReturnValue(rv)
			w.Value = &model.TypedValue{Literal: lit, XSDType: xsdType}
		}
		if rv, ok := ret["writable"].(bool); ok {
			w.Writable = &rv
		}
		model.Set(ctx.DeviceData, p, ctx.Timestamp, w, nil)

		for _, dc := range results[i].Declare {
			nextDecls = append(nextDecls, declareFromCall(dc))
		}
		for _, cc := range results[i].Clear {
			nextClears = append(nextClears, declare.Clear{Path: path.Parse(cc.Path), Timestamp: cc.Timestamp})
		}
	}
	return nextDecls, nextClears, nil
}

func normalizeReturnValue(v any) (string, string) {
	switch t := v.(type) {
	case bool:
		if t {
			return "true", "xsd:boolean"
		}
		return "false", "xsd:boolean"
	case int:
		return fmt.Sprintf("%d", t), "xsd:int"
	case string:
		return t, "xsd:string"
	default:
		return fmt.Sprintf("%v", t), "xsd:string"
	}
}

// nextRPCID renders the hex triple timestamp|cycle|rpcCount the CPE must
// echo back.
func (ctx *SessionContext) nextRPCID() string {
	return fmt.Sprintf("%x%02x%02x", ctx.Timestamp, ctx.Cycle&0xff, ctx.RPCCount&0xff)
}

// RPCResponse assimilates a CPE reply into DeviceData and clears the
// pending request.
func (ctx *SessionContext) RPCResponse(goCtx context.Context, rpcID string, resp rpc.Response) error {
	ctx.adoptLogger(goCtx)
	if err := ctx.validateResponse(rpcID, resp.Name); err != nil {
		return err
	}
	req := ctx.PendingRequest
	ctx.RPCCount++
	ctx.PendingRequest = nil
	ctx.PendingRPCID = ""

	ts := ctx.Timestamp + ctx.Iteration + 1

	switch resp.Name {
	case rpc.GetParameterValues:
		ctx.assimilateGPV(req, resp, ts)
		if req.Next == rpc.SetInstanceKeys {
			ctx.reconcileInstanceKeys(resp)
		}
	case rpc.GetParameterAttributes:
		ctx.assimilateGPA(req, resp, ts)
	case rpc.GetParameterNames:
		ctx.assimilateGPN(req, resp, ts)
	case rpc.SetParameterValues:
		ctx.assimilateSPV(req, ts)
	case rpc.SetParameterAttributes:
		ctx.assimilateSPA(req, ts)
	case rpc.AddObject:
		ctx.assimilateAddObject(req, resp, ts)
	case rpc.DeleteObject:
		ctx.assimilateDeleteObject(req, ts)
	case rpc.Reboot:
		ctx.stampVirtual("Reboot", ctx.Timestamp)
	case rpc.FactoryReset:
		ctx.stampVirtual("FactoryReset", ctx.Timestamp)
	case rpc.Download:
		ctx.assimilateDownload(req, resp)
	}
	return nil
}

func (ctx *SessionContext) validateResponse(rpcID string, name rpc.Name) error {
	if ctx.PendingRequest == nil {
		return &InvalidResponseError{Reason: "no outstanding request"}
	}
	if rpcID != ctx.PendingRPCID {
		return &InvalidResponseError{Reason: "rpc id mismatch"}
	}
	if name != ctx.PendingRequest.Name {
		return &InvalidResponseError{Reason: fmt.Sprintf("expected %s, got %s", ctx.PendingRequest.Name, name)}
	}
	return nil
}

func (ctx *SessionContext) assimilateGPV(req *rpc.Request, resp rpc.Response, ts int64) {
	seen := map[string]bool{}
	for _, pv := range resp.ParameterValues {
		seen[pv.Name] = true
		p := ctx.DeviceData.Paths.AddPath(path.Parse(pv.Name))
		isObj := false
		tv, err := model.SanitizeParameterValue(model.TypedValue{Literal: pv.Value, XSDType: pv.XSDType}, ctx.Config.DatetimeMilliseconds)
		if err != nil {
			ctx.Collaborators.Log.V(1).Info("reported value failed sanitization, storing as-is", "path", pv.Name, "xsdType", pv.XSDType, "reason", err.Error())
			tv = model.TypedValue{Literal: pv.Value, XSDType: pv.XSDType}
		}
		model.Set(ctx.DeviceData, p, ts, &model.Write{
			Object: &isObj,
			Value:  &tv,
		}, nil)
	}
	for _, name := range req.ParameterNames {
		if seen[name] {
			continue
		}
		p := ctx.DeviceData.Paths.AddPath(path.Parse(name))
		model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &model.TypedValue{Literal: "", XSDType: "xsd:string"}}, nil)
	}
}

// reconcileInstanceKeys compares the alias-key values a CPE reported after
// an AddObject against the literals the originating provision expected, and
// queues a corrective SetParameterValues for any that disagree. A CPE is
// free to assign its own instance-key values on creation, so the driver
// must read them back and only force the ones that came out wrong.
func (ctx *SessionContext) reconcileInstanceKeys(resp rpc.Response) {
	parent := ctx.PendingObjectParent
	keys := ctx.PendingKeys
	ctx.PendingKeys = nil
	ctx.PendingObjectParent = ""

	reported := map[string]rpc.ParameterValueResult{}
	for _, pv := range resp.ParameterValues {
		reported[pv.Name] = pv
	}

	var names []string
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	var entries []rpc.SetValueEntry
	for _, k := range names {
		name := parent + "." + k
		want := keys[k]
		if pv, ok := reported[name]; ok && pv.Value == want {
			continue
		}
		entries = append(entries, rpc.SetValueEntry{Name: name, Value: want, XSDType: "xsd:string"})
	}
	if len(entries) == 0 {
		return
	}
	ctx.PendingRequest = &rpc.Request{Name: rpc.SetParameterValues, ParameterList: entries}
	ctx.PendingRPCID = ctx.nextRPCID()
}

func (ctx *SessionContext) assimilateGPA(req *rpc.Request, resp rpc.Response, ts int64) {
	for _, pa := range resp.ParameterAttributes {
		p := ctx.DeviceData.Paths.AddPath(path.Parse(pa.Name))
		model.Set(ctx.DeviceData, p, ts, &model.Write{
			Notification: &pa.Notification,
			AccessList:   pa.AccessList,
		}, nil)
	}
}

var gpnFixedRoots = []string{"DeviceID", "Events", "Tags", "Reboot", "FactoryReset", "VirtualParameters", "Downloads"}

func (ctx *SessionContext) assimilateGPN(req *rpc.Request, resp rpc.Response, ts int64) {
	results := append([]rpc.ParameterNameResult(nil), resp.ParameterNames...)
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })

	if req.ParameterPath == "" {
		for _, root := range gpnFixedRoots {
			p := ctx.DeviceData.Paths.AddPath(path.Parse(root))
			isObj := true
			model.Set(ctx.DeviceData, p, ts, &model.Write{Object: &isObj}, nil)
		}
	}

	for _, r := range results {
		p := ctx.DeviceData.Paths.AddPath(path.Parse(r.Name))
		obj, writable := r.IsObject, r.Writable
		model.Set(ctx.DeviceData, p, ts, &model.Write{Object: &obj, Writable: &writable}, nil)
		if obj {
			model.Clear(ctx.DeviceData, path.ConcatWildcard(p), ts-1, nil, nil)
		}
	}
}

func (ctx *SessionContext) assimilateSPV(req *rpc.Request, ts int64) {
	for _, e := range req.ParameterList {
		p := ctx.DeviceData.Paths.AddPath(path.Parse(e.Name))
		model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &model.TypedValue{Literal: e.Value, XSDType: e.XSDType}}, nil)
	}
}

func (ctx *SessionContext) assimilateSPA(req *rpc.Request, ts int64) {
	for _, e := range req.AttributeList {
		p := ctx.DeviceData.Paths.AddPath(path.Parse(e.Name))
		w := &model.Write{}
		if e.NotificationSet {
			n := e.Notification
			w.Notification = &n
		}
		if e.AccessListSet {
			w.AccessList = e.AccessList
		}
		model.Set(ctx.DeviceData, p, ts, w, nil)
	}
}

func (ctx *SessionContext) assimilateAddObject(req *rpc.Request, resp rpc.Response, ts int64) {
	parent := trimTrailingDot(req.ObjectName)
	newPath := ctx.DeviceData.Paths.AddPath(path.ConcatName(path.Parse(parent), fmt.Sprintf("%d", resp.InstanceNumber)))
	isObj := true
	model.Set(ctx.DeviceData, newPath, ts, &model.Write{Object: &isObj}, nil)

	if req.Next != rpc.GetInstanceKeys || len(req.InstanceValues) == 0 {
		return
	}
	var names []string
	for k := range req.InstanceValues {
		names = append(names, newPath.String()+"."+k)
	}
	sort.Strings(names)
	ctx.PendingKeys = req.InstanceValues
	ctx.PendingObjectParent = newPath.String()
	cont := rpc.Request{Name: rpc.GetParameterValues, ParameterNames: names, Next: rpc.SetInstanceKeys}
	ctx.PendingRequest = &cont
	ctx.PendingRPCID = ctx.nextRPCID()
}

func (ctx *SessionContext) assimilateDeleteObject(req *rpc.Request, ts int64) {
	parent := trimTrailingDot(req.ObjectName)
	p := ctx.DeviceData.Paths.AddPath(path.Parse(parent))
	model.Clear(ctx.DeviceData, p, ts, nil, nil)
	model.Clear(ctx.DeviceData, path.ConcatWildcard(p), ts, nil, nil)
}

func (ctx *SessionContext) assimilateDownload(req *rpc.Request, resp rpc.Response) {
	base := path.Parse(fmt.Sprintf("Downloads.%s", req.Instance))
	p := ctx.DeviceData.Paths.AddPath(path.ConcatName(base, "Download"))
	model.Set(ctx.DeviceData, p, ctx.Timestamp, &model.Write{Value: &model.TypedValue{Literal: fmt.Sprintf("%d", ctx.Timestamp), XSDType: "xsd:dateTime"}}, nil)

	if resp.Status == 0 {
		_ = ctx.TransferComplete(req.CommandKey, "", "", DownloadResult{
			LastDownload: fmt.Sprintf("%d", ctx.Timestamp),
			LastFileType: req.FileType, LastFileName: req.FileName, LastTargetFileName: req.TargetFileName,
			StartTime: fmt.Sprintf("%d", ctx.Timestamp), CompleteTime: fmt.Sprintf("%d", ctx.Timestamp),
		})
		return
	}
	ctx.Operations[req.CommandKey] = &Operation{
		CommandKey:   req.CommandKey,
		Instance:     req.Instance,
		Timestamp:    ctx.Timestamp,
		LastDownload: fmt.Sprintf("%d", ctx.Timestamp),
	}
}

func (ctx *SessionContext) stampVirtual(name string, ts int64) {
	p := ctx.DeviceData.Paths.AddPath(path.Parse(name))
	model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &model.TypedValue{Literal: fmt.Sprintf("%d", ts), XSDType: "xsd:dateTime"}}, nil)
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

// RPCFault assimilates a CPE-reported fault. Fault 9005 (invalid parameter
// name) is recoverable: the referenced parameters are invalidated and nil
// is returned so the caller can retry; every other fault is surfaced as a
// CPEFaultError.
func (ctx *SessionContext) RPCFault(goCtx context.Context, rpcID string, fault rpc.Fault) error {
	ctx.adoptLogger(goCtx)
	if ctx.PendingRequest == nil || rpcID != ctx.PendingRPCID {
		return &InvalidResponseError{Reason: "rpc id mismatch"}
	}
	req := ctx.PendingRequest
	ctx.RPCCount++
	ctx.PendingRequest = nil
	ctx.PendingRPCID = ""
	ctx.RecordFault(fault.FaultCode)

	if fault.FaultCode == "9005" {
		ctx.Collaborators.Log.V(1).Info("invalid parameter name fault, invalidating and retrying", "deviceID", ctx.DeviceID, "detail", fault.FaultString)
		ts := ctx.Timestamp
		for _, n := range req.ParameterNames {
			p := ctx.DeviceData.Paths.AddPath(path.Parse(n))
			model.Clear(ctx.DeviceData, p, ts, nil, nil)
		}
		if req.ObjectName != "" {
			p := ctx.DeviceData.Paths.AddPath(path.Parse(trimTrailingDot(req.ObjectName)))
			model.Clear(ctx.DeviceData, p, ts, nil, nil)
		}
		return nil
	}
	return &CPEFaultError{Code: fault.FaultCode, Detail: fault.FaultString}
}
