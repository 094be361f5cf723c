// Package session implements SessionContext: the per-device state machine
// that drives one CWMP session, composing path/vmap/model/declare/plan into
// a reentrant request/response driver.
package session

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/declare"
	"pkg.cwmpsession.run/engine/internal/devicehash"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/plan"
	"pkg.cwmpsession.run/engine/rpc"
)

// MaxIterationsPerCycle bounds iteration growth within one cycle:
// cwmp.maxCommitIterations is applied ×2, once for a read pass and once for
// an update pass.
const MaxIterationsPerCycle = 2

// DeviceIdentity is what an Inform RPC reports about the CPE itself.
type DeviceIdentity struct {
	Manufacturer string
	OUI          string
	ProductClass string
	SerialNumber string
}

// InformRequest is the inbound Inform RPC payload.
type InformRequest struct {
	DeviceID      DeviceIdentity
	Event         []string
	ParameterList []rpc.ParameterValueResult
}

// InformResponse is returned from Inform; it carries no state today but
// exists as a named type so the driver's signature stays stable as the RPC
// gains response fields.
type InformResponse struct{}

// Operation is a pending CPE-side action the session is tracking across
// HTTP turns — currently only Download.
type Operation struct {
	CommandKey         string
	Instance           string
	Timestamp          int64
	LastDownload       string
	LastFileType       string
	LastFileName       string
	LastTargetFileName string
}

// Collaborators bundles the process-global, read-mostly dependencies the
// session needs, modeled as interfaces so they can be swapped for in-memory
// fakes in tests.
type Collaborators struct {
	Sandbox      config.Sandbox
	Provisions   config.ProvisionSource
	VParams      config.VirtualParameterSource
	ConfigSource config.ConfigProvider
	Log          logr.Logger
}

// SessionContext is the engine's single per-device unit of state. Every
// mutating entry point runs to completion before the next is admitted;
// callers are responsible for that serialization (e.g. one goroutine/actor
// per device).
type SessionContext struct {
	DeviceID      string
	CWMPVersion   string
	TimeoutMillis int64

	Timestamp int64
	New       bool

	Cycle     int
	Iteration int64
	RPCCount  int
	Revisions []int64

	DeviceData *model.DeviceData

	Provisions        []config.Provision
	ProvisionChannels [][]string

	Declarations []declare.Declaration
	SyncState    *plan.SyncState

	Operations map[string]*Operation

	PendingRequest      *rpc.Request
	PendingRPCID        string
	PendingKeys         path.InstanceKeys
	PendingObjectParent string

	ExtensionsCache map[string]any

	// faultCounts tallies RPC fault codes seen over the session's
	// lifetime, read back out through StatsOf.
	faultCounts map[string]int

	Config        config.Config
	Collaborators Collaborators
}

// Init returns a fresh SessionContext for deviceID, ready to receive an
// Inform. A logr.Logger carried on ctx (see logr.NewContext) overrides
// collab.Log for session-lifetime logging.
func Init(ctx context.Context, deviceID, cwmpVersion string, timeoutMillis int64, collab Collaborators) *SessionContext {
	cfg := config.Config{}
	cfg.Default()
	sc := &SessionContext{
		DeviceID:        deviceID,
		CWMPVersion:     cwmpVersion,
		TimeoutMillis:   timeoutMillis,
		New:             true,
		DeviceData:      model.New(),
		Operations:      map[string]*Operation{},
		ExtensionsCache: map[string]any{},
		Config:          cfg,
		Collaborators:   collab,
	}
	sc.adoptLogger(ctx)
	return sc
}

// adoptLogger pulls a logr.Logger out of ctx (logr.FromContext) and makes it
// the session's active logger for the duration of the call, falling back to
// whatever Collaborators.Log already holds when ctx carries none.
func (ctx *SessionContext) adoptLogger(goCtx context.Context) {
	if log, err := logr.FromContext(goCtx); err == nil {
		ctx.Collaborators.Log = log
	}
}

// epochSegment tag-encodes one event-code path segment: spaces become
// underscores.
func epochSegment(eventCode string) string {
	out := make([]rune, 0, len(eventCode))
	for _, r := range eventCode {
		if r == ' ' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Inform assimilates an inbound Inform RPC: writes DeviceID.*, the reported
// parameter list, and one Events.<code> per reported event plus
// Events.Inform marking session start.
func (ctx *SessionContext) Inform(goCtx context.Context, req InformRequest) (InformResponse, error) {
	ctx.adoptLogger(goCtx)
	ts := ctx.Timestamp

	writeLeaf := func(name, value string) {
		p := ctx.DeviceData.Paths.AddPath(path.ConcatName(path.Parse("DeviceID"), name))
		model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &model.TypedValue{Literal: value, XSDType: "xsd:string"}}, nil)
	}
	writeLeaf("Manufacturer", req.DeviceID.Manufacturer)
	writeLeaf("OUI", req.DeviceID.OUI)
	writeLeaf("ProductClass", req.DeviceID.ProductClass)
	writeLeaf("SerialNumber", req.DeviceID.SerialNumber)

	for _, pv := range req.ParameterList {
		p := ctx.DeviceData.Paths.AddPath(path.Parse(pv.Name))
		model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &model.TypedValue{Literal: pv.Value, XSDType: pv.XSDType}}, nil)
	}

	setEvent := func(code string) {
		p := ctx.DeviceData.Paths.AddPath(path.ConcatName(path.Parse("Events"), epochSegment(code)))
		v := model.TypedValue{Literal: fmt.Sprintf("%d", ts), XSDType: "xsd:dateTime"}
		model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &v}, nil)
	}
	setEvent("Inform")
	for _, ev := range req.Event {
		setEvent(ev)
	}

	if ctx.New {
		idP := ctx.DeviceData.Paths.AddPath(path.ConcatName(path.Parse("DeviceID"), "ID"))
		model.Set(ctx.DeviceData, idP, ts, &model.Write{Value: &model.TypedValue{Literal: ctx.DeviceID, XSDType: "xsd:string"}}, nil)
		setEvent("Registered")
	}

	return InformResponse{}, nil
}

// AddProvisions installs newProvisions under channel, deduplicating against
// already-installed provisions by value (name + args). A duplicate gains
// channel in its channel membership rather than being re-added. Any
// in-flight sync plan is discarded and, if the session made any progress
// (Iteration > 0), its versioned maps collapse back to revision 0 before a
// new cycle opens.
func (ctx *SessionContext) AddProvisions(goCtx context.Context, channel string, newProvisions []config.Provision) {
	ctx.adoptLogger(goCtx)
	for _, np := range newProvisions {
		idx := ctx.findProvision(np)
		if idx < 0 {
			ctx.Provisions = append(ctx.Provisions, np)
			ctx.ProvisionChannels = append(ctx.ProvisionChannels, []string{channel})
			continue
		}
		if !containsChannel(ctx.ProvisionChannels[idx], channel) {
			ctx.ProvisionChannels[idx] = append(ctx.ProvisionChannels[idx], channel)
		}
	}
	ctx.openNewCycle()
}

func (ctx *SessionContext) findProvision(p config.Provision) int {
	for i, existing := range ctx.Provisions {
		if provisionsEqual(existing, p) {
			return i
		}
	}
	return -1
}

// provisionsEqual reports whether a and b would run the same script with the
// same arguments. Args is []any and may hold nested maps/slices decoded from
// preset JSON, which are not comparable with ==, so equality is decided by
// hashing both provisions with devicehash rather than comparing fields directly.
func provisionsEqual(a, b config.Provision) bool {
	return devicehash.Sum(a) == devicehash.Sum(b)
}

func containsChannel(chs []string, c string) bool {
	for _, x := range chs {
		if x == c {
			return true
		}
	}
	return false
}

// ClearProvisions resets provisions, declarations, sync state, and the
// extension cache, applying the same cycle-reset rule as AddProvisions.
func (ctx *SessionContext) ClearProvisions(goCtx context.Context) {
	ctx.adoptLogger(goCtx)
	ctx.Provisions = nil
	ctx.ProvisionChannels = nil
	ctx.Declarations = nil
	ctx.SyncState = nil
	ctx.ExtensionsCache = map[string]any{}
	ctx.Revisions = nil
	ctx.openNewCycle()
}

// openNewCycle discards in-flight sync state, collapses versioned maps back
// to revision 0 if progress was made, and advances to a new commit cycle.
func (ctx *SessionContext) openNewCycle() {
	ctx.SyncState = nil
	if ctx.Iteration > 0 {
		ctx.DeviceData.Timestamps.Collapse(0)
		ctx.DeviceData.Attributes.Collapse(0)
	}
	ctx.Cycle++
	ctx.RPCCount = 0
	ctx.Iteration = int64(ctx.Cycle) * MaxIterationsPerCycle
}

// TransferComplete resolves a pending Download operation identified by
// commandKey. An unknown commandKey is acknowledged as a no-op. A nonzero
// CPE fault code reverts Downloads.{i}.Download to LastDownload and returns
// a CPEFaultError; otherwise the download's result fields are written and
// the operation is removed.
func (ctx *SessionContext) TransferComplete(commandKey string, faultCode, faultString string, result DownloadResult) error {
	op, ok := ctx.Operations[commandKey]
	if !ok {
		return nil
	}
	delete(ctx.Operations, commandKey)

	base := path.Parse(fmt.Sprintf("Downloads.%s", op.Instance))
	ts := ctx.Timestamp

	if faultCode != "" && faultCode != "0" {
		p := ctx.DeviceData.Paths.AddPath(path.ConcatName(base, "Download"))
		model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &model.TypedValue{Literal: op.LastDownload, XSDType: "xsd:dateTime"}}, nil)
		return &CPEFaultError{Code: faultCode, Detail: faultString}
	}

	writeLeaf := func(name, value string) {
		p := ctx.DeviceData.Paths.AddPath(path.ConcatName(base, name))
		model.Set(ctx.DeviceData, p, ts, &model.Write{Value: &model.TypedValue{Literal: value, XSDType: "xsd:string"}}, nil)
	}
	writeLeaf("LastDownload", result.LastDownload)
	writeLeaf("LastFileType", result.LastFileType)
	writeLeaf("LastFileName", result.LastFileName)
	writeLeaf("LastTargetFileName", result.LastTargetFileName)
	writeLeaf("StartTime", result.StartTime)
	writeLeaf("CompleteTime", result.CompleteTime)
	return nil
}

// DownloadResult is the set of fields TransferComplete writes back on
// success.
type DownloadResult struct {
	LastDownload       string
	LastFileType       string
	LastFileName       string
	LastTargetFileName string
	StartTime          string
	CompleteTime       string
}

// TimeoutOperations walks pending operations and expires any Download whose
// deadline has passed: either synthesizes a successful TransferComplete (if
// cwmp.downloadSuccessOnTimeout) or removes it, reverts its download
// parameter, and returns a TimeoutError for it.
func (ctx *SessionContext) TimeoutOperations(goCtx context.Context) []error {
	ctx.adoptLogger(goCtx)
	var faults []error
	deadlineSeconds := int64(ctx.Config.DownloadTimeoutSeconds)

	for key, op := range ctx.Operations {
		if op.Timestamp+deadlineSeconds*1000 > ctx.Timestamp {
			continue
		}
		if ctx.Config.DownloadSuccessOnTimeout {
			_ = ctx.TransferComplete(key, "", "", DownloadResult{
				LastDownload: fmt.Sprintf("%d", ctx.Timestamp),
			})
			continue
		}
		delete(ctx.Operations, key)
		base := path.Parse(fmt.Sprintf("Downloads.%s", op.Instance))
		p := ctx.DeviceData.Paths.AddPath(path.ConcatName(base, "Download"))
		model.Set(ctx.DeviceData, p, ctx.Timestamp, &model.Write{Value: &model.TypedValue{Literal: op.LastDownload, XSDType: "xsd:dateTime"}}, nil)
		faults = append(faults, &TimeoutError{CommandKey: key})
	}
	return faults
}
