package session

import (
	"encoding/json"
	"fmt"

	"sigs.k8s.io/yaml"

	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/declare"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/vmap"
)

// wireState is the canonical persisted shape of a SessionContext.
// SyncState and the in-flight RPC (PendingRequest/PendingRPCID/PendingKeys/
// PendingObjectParent) are ephemeral and never persisted; a session
// resumed from wireState always starts its next RunCycle from a clean
// planning pass.
type wireState struct {
	DeviceID      string `json:"deviceId"`
	CWMPVersion   string `json:"cwmpVersion"`
	TimeoutMillis int64  `json:"timeoutMillis"`

	Timestamp int64 `json:"timestamp"`
	New       bool  `json:"new"`

	Cycle     int     `json:"cycle"`
	Iteration int64   `json:"iteration"`
	RPCCount  int     `json:"rpcCount"`
	Revisions []int64 `json:"revisions"`

	DeviceData []wireDeviceEntry `json:"deviceData"`

	Provisions        []config.Provision `json:"provisions"`
	ProvisionChannels [][]string         `json:"provisionChannels"`

	Declarations []wireDeclaration `json:"declarations"`

	Operations      map[string]*Operation `json:"operations"`
	ExtensionsCache map[string]any        `json:"extensionsCache"`

	Config config.Config `json:"config"`
}

// wireDeviceEntry is one [pathStr, trackers, timestampsHistory,
// attributesHistory] record.
type wireDeviceEntry struct {
	Path       string                    `json:"path"`
	Trackers   map[string]int            `json:"trackers,omitempty"`
	Timestamps []vmap.Entry[int64]       `json:"timestamps,omitempty"`
	Attributes []vmap.Entry[model.Attrs] `json:"attributes,omitempty"`
}

// wireDeclaration mirrors declare.Declaration with Path rendered as its
// string form rather than an interned *path.Path.
type wireDeclaration struct {
	Path    string                    `json:"path"`
	PathGet int64                     `json:"pathGet,omitempty"`
	PathSet *declare.InstanceBound    `json:"pathSet,omitempty"`
	AttrGet map[model.AttrKind]int64  `json:"attrGet,omitempty"`
	AttrSet map[model.AttrKind]any    `json:"attrSet,omitempty"`
	Defer   bool                      `json:"defer,omitempty"`
}

// Serialize produces a deterministic string snapshot of ctx's persisted
// state: deviceData, declarations, provisions, and lifecycle counters.
// encoding/json sorts map keys on marshal, so two structurally identical
// sessions always serialize to byte-identical strings.
func Serialize(ctx *SessionContext) (string, error) {
	paths := ctx.DeviceData.Paths.All()
	entries := make([]wireDeviceEntry, 0, len(paths))
	for _, p := range paths {
		e := wireDeviceEntry{
			Path:       p.String(),
			Timestamps: ctx.DeviceData.Timestamps.GetRevisions(p),
			Attributes: ctx.DeviceData.Attributes.GetRevisions(p),
		}
		if trackers := ctx.DeviceData.Trackers[p]; len(trackers) > 0 {
			e.Trackers = trackers
		}
		entries = append(entries, e)
	}

	decls := make([]wireDeclaration, 0, len(ctx.Declarations))
	for _, d := range ctx.Declarations {
		decls = append(decls, wireDeclaration{
			Path:    d.Path.String(),
			PathGet: d.PathGet,
			PathSet: d.PathSet,
			AttrGet: d.AttrGet,
			AttrSet: d.AttrSet,
			Defer:   d.Defer,
		})
	}

	w := wireState{
		DeviceID:          ctx.DeviceID,
		CWMPVersion:       ctx.CWMPVersion,
		TimeoutMillis:     ctx.TimeoutMillis,
		Timestamp:         ctx.Timestamp,
		New:               ctx.New,
		Cycle:             ctx.Cycle,
		Iteration:         ctx.Iteration,
		RPCCount:          ctx.RPCCount,
		Revisions:         append([]int64(nil), ctx.Revisions...),
		DeviceData:        entries,
		Provisions:        ctx.Provisions,
		ProvisionChannels: ctx.ProvisionChannels,
		Declarations:      decls,
		Operations:        ctx.Operations,
		ExtensionsCache:   ctx.ExtensionsCache,
		Config:            ctx.Config,
	}

	out, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Deserialize reverses Serialize: paths are re-interned through a fresh
// PathSet, trackers and versioned history are restored, and collab is
// attached as the resumed session's collaborator set (the host is
// responsible for ensuring its local cache is already warm before any
// mutating call is made against the result).
func Deserialize(data string, collab Collaborators) (*SessionContext, error) {
	var w wireState
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("session: deserialize: %w", err)
	}

	dd := model.New()
	for _, e := range w.DeviceData {
		p := dd.Paths.AddPath(path.Parse(e.Path))
		if len(e.Trackers) > 0 {
			dd.Trackers[p] = e.Trackers
		}
		if len(e.Timestamps) > 0 {
			dd.Timestamps.SetRevisions(p, e.Timestamps)
		}
		if len(e.Attributes) > 0 {
			dd.Attributes.SetRevisions(p, e.Attributes)
		}
	}
	dd.SetRevision(w.Iteration)

	decls := make([]declare.Declaration, 0, len(w.Declarations))
	for _, wd := range w.Declarations {
		decls = append(decls, declare.Declaration{
			Path:    dd.Paths.AddPath(path.Parse(wd.Path)),
			PathGet: wd.PathGet,
			PathSet: wd.PathSet,
			AttrGet: wd.AttrGet,
			AttrSet: wd.AttrSet,
			Defer:   wd.Defer,
		})
	}

	ctx := &SessionContext{
		DeviceID:          w.DeviceID,
		CWMPVersion:       w.CWMPVersion,
		TimeoutMillis:     w.TimeoutMillis,
		Timestamp:         w.Timestamp,
		New:               w.New,
		Cycle:             w.Cycle,
		Iteration:         w.Iteration,
		RPCCount:          w.RPCCount,
		Revisions:         w.Revisions,
		DeviceData:        dd,
		Provisions:        w.Provisions,
		ProvisionChannels: w.ProvisionChannels,
		Declarations:      decls,
		Operations:        w.Operations,
		ExtensionsCache:   w.ExtensionsCache,
		Config:            w.Config,
		Collaborators:     collab,
	}
	if ctx.Operations == nil {
		ctx.Operations = map[string]*Operation{}
	}
	if ctx.ExtensionsCache == nil {
		ctx.ExtensionsCache = map[string]any{}
	}
	return ctx, nil
}

// DumpYAML renders ctx's Serialize snapshot as YAML, for operators
// inspecting a stuck session by hand; it is not a supported round-trip
// format (use Serialize/Deserialize for that).
func DumpYAML(ctx *SessionContext) (string, error) {
	js, err := Serialize(ctx)
	if err != nil {
		return "", err
	}
	out, err := yaml.JSONToYAML([]byte(js))
	if err != nil {
		return "", err
	}
	return string(out), nil
}
