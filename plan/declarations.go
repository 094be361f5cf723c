package plan

import (
	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/declare"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
)

// prerequisiteTracker is the name model.Track/model.Clear use to notice when
// a declared attribute got invalidated after a provision already consumed
// it.
const prerequisiteTracker = "prerequisite"

// VirtualParameterDeclaration is one declaration whose root segment named
// "VirtualParameters", set aside for the session driver to run through the
// sandbox rather than resolved against DeviceData directly.
type VirtualParameterDeclaration struct {
	Name string
	Decl declare.Declaration
}

// Result is everything RunDeclarations produced: the RPCs-to-be captured in
// State, plus any declarations the planner could not resolve itself and
// must hand back to the session driver.
type Result struct {
	State            *SyncState
	VirtualParameters []VirtualParameterDeclaration
}

// RunDeclarations is the planner's single entry point: it walks decls and
// clears in order, merging each into a fresh SyncState, mirroring
// PhaseEngine.Reconcile's "walk a list, delegate per item" shape.
func RunDeclarations(dd *model.DeviceData, decls []declare.Declaration, clears []declare.Clear, cfg config.Config) (*Result, error) {
	res := &Result{State: New()}

	for _, c := range clears {
		model.Clear(dd, c.Path, c.Timestamp, nil, nil)
	}

	for _, d := range decls {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if err := processDeclaration(dd, res, d, cfg); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func processDeclaration(dd *model.DeviceData, res *Result, d declare.Declaration, cfg config.Config) error {
	root := ""
	if d.Path.Depth() > 0 {
		root = d.Path.Segment(0).Name
	}

	switch root {
	case "Reboot":
		if v, ok := d.AttrSet[model.AttrValue]; ok {
			res.State.Reboot = epochMillisOf(v)
		}
		return nil
	case "FactoryReset":
		if v, ok := d.AttrSet[model.AttrValue]; ok {
			res.State.FactoryReset = epochMillisOf(v)
		}
		return nil
	case "Tags":
		if d.Path.Depth() == 2 {
			if v, ok := d.AttrSet[model.AttrValue]; ok {
				res.State.Tags[d.Path] = boolOf(v)
			}
		}
		return nil
	case "Events", "DeviceID":
		return nil
	case "VirtualParameters":
		res.VirtualParameters = append(res.VirtualParameters, VirtualParameterDeclaration{
			Name: nameAt(d.Path, 1),
			Decl: d,
		})
		return nil
	case "Downloads":
		return processDownloadDeclaration(res.State, d)
	}

	for _, ad := range model.GetAliasDeclarations(d.Path, d.PathGet) {
		model.Track(dd, ad.Path, prerequisiteTracker)
	}

	if d.PathSet != nil {
		if err := processInstances(dd, res.State, d); err != nil {
			return err
		}
	}

	for _, cp := range model.Unpack(dd, d.Path) {
		processConcretePath(dd, res.State, cp, d, cfg)
	}
	return nil
}

// processConcretePath applies one declaration's PathGet/AttrGet/AttrSet
// obligations to a single concrete path already resolved against dd.
func processConcretePath(dd *model.DeviceData, state *SyncState, cp *path.Path, d declare.Declaration, cfg config.Config) {
	if d.PathGet > 0 {
		ts, known := dd.Timestamps.Get(cp)
		if !known || ts < d.PathGet {
			if attrs, ok := dd.Attributes.Get(cp); ok && attrs.Object != nil {
				state.RefreshObject.add(cp)
			} else {
				state.RefreshExist.add(cp)
			}
		}
	}

	attrs, _ := dd.Attributes.Get(cp)
	for kind, ts := range d.AttrGet {
		if attrs.TimestampOf(kind) >= ts {
			continue
		}
		switch kind {
		case model.AttrValue:
			state.RefreshValue.add(cp)
		case model.AttrNotification:
			state.RefreshNotification.add(cp)
		case model.AttrAccessList:
			state.RefreshAccessList.add(cp)
		case model.AttrObject:
			state.RefreshObject.add(cp)
		case model.AttrWritable:
			state.RefreshExist.add(cp)
		}
	}

	for kind, v := range d.AttrSet {
		switch kind {
		case model.AttrValue:
			tv := v.(model.TypedValue)
			if attrs.Value != nil && attrs.Value.Payload == tv {
				continue // already the desired value; no RPC needed
			}
			if d.Defer {
				if _, exists := state.SPV[cp]; !exists {
					state.SPV[cp] = tv
				}
			} else {
				state.SPV[cp] = tv
			}
		case model.AttrNotification:
			n := v.(int)
			if attrs.Notification != nil && attrs.Notification.Payload == n {
				continue
			}
			state.spaFor(cp).Notification = &n
		case model.AttrAccessList:
			al := v.([]string)
			if attrs.AccessList != nil && equalStringSlice(attrs.AccessList.Payload, al) {
				continue
			}
			e := state.spaFor(cp)
			e.AccessList = al
			e.AccessListIsSet = true
		}
	}
}

// equalStringSlice compares a and b as sets: element order and duplicate
// entries do not matter.
func equalStringSlice(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, s := range a {
		as[s] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, s := range b {
		bs[s] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for s := range as {
		if _, ok := bs[s]; !ok {
			return false
		}
	}
	return true
}

func processDownloadDeclaration(state *SyncState, d declare.Declaration) error {
	if d.Path.Depth() < 3 {
		return nil
	}
	instance := d.Path.Segment(1).String()
	leaf := d.Path.Segment(2).Name

	dr := findOrAddDownload(state, instance)
	if leaf == "Download" {
		if v, ok := d.AttrSet[model.AttrValue]; ok {
			dr.CommandKey = v.(model.TypedValue).Literal
		}
		return nil
	}
	if v, ok := d.AttrSet[model.AttrValue]; ok {
		lit := v.(model.TypedValue).Literal
		switch leaf {
		case "FileType":
			dr.FileType = lit
		case "FileName":
			dr.FileName = lit
		case "TargetFileName":
			dr.TargetFileName = lit
		}
	}
	return nil
}

func findOrAddDownload(state *SyncState, instance string) *DownloadRequest {
	for i := range state.DownloadRequests {
		if state.DownloadRequests[i].Instance == instance {
			return &state.DownloadRequests[i]
		}
	}
	state.DownloadRequests = append(state.DownloadRequests, DownloadRequest{Instance: instance})
	return &state.DownloadRequests[len(state.DownloadRequests)-1]
}

func nameAt(p *path.Path, i int) string {
	if p.Depth() <= i {
		return ""
	}
	return p.Segment(i).Name
}

func epochMillisOf(v any) int64 {
	tv, ok := v.(model.TypedValue)
	if !ok {
		return 0
	}
	var n int64
	for _, c := range tv.Literal {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func boolOf(v any) bool {
	tv, ok := v.(model.TypedValue)
	return ok && (tv.Literal == "true" || tv.Literal == "1")
}
