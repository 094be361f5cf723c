package plan

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.cwmpsession.run/engine/config"
	"pkg.cwmpsession.run/engine/declare"
	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
	"pkg.cwmpsession.run/engine/rpc"
)

func newCfg() config.Config {
	var c config.Config
	c.Default()
	return c
}

func TestRunDeclarationsRequestsValueRefresh(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("IF.1.Enable")
	require.NoError(t, err)

	decl := declare.Declaration{
		Path:    p,
		AttrGet: map[model.AttrKind]int64{model.AttrValue: 1},
	}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	assert.Contains(t, res.State.RefreshValue, p)

	reqs := GenerateGetRequests(dd, res.State, newCfg())
	require.Len(t, reqs, 1)
	assert.Equal(t, rpc.GetParameterValues, reqs[0].Name)
	assert.Equal(t, []string{"IF.1.Enable"}, reqs[0].ParameterNames)
	assert.Empty(t, res.State.RefreshValue, "GenerateGetRequests must drain the queue")
}

func TestRunDeclarationsSkipsRefreshWhenAlreadyFresh(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("IF.1.Enable")
	require.NoError(t, err)

	dd.Attributes.Revision = 5
	dd.Attributes.Set(p, model.Attrs{Value: &model.Stamped[model.TypedValue]{Timestamp: 10}})

	decl := declare.Declaration{Path: p, AttrGet: map[model.AttrKind]int64{model.AttrValue: 5}}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	assert.Empty(t, res.State.RefreshValue)
}

func TestGenerateGPNUsesNextLevelBelowDepthThreshold(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("IF")
	require.NoError(t, err)

	res := &SyncState{RefreshObject: PathSet{}, RefreshExist: PathSet{}, RefreshValue: PathSet{}, RefreshNotification: PathSet{}, RefreshAccessList: PathSet{}, Tags: map[*path.Path]bool{}, SPV: map[*path.Path]model.TypedValue{}, SPA: map[*path.Path]*SPAEntry{}}
	res.RefreshObject.add(p)

	cfg := newCfg()
	cfg.GPNNextLevelDepth = 2
	reqs := generateGPN(dd, res, cfg)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].NextLevel, "below cfg.GPNNextLevelDepth, NextLevel must stay true")
}

func TestGenerateGPNWidensToFullSubtreeForLargeEstimate(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("IF")
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		_, err := dd.Paths.Add(fmt.Sprintf("IF.%d", i))
		require.NoError(t, err)
	}

	res := &SyncState{RefreshObject: PathSet{}, RefreshExist: PathSet{}, RefreshValue: PathSet{}, RefreshNotification: PathSet{}, RefreshAccessList: PathSet{}, Tags: map[*path.Path]bool{}, SPV: map[*path.Path]model.TypedValue{}, SPA: map[*path.Path]*SPAEntry{}}
	res.RefreshObject.add(p)

	cfg := newCfg()
	cfg.GPNNextLevelDepth = 0
	reqs := generateGPN(dd, res, cfg)
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].NextLevel, "a large known-descendant count must widen to the full subtree")
}

func TestSetParameterValueIdempotent(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("IF.1.Enable")
	require.NoError(t, err)

	v := model.TypedValue{Literal: "true", XSDType: "xsd:boolean"}
	decl := declare.Declaration{Path: p, AttrSet: map[model.AttrKind]any{model.AttrValue: v}}

	res1, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	reqs1 := GenerateSetRequests(dd, res1.State, newCfg())
	require.Len(t, reqs1, 1)
	assert.Equal(t, rpc.SetParameterValues, reqs1[0].Name)

	dd.Attributes.Set(p, model.Attrs{Value: &model.Stamped[model.TypedValue]{Timestamp: 1, Payload: v}})

	res2, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	assert.NotContains(t, res2.State.SPV, p, "declaring a value already known to match the CPE's must not re-issue SetParameterValues")
}

func TestProcessInstancesSchedulesAddObject(t *testing.T) {
	t.Parallel()

	dd := model.New()
	pattern := path.Parse("IF.[Name=wan0]")

	decl := declare.Declaration{Path: pattern, PathSet: &declare.InstanceBound{Min: 1, Max: -1}}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	require.Len(t, res.State.InstancesToCreate, 1)
	assert.Equal(t, "wan0", res.State.InstancesToCreate[0].Keys["Name"])

	reqs := GenerateSetRequests(dd, res.State, newCfg())
	require.Len(t, reqs, 1)
	assert.Equal(t, rpc.AddObject, reqs[0].Name)
	assert.Equal(t, rpc.GetInstanceKeys, reqs[0].Next)
}

func TestProcessInstancesSchedulesDeleteObject(t *testing.T) {
	t.Parallel()

	dd := model.New()
	dd.Paths.Add("IF.1")
	dd.Paths.Add("IF.2")
	dd.Paths.Add("IF.3")

	pattern := path.Parse("IF.*")
	decl := declare.Declaration{Path: pattern, PathSet: &declare.InstanceBound{Min: 0, Max: 1}}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	assert.Len(t, res.State.InstancesToDelete, 2)
}

func TestGenerateSetRequestsSkipsDeleteObjectWhenParentNotWritable(t *testing.T) {
	t.Parallel()

	dd := model.New()
	dd.Paths.Add("IF.1")
	dd.Paths.Add("IF.2")
	dd.Paths.Add("IF.3")
	ifP := dd.Paths.AddPath(path.Parse("IF"))
	writable := false
	dd.Attributes.Set(ifP, model.Attrs{Writable: &model.Stamped[bool]{Timestamp: 1, Payload: writable}})

	pattern := path.Parse("IF.*")
	decl := declare.Declaration{Path: pattern, PathSet: &declare.InstanceBound{Min: 0, Max: 1}}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	require.Len(t, res.State.InstancesToDelete, 2)

	reqs := GenerateSetRequests(dd, res.State, newCfg())
	assert.Empty(t, reqs, "a non-writable parent must suppress DeleteObject")
}

func TestGenerateSetRequestsEmitsDeleteObjectWhenParentWritable(t *testing.T) {
	t.Parallel()

	dd := model.New()
	dd.Paths.Add("IF.1")
	dd.Paths.Add("IF.2")
	ifP := dd.Paths.AddPath(path.Parse("IF"))
	writable := true
	dd.Attributes.Set(ifP, model.Attrs{Writable: &model.Stamped[bool]{Timestamp: 1, Payload: writable}})

	pattern := path.Parse("IF.*")
	decl := declare.Declaration{Path: pattern, PathSet: &declare.InstanceBound{Min: 0, Max: 0}}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)

	reqs := GenerateSetRequests(dd, res.State, newCfg())
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.Equal(t, rpc.DeleteObject, r.Name)
	}
}

func TestGenerateSetRequestsSkipWritableCheckBypassesGate(t *testing.T) {
	t.Parallel()

	dd := model.New()
	dd.Paths.Add("IF.1")

	pattern := path.Parse("IF.*")
	decl := declare.Declaration{Path: pattern, PathSet: &declare.InstanceBound{Min: 0, Max: 0}}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)

	cfg := newCfg()
	cfg.SkipWritableCheck = true
	reqs := GenerateSetRequests(dd, res.State, cfg)
	require.Len(t, reqs, 1)
	assert.Equal(t, rpc.DeleteObject, reqs[0].Name)
}

func TestGenerateSetRequestsBatchesAndSanitizesSPV(t *testing.T) {
	t.Parallel()

	dd := model.New()
	var decls []declare.Declaration
	for i := 0; i < 3; i++ {
		p, err := dd.Paths.Add(fmt.Sprintf("IF.1.Enable%d", i))
		require.NoError(t, err)
		decls = append(decls, declare.Declaration{
			Path:    p,
			AttrSet: map[model.AttrKind]any{model.AttrValue: model.TypedValue{Literal: "true", XSDType: "xsd:boolean"}},
		})
	}
	res, err := RunDeclarations(dd, decls, nil, newCfg())
	require.NoError(t, err)

	cfg := newCfg()
	cfg.GPVBatchSize = 2
	cfg.BooleanLiteral = true
	cfg.DatetimeMilliseconds = true
	reqs := GenerateSetRequests(dd, res.State, cfg)
	require.Len(t, reqs, 2, "SPV must batch per cfg.GPVBatchSize like GPV/GPA")
	assert.Len(t, reqs[0].ParameterList, 2)
	assert.Len(t, reqs[1].ParameterList, 1)
	for _, r := range reqs {
		assert.True(t, r.BooleanLiteral)
		assert.True(t, r.DatetimeMilliseconds)
		for _, e := range r.ParameterList {
			assert.Equal(t, "true", e.Value)
		}
	}
}

func TestProcessInstancesPrerequisiteExcludesNonMatchingCandidates(t *testing.T) {
	t.Parallel()

	dd := model.New()
	wan0 := dd.Paths.AddPath(path.Parse("IF.1"))
	name0 := dd.Paths.AddPath(path.ConcatName(wan0, "Name"))
	dd.Attributes.Set(name0, model.Attrs{Value: &model.Stamped[model.TypedValue]{Timestamp: 1, Payload: model.TypedValue{Literal: "wan0", XSDType: "xsd:string"}}})

	wan1 := dd.Paths.AddPath(path.Parse("IF.2"))
	name1 := dd.Paths.AddPath(path.ConcatName(wan1, "Name"))
	dd.Attributes.Set(name1, model.Attrs{Value: &model.Stamped[model.TypedValue]{Timestamp: 1, Payload: model.TypedValue{Literal: "lan0", XSDType: "xsd:string"}}})

	prereq, err := declare.NewCELPrerequisite(`self.Name == "wan0"`, "must be the wan interface")
	require.NoError(t, err)

	pattern := path.Parse("IF.*")
	decl := declare.Declaration{Path: pattern, PathSet: &declare.InstanceBound{Min: 0, Max: 0}, Prerequisite: prereq}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)

	require.Len(t, res.State.InstancesToDelete, 1, "only the candidate matching the prerequisite is governed by Max")
	assert.Equal(t, wan0.String(), res.State.InstancesToDelete[0].Path.String())
}

func TestRebootDeclaration(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("Reboot")
	require.NoError(t, err)

	decl := declare.Declaration{
		Path:    p,
		AttrSet: map[model.AttrKind]any{model.AttrValue: model.TypedValue{Literal: "1700000000000"}},
	}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	assert.EqualValues(t, 1700000000000, res.State.Reboot)

	reqs := GenerateSetRequests(dd, res.State, newCfg())
	require.Len(t, reqs, 1)
	assert.Equal(t, rpc.Reboot, reqs[0].Name)
}

func TestVirtualParameterDeclarationSetAside(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("VirtualParameters.connectionRequestURL")
	require.NoError(t, err)

	decl := declare.Declaration{Path: p, AttrGet: map[model.AttrKind]int64{model.AttrValue: 1}}
	res, err := RunDeclarations(dd, []declare.Declaration{decl}, nil, newCfg())
	require.NoError(t, err)
	require.Len(t, res.VirtualParameters, 1)
	assert.Equal(t, "connectionRequestURL", res.VirtualParameters[0].Name)
}

func TestClearsAppliedBeforeDeclarations(t *testing.T) {
	t.Parallel()

	dd := model.New()
	p, err := dd.Paths.Add("IF.1.Enable")
	require.NoError(t, err)
	dd.Attributes.Set(p, model.Attrs{Value: &model.Stamped[model.TypedValue]{Timestamp: 100}})

	_, err = RunDeclarations(dd, nil, []declare.Clear{{Path: p, Timestamp: 200}}, newCfg())
	require.NoError(t, err)

	attrs, _ := dd.Attributes.Get(p)
	assert.Nil(t, attrs.Value)
}
