package path

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	p := Parse("InternetGatewayDevice.WANDevice.*.WANConnectionDevice.[ConnectionType=IP_Routed].Enable")
	require.Equal(t, 6, p.Depth())

	assert.Equal(t, KindName, p.Segment(0).Kind)
	assert.Equal(t, KindWildcard, p.Segment(2).Kind)
	assert.True(t, p.IsWildcardAt(2))
	assert.Equal(t, KindAlias, p.Segment(4).Kind)
	assert.True(t, p.IsAliasAt(4))
	assert.Equal(t, []AliasConstraint{{Subpath: "ConnectionType", Literal: "IP_Routed"}}, p.Segment(4).Aliases)
	assert.True(t, p.HasWildcard())
	assert.True(t, p.HasAlias())
}

func TestParseIndex(t *testing.T) {
	t.Parallel()

	p := Parse("IF.3.Name")
	assert.Equal(t, KindIndex, p.Segment(1).Kind)
	assert.Equal(t, 3, p.Segment(1).Index)
}

func TestPathSetInterning(t *testing.T) {
	t.Parallel()

	ps := NewPathSet()
	a, err := ps.Add("Device.Info.SerialNumber")
	require.NoError(t, err)
	b, err := ps.Add("Device.Info.SerialNumber")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Same(t, a, ps.Get("Device.Info.SerialNumber"))
	assert.Nil(t, ps.Get("Device.Info.Missing"))
}

func TestPathSetFindSuperset(t *testing.T) {
	t.Parallel()

	ps := NewPathSet()
	_, _ = ps.Add("IF.1.Name")
	_, _ = ps.Add("IF.2.Name")
	_, _ = ps.Add("IF.1.Status")

	pattern := Parse("IF.*.Name")
	matches := ps.Find(pattern, true, false, -1)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "Name", m.Segment(2).Name)
	}
}

func TestPathSetFindSubset(t *testing.T) {
	t.Parallel()

	ps := NewPathSet()
	_, _ = ps.Add("IF")
	_, _ = ps.Add("IF.1")

	pattern := Parse("IF.1.Name")
	matches := ps.Find(pattern, false, true, -1)
	// "IF" and "IF.1" are both ancestors covered by the pattern.
	require.Len(t, matches, 2)
}

func TestCovers(t *testing.T) {
	t.Parallel()

	pattern := Parse("IF.*.Name")
	assert.True(t, Covers(pattern, Parse("IF.3.Name")))
	assert.False(t, Covers(pattern, Parse("IF.3.Status")))
	assert.False(t, Covers(pattern, Parse("IF.3.Name.Sub")))
}

func TestSliceConcat(t *testing.T) {
	t.Parallel()

	p := Parse("A.B.C")
	s := Slice(p, 0, 2)
	assert.Equal(t, "A.B", s.String())

	c := ConcatName(s, "D")
	assert.Equal(t, "A.B.D", c.String())

	w := ConcatWildcard(s)
	assert.Equal(t, "A.B.*", w.String())
}

func TestInstanceSetSupersetSubset(t *testing.T) {
	t.Parallel()

	is := NewInstanceSet()
	is.Add(InstanceKeys{"Name": "wan0", "Enable": "true"})
	is.Add(InstanceKeys{"Name": "lan0", "Enable": "false"})

	sup := is.Superset(InstanceKeys{"Name": "wan0"})
	require.Len(t, sup, 1)
	assert.Equal(t, "true", sup[0]["Enable"])

	sub := is.Subset(InstanceKeys{"Name": "wan0", "Enable": "true", "Extra": "x"})
	require.Len(t, sub, 1)
}
