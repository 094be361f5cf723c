package declare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkg.cwmpsession.run/engine/model"
	"pkg.cwmpsession.run/engine/path"
)

func TestDeclarationValidate(t *testing.T) {
	t.Parallel()

	d := Declaration{Path: path.Parse("IF.1.Name")}
	require.NoError(t, d.Validate())

	bad := Declaration{}
	require.Error(t, bad.Validate())

	badBound := Declaration{
		Path:    path.Parse("IF"),
		PathSet: &InstanceBound{Min: 5, Max: 2},
	}
	require.Error(t, badBound.Validate())
}

func TestExact(t *testing.T) {
	t.Parallel()

	b := Exact(3)
	assert.Equal(t, 3, b.Min)
	assert.Equal(t, 3, b.Max)
}

func TestDeclarationAttrSet(t *testing.T) {
	t.Parallel()

	v := model.TypedValue{Literal: "wan0", XSDType: "xsd:string"}
	d := Declaration{
		Path:    path.Parse("IF.1.Name"),
		AttrSet: map[model.AttrKind]any{model.AttrValue: v},
	}
	require.NoError(t, d.Validate())
	assert.Equal(t, v, d.AttrSet[model.AttrValue])
}

func TestNewCELPrerequisiteInvalidType(t *testing.T) {
	t.Parallel()

	_, err := NewCELPrerequisite(`self.Name`, "")
	require.ErrorIs(t, err, ErrCELInvalidEvaluationType)
}

func TestCELPrerequisiteMatch(t *testing.T) {
	t.Parallel()

	p, err := NewCELPrerequisite(`self.Name == "wan0"`, "must be wan0")
	require.NoError(t, err)

	ok, err := p.Match(path.InstanceKeys{"Name": "wan0"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Match(path.InstanceKeys{"Name": "lan0"})
	require.NoError(t, err)
	assert.False(t, ok)
}
