package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsBadPatterns(t *testing.T) {
	_, err := Compile("widgets/:id")
	assert.Error(t, err)

	_, err = Compile("/widgets//1")
	assert.Error(t, err)

	_, err = Compile("/widgets/:")
	assert.Error(t, err)
}

func TestMatchCapturesNamedSegments(t *testing.T) {
	p, err := Compile("/widgets/:id/parts/:partId")
	require.NoError(t, err)

	captures, ok := p.Match("/widgets/42/parts/9")
	require.True(t, ok)
	assert.Equal(t, "42", captures["id"])
	assert.Equal(t, "9", captures["partId"])
}

func TestMatchRejectsWrongSegmentCount(t *testing.T) {
	p, err := Compile("/widgets/:id")
	require.NoError(t, err)

	_, ok := p.Match("/widgets/1/extra")
	assert.False(t, ok)
}

func TestMatchRejectsLiteralMismatch(t *testing.T) {
	p, err := Compile("/widgets/:id")
	require.NoError(t, err)

	_, ok := p.Match("/gadgets/1")
	assert.False(t, ok)
}

func TestValidateConcreteRejectsCaptureSyntax(t *testing.T) {
	assert.NoError(t, ValidateConcrete("/widgets/1"))
	assert.Error(t, ValidateConcrete("/widgets/:id"))
}
