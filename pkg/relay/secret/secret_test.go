package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProducesValidDistinctSecrets(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)

	assert.Len(t, a, Size*2)
	assert.True(t, Valid(a))
	assert.True(t, Valid(b))
	assert.NotEqual(t, a, b)
}

func TestValidRejectsMalformed(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("not-hex-at-all-zzzz"))
	assert.False(t, Valid("ab"))
}

func TestMustNewDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = MustNew()
	})
}
