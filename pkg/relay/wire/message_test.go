package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshalsIDAndBody(t *testing.T) {
	env := Envelope{ID: 7, Msg: Route("/x/7", VerbPost, map[string]any{"a": 1}, nil)}

	b, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))

	assert.Equal(t, float64(7), decoded["id"])
	msg := decoded["msg"].(map[string]any)
	assert.Equal(t, "route", msg["type"])
	assert.Equal(t, "/x/7", msg["route"])
	assert.Equal(t, "POST", msg["verb"])
}

func TestExpectsResponse(t *testing.T) {
	assert.True(t, Ping().ExpectsResponse(3))
	assert.False(t, Ping().ExpectsResponse(ForgetID))
	assert.False(t, Res(3, StatusOK, "pong").ExpectsResponse(5))
}

func TestFromRes(t *testing.T) {
	ok := FromRes(StatusOK, "pong")
	assert.True(t, ok.OK())
	assert.Equal(t, "pong", ok.Data)

	failed := FromRes(StatusBadRequest, "route does not support verb")
	assert.False(t, failed.OK())
	assert.Equal(t, "route does not support verb", failed.Error)
}
