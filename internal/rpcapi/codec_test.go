package rpcapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &CallRequest{Library: "mylib", Function: "handler", Args: []byte(`{"x":1}`), User: "default"}

	data, err := c.Marshal(req)
	require.NoError(t, err)

	var got CallRequest
	require.NoError(t, c.Unmarshal(data, &got))
	assert.Equal(t, req.Library, got.Library)
	assert.Equal(t, req.Function, got.Function)
	assert.JSONEq(t, `{"x":1}`, string(got.Args))
}

func TestJSONCodecName(t *testing.T) {
	assert.Equal(t, "json", jsonCodec{}.Name())
}

func TestJSONCodecRegistered(t *testing.T) {
	assert.NotNil(t, encoding.GetCodec(codecName))
}
