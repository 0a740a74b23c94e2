package tooldispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	gotName string
	gotArgs map[string]interface{}
	result  *mcp.CallToolResult
	err     error
}

func (f *fakeClient) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.gotName = req.Params.Name
	f.gotArgs, _ = req.Params.Arguments.(map[string]interface{})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestDispatcher_CallMarshalsArgsAndResult(t *testing.T) {
	fc := &fakeClient{result: &mcp.CallToolResult{}}
	d := New("openai-realtime", fc)

	out, err := d.Call(context.Background(), "get_weather", `{"city":"boston"}`)
	require.Nil(t, err)
	assert.Equal(t, "get_weather", fc.gotName)
	assert.Equal(t, "boston", fc.gotArgs["city"])

	var decoded mcp.CallToolResult
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
}

func TestDispatcher_CallInvalidArgsJSON(t *testing.T) {
	fc := &fakeClient{}
	d := New("openai-realtime", fc)

	_, err := d.Call(context.Background(), "get_weather", `not json`)
	require.NotNil(t, err)
	assert.Equal(t, "config", string(err.Kind))
}

func TestDispatcher_CallTransportFailure(t *testing.T) {
	fc := &fakeClient{err: assertErr{}}
	d := New("openai-realtime", fc)

	_, err := d.Call(context.Background(), "get_weather", "")
	require.NotNil(t, err)
	assert.Equal(t, "transport", string(err.Kind))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
