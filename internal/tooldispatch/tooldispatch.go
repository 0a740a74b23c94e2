// Package tooldispatch resolves a RealtimeProvider's on_function_call
// callback (spec §4.7) against an external tool server speaking the Model
// Context Protocol, so a realtime duplex session can automatically call
// out and feed the result back via FunctionResult without the external
// orchestrator wiring every tool call by hand. A session not configured
// with a Dispatcher still surfaces function_call events verbatim and
// expects the orchestrator to answer through its own FunctionResult call
// instead — Dispatcher is strictly an optional convenience.
package tooldispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nexavoice/gateway/internal/reliability"
)

// CallToolClient is the minimal subset of mcp-go's client.MCPClient this
// package depends on, so tests can fake it without standing up every
// method (Initialize, ListTools, Ping, ...) the full interface carries.
// A *client.Client from mcp-go's client package satisfies this directly.
type CallToolClient interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// Dispatcher calls a named tool against one mcp-go client connection and
// renders its result back into the JSON string RealtimeProvider's
// FunctionResult expects.
type Dispatcher struct {
	providerID string
	client     CallToolClient
}

// New returns a Dispatcher that calls tools through c, labeling any
// resulting error with providerID for the reliability taxonomy.
func New(providerID string, c CallToolClient) *Dispatcher {
	return &Dispatcher{providerID: providerID, client: c}
}

// Call translates (name, argsJSON) into an MCP CallToolRequest, invokes
// it, and marshals the CallToolResult back to a JSON string. A tool-side
// error (IsError) is still rendered as a JSON payload rather than a Go
// error — the realtime provider is expected to hand it to the model as
// the function result, not treat it as a transport failure.
func (d *Dispatcher) Call(ctx context.Context, name, argsJSON string) (string, *reliability.Error) {
	var args map[string]interface{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", reliability.Wrap(reliability.KindConfig, d.providerID, "function_call arguments not valid JSON", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := d.client.CallTool(ctx, req)
	if err != nil {
		return "", reliability.Wrap(reliability.KindTransport, d.providerID, fmt.Sprintf("tool %q call failed", name), err)
	}

	out, err := json.Marshal(res)
	if err != nil {
		return "", reliability.Wrap(reliability.KindInternal, d.providerID, "tool result marshal failed", err)
	}
	return string(out), nil
}
