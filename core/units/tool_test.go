package units

import (
	"context"
	"net"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/cordum/stepflow/core/toolrpc"
)

func pipeDialer(t *testing.T) Dialer {
	t.Helper()
	srv := toolrpc.NewServer("docs", "0.1.0")
	require.NoError(t, srv.AddTool(
		mcp.NewTool("search", mcp.WithString("query", mcp.Required())),
		func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"hits": []any{args["query"], "more"}}, nil
		},
	))
	return func(context.Context) (*toolrpc.Client, error) {
		clientEnd, serverEnd := net.Pipe()
		go func() {
			_ = srv.Serve(context.Background(), serverEnd, serverEnd)
			_ = serverEnd.Close()
		}()
		return toolrpc.NewClient(clientEnd), nil
	}
}

func TestToolUnitLifecycle(t *testing.T) {
	r := NewRegistry()
	unit := NewToolUnit("docs", pipeDialer(t))
	require.NoError(t, r.Register(unit))

	ctx := context.Background()
	_, err := unit.Execute(ctx, map[string]any{"tool": "search"})
	require.Error(t, err, "execute before init should fail")

	require.NoError(t, r.InitAll(ctx))
	require.Len(t, unit.Tools(), 1)

	out, err := unit.Execute(ctx, map[string]any{
		"tool":      "search",
		"arguments": map[string]any{"query": "vnet peering"},
	})
	require.NoError(t, err)
	hits := out.(map[string]any)["hits"].([]any)
	require.Equal(t, "vnet peering", hits[0])

	_, err = unit.Execute(ctx, map[string]any{"tool": "search", "arguments": map[string]any{}})
	require.Error(t, err, "missing required argument should be rejected")
	_, err = unit.Execute(ctx, map[string]any{"arguments": map[string]any{}})
	require.Error(t, err)

	require.NoError(t, r.TeardownAll(ctx))
	_, err = unit.Execute(ctx, map[string]any{"tool": "search"})
	require.Error(t, err)
}
