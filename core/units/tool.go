package units

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/toolrpc"
)

// Dialer opens a client to a tool provider.
type Dialer func(ctx context.Context) (*toolrpc.Client, error)

// ProcessDialer starts cfg as a child process for every Init.
func ProcessDialer(cfg toolrpc.ProcessConfig) Dialer {
	return func(context.Context) (*toolrpc.Client, error) {
		// the process outlives the Init context
		return toolrpc.StartProcess(context.Background(), cfg)
	}
}

// ToolUnit exposes an external tool process as a unit. Steps name the tool
// in inputs.tool and pass inputs.arguments through to tools/call.
type ToolUnit struct {
	id     string
	dial   Dialer
	client *toolrpc.Client
	tools  []mcp.Tool
	mu     sync.RWMutex
}

// NewToolUnit returns a unit that reaches its tools through dial.
func NewToolUnit(id string, dial Dialer) *ToolUnit {
	return &ToolUnit{id: id, dial: dial}
}

func (u *ToolUnit) ID() string { return u.id }

// Init connects, performs the handshake and caches the tool list.
func (u *ToolUnit) Init(ctx context.Context) error {
	client, err := u.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial tool %s: %w", u.id, err)
	}
	info, err := client.Initialize(ctx, mcp.Implementation{Name: "stepflow", Version: "1"})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize tool %s: %w", u.id, err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools %s: %w", u.id, err)
	}
	u.mu.Lock()
	u.client = client
	u.tools = tools
	u.mu.Unlock()
	logging.Info("units", "tool unit ready", "unit", u.id, "server", info.ServerInfo.Name, "tools", len(tools))
	return nil
}

// Tools returns the tools discovered during Init.
func (u *ToolUnit) Tools() []mcp.Tool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]mcp.Tool(nil), u.tools...)
}

func (u *ToolUnit) Execute(ctx context.Context, inputs map[string]any) (any, error) {
	u.mu.RLock()
	client := u.client
	u.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("tool unit %s not initialized", u.id)
	}
	name, _ := inputs["tool"].(string)
	if name == "" {
		return nil, fmt.Errorf("tool unit %s: inputs.tool required", u.id)
	}
	var args map[string]any
	if raw, ok := inputs["arguments"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tool unit %s: arguments must be an object, got %T", u.id, raw)
		}
		args = m
	}
	raw, err := client.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	var out any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", name, err)
		}
	}
	return out, nil
}

// Teardown closes the client and stops the process.
func (u *ToolUnit) Teardown(context.Context) error {
	u.mu.Lock()
	client := u.client
	u.client = nil
	u.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
