package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/infra/schema"
)

// ToolHandler executes one tool call. Returning an *RPCError controls the
// error code; any other error is reported as CodeServerError.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

type registeredTool struct {
	tool    mcp.Tool
	handler ToolHandler
	schema  *schema.Schema
}

// Server answers initialize, ping, tools/list and tools/call over a framed
// stream. Requests are handled one at a time in arrival order.
type Server struct {
	info mcp.Implementation

	mu    sync.RWMutex
	tools []*registeredTool
	index map[string]*registeredTool
}

// NewServer returns a server announcing itself as name/version.
func NewServer(name, version string) *Server {
	return &Server{
		info:  mcp.Implementation{Name: name, Version: version},
		index: make(map[string]*registeredTool),
	}
}

// AddTool registers a tool. Its input schema, when present, is enforced
// before the handler runs.
func (s *Server) AddTool(tool mcp.Tool, handler ToolHandler) error {
	if tool.Name == "" || handler == nil {
		return fmt.Errorf("toolrpc: tool name and handler required")
	}
	compiled, err := compileInputSchema(tool)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", tool.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[tool.Name]; exists {
		return fmt.Errorf("toolrpc: tool %s already registered", tool.Name)
	}
	rt := &registeredTool{tool: tool, handler: handler, schema: compiled}
	s.tools = append(s.tools, rt)
	s.index[tool.Name] = rt
	return nil
}

// Serve reads requests from r and writes responses to w until r is
// exhausted or ctx is cancelled. A clean end of input returns nil.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := NewFrameReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := reader.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		var msg message
		if err := json.Unmarshal(body, &msg); err != nil {
			if werr := s.reply(w, json.RawMessage("null"), nil, &RPCError{Code: CodeParseError, Message: "parse error"}); werr != nil {
				return werr
			}
			continue
		}
		if msg.isNotification() || len(msg.ID) == 0 {
			continue
		}
		result, rpcErr := s.dispatch(ctx, &msg)
		if err := s.reply(w, msg.ID, result, rpcErr); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg *message) (any, *RPCError) {
	switch msg.Method {
	case MethodInitialize:
		return map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"serverInfo":      s.info,
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil
	case MethodPing:
		return PingResult{Status: "ok", Service: s.info.Name}, nil
	case MethodToolsList:
		s.mu.RLock()
		tools := make([]mcp.Tool, 0, len(s.tools))
		for _, rt := range s.tools {
			tools = append(tools, rt.tool)
		}
		s.mu.RUnlock()
		return map[string]any{"tools": tools}, nil
	case MethodToolsCall:
		return s.callTool(ctx, msg.Params)
	default:
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "Method not found: " + msg.Method}
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var params callToolParams
	if len(raw) == 0 || json.Unmarshal(raw, &params) != nil || params.Name == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "tools/call requires a tool name"}
	}
	s.mu.RLock()
	rt, ok := s.index[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "Unknown tool: " + params.Name}
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if rt.schema != nil {
		if err := rt.schema.Validate(args); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	result, err := rt.handler(ctx, args)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		logging.Error("toolrpc", "tool failed", "server", s.info.Name, "tool", params.Name, "error", err)
		return nil, &RPCError{Code: CodeServerError, Message: err.Error()}
	}
	return result, nil
}

func (s *Server) reply(w io.Writer, id json.RawMessage, result any, rpcErr *RPCError) error {
	resp := message{JSONRPC: jsonrpcVersion, ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		data, err := json.Marshal(result)
		if err != nil {
			resp.Error = &RPCError{Code: CodeInternalError, Message: "encode result: " + err.Error()}
		} else {
			resp.Result = data
		}
	}
	data, err := json.Marshal(&resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return WriteFrame(w, data)
}
