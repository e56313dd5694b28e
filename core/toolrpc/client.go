package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cordum/stepflow/core/infra/logging"
	"github.com/cordum/stepflow/core/infra/schema"
)

var (
	// ErrClosed is returned for calls made after Close.
	ErrClosed = errors.New("toolrpc: client closed")
	// ErrMalformedFrame reports a framed body that is not a JSON-RPC message.
	ErrMalformedFrame = errors.New("toolrpc: malformed frame")
)

// TransportError wraps the failure that terminated the read loop. Every
// pending and later call fails with it.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "toolrpc transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithNotificationHandler installs h for server notifications.
func WithNotificationHandler(h NotificationHandler) ClientOption {
	return func(c *Client) { c.onNotify = h }
}

// WithMaxFrameSize overrides the maximum accepted response size.
func WithMaxFrameSize(n int) ClientOption {
	return func(c *Client) { c.reader.SetMaxFrameSize(n) }
}

// WithName sets the name used in log lines.
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// Client speaks JSON-RPC 2.0 over a Content-Length framed stream and
// correlates responses to requests by id.
type Client struct {
	conn     io.ReadWriteCloser
	reader   *FrameReader
	name     string
	onNotify NotificationHandler

	writeMu   sync.Mutex
	nextID    atomic.Int64
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[int64]chan *message
	err     error
	done    chan struct{}

	toolsMu sync.RWMutex
	schemas map[string]*schema.Schema
}

// NewClient starts reading responses from conn.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		reader:  NewFrameReader(conn),
		name:    "tool",
		pending: make(map[int64]chan *message),
		done:    make(chan struct{}),
		schemas: make(map[string]*schema.Schema),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Done is closed once the client stops accepting calls.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, or nil while the client is usable.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the transport and fails pending calls with ErrClosed.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return c.closeConn()
}

func (c *Client) closeConn() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// Call sends method with params and decodes the result into out when out is
// non-nil. A JSON-RPC error response is returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Notify sends a notification. No response is expected.
func (c *Client) Notify(method string, params any) error {
	msg := message{JSONRPC: jsonrpcVersion, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = data
	}
	return c.send(&msg)
}

// Initialize performs the handshake and announces the client as info.
func (c *Client) Initialize(ctx context.Context, info mcp.Implementation) (*mcp.InitializeResult, error) {
	params := initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo:      info,
	}
	var result mcp.InitializeResult
	if err := c.Call(ctx, MethodInitialize, params, &result); err != nil {
		return nil, err
	}
	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ping checks that the tool process is responsive.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	var result PingResult
	if err := c.Call(ctx, MethodPing, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools returns the tools the process exposes and caches their input
// schemas for argument validation in CallTool.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var result listToolsResult
	if err := c.Call(ctx, MethodToolsList, nil, &result); err != nil {
		return nil, err
	}
	compiled := make(map[string]*schema.Schema, len(result.Tools))
	for _, tool := range result.Tools {
		s, err := compileInputSchema(tool)
		if err != nil {
			logging.Warn("toolrpc", "ignoring tool input schema", "client", c.name, "tool", tool.Name, "error", err)
			continue
		}
		if s != nil {
			compiled[tool.Name] = s
		}
	}
	c.toolsMu.Lock()
	c.schemas = compiled
	c.toolsMu.Unlock()
	return result.Tools, nil
}

// CallTool invokes a tool by name and returns its raw result payload.
// Arguments are checked against the tool's input schema when ListTools has
// seen it.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("toolrpc: tool name required")
	}
	c.toolsMu.RLock()
	s := c.schemas[name]
	c.toolsMu.RUnlock()
	if s != nil {
		payload := args
		if payload == nil {
			payload = map[string]any{}
		}
		if err := s.Validate(payload); err != nil {
			return nil, fmt.Errorf("tool %s arguments: %w", name, err)
		}
	}
	raw, err := c.call(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg := message{JSONRPC: jsonrpcVersion, ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = data
	}

	ch := make(chan *message, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(&msg); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, c.Err()
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) send(msg *message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	if err := WriteFrame(c.conn, data); err != nil {
		terr := &TransportError{Err: err}
		c.shutdown(terr)
		return terr
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		body, err := c.reader.ReadFrame()
		if err != nil {
			c.shutdown(&TransportError{Err: err})
			return
		}
		var msg message
		if err := json.Unmarshal(body, &msg); err != nil {
			c.shutdown(&TransportError{Err: fmt.Errorf("%w: %v", ErrMalformedFrame, err)})
			_ = c.closeConn()
			return
		}
		switch {
		case msg.isResponse():
			c.deliver(&msg)
		case msg.isNotification():
			if c.onNotify != nil {
				c.onNotify(msg.Method, msg.Params)
			}
		default:
			logging.Warn("toolrpc", "dropping unexpected message", "client", c.name, "method", msg.Method)
		}
	}
}

func (c *Client) deliver(msg *message) {
	id, err := strconv.ParseInt(string(msg.ID), 10, 64)
	if err != nil {
		var s string
		if json.Unmarshal(msg.ID, &s) == nil {
			id, err = strconv.ParseInt(s, 10, 64)
		}
	}
	if err != nil {
		logging.Warn("toolrpc", "response with unknown id", "client", c.name, "id", string(msg.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		logging.Warn("toolrpc", "response for unknown request", "client", c.name, "id", id)
		return
	}
	ch <- msg
}

// shutdown records the terminal error once and releases every waiter.
func (c *Client) shutdown(err error) bool {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return false
	}
	c.err = err
	pending := c.pending
	c.pending = make(map[int64]chan *message)
	close(c.done)
	c.mu.Unlock()

	if !errors.Is(err, ErrClosed) {
		logging.Error("toolrpc", "transport failed", "client", c.name, "pending", len(pending), "error", err)
	}
	for _, ch := range pending {
		ch <- nil
	}
	return true
}

func compileInputSchema(tool mcp.Tool) (*schema.Schema, error) {
	var data []byte
	if len(tool.RawInputSchema) > 0 {
		data = tool.RawInputSchema
	} else {
		if tool.InputSchema.Type == "" {
			return nil, nil
		}
		var err error
		data, err = json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, err
		}
	}
	return schema.Compile("tool/"+tool.Name, data)
}
