package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/calliopehq/calliope/errors"
	"github.com/calliopehq/calliope/store"
	"github.com/calliopehq/calliope/version"
)

// ToolSession is an open connection to one tool server for the duration of
// one tool loop.
type ToolSession interface {
	Call(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// ToolDialer opens tool sessions for bindings.
type ToolDialer interface {
	Dial(ctx context.Context, binding *store.ToolServerBinding) (ToolSession, error)
}

// MCPDialer dials MCP tool servers. SSE bindings get one persistent session
// reused across the loop's calls; streamable-HTTP bindings get a fresh
// request/response session per call.
type MCPDialer struct {
	logger *zap.SugaredLogger
}

// NewMCPDialer creates an MCP dialer.
func NewMCPDialer(logger *zap.SugaredLogger) *MCPDialer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MCPDialer{logger: logger}
}

// Dial opens a session for the binding's transport kind.
func (d *MCPDialer) Dial(ctx context.Context, binding *store.ToolServerBinding) (ToolSession, error) {
	switch binding.Transport {
	case store.TransportSSE:
		c, err := connect(ctx, binding)
		if err != nil {
			return nil, err
		}
		return &mcpSession{client: c, logger: d.logger}, nil
	case store.TransportStreamableHTTP:
		return &perCallSession{binding: binding, logger: d.logger}, nil
	default:
		return nil, errors.Newf("unsupported tool transport %q", binding.Transport)
	}
}

// connect creates, starts, and initializes an MCP client for a binding.
func connect(ctx context.Context, binding *store.ToolServerBinding) (*client.Client, error) {
	headers := map[string]string{}
	if binding.AuthHeader != "" {
		headers["Authorization"] = binding.AuthHeader
	}

	var c *client.Client
	var err error
	switch binding.Transport {
	case store.TransportSSE:
		c, err = client.NewSSEMCPClient(binding.URL, transport.WithHeaders(headers))
	case store.TransportStreamableHTTP:
		c, err = client.NewStreamableHttpClient(binding.URL, transport.WithHTTPHeaders(headers))
	default:
		return nil, errors.Newf("unsupported tool transport %q", binding.Transport)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create MCP client for %s", binding.URL)
	}

	if err := c.Start(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to start MCP client for %s", binding.URL)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "calliope",
		Version: version.Version,
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "failed to initialize MCP session with %s", binding.URL)
	}
	return c, nil
}

// mcpSession wraps one live MCP client.
type mcpSession struct {
	client *client.Client
	logger *zap.SugaredLogger
}

func (s *mcpSession) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", errors.Wrapf(err, "tool %q call failed", name)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", errors.Newf("tool %q reported an error: %s", name, text)
	}
	return text, nil
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}

// perCallSession opens a fresh streamable-HTTP session for every call.
type perCallSession struct {
	binding *store.ToolServerBinding
	logger  *zap.SugaredLogger
}

func (s *perCallSession) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	c, err := connect(ctx, s.binding)
	if err != nil {
		return "", err
	}
	defer c.Close()

	session := &mcpSession{client: c, logger: s.logger}
	return session.Call(ctx, name, args)
}

func (s *perCallSession) Close() error {
	return nil
}

func flattenContent(content []mcp.Content) string {
	var sb strings.Builder
	for _, part := range content {
		if tc, ok := mcp.AsTextContent(part); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// FetchManifest lists the server's tools for manifest refresh. Used by the
// binding management command, not the execution path, which reads the cached
// manifest.
func (d *MCPDialer) FetchManifest(ctx context.Context, binding *store.ToolServerBinding) ([]store.ToolSpec, error) {
	c, err := connect(ctx, binding)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list tools on %s", binding.URL)
	}

	specs := make([]store.ToolSpec, 0, len(result.Tools))
	for _, tool := range result.Tools {
		schema, err := json.Marshal(tool.InputSchema)
		if err != nil {
			d.logger.Warnw("Skipping tool with unmarshalable schema",
				"tool", tool.Name,
				"error", err)
			continue
		}
		specs = append(specs, store.ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	return specs, nil
}
