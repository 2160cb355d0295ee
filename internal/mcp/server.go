// Package mcp exposes the queue operations as Model Context Protocol tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/deliveryhero/asya/asya-mqbridge/internal/messaging"
)

// Tool names
const (
	ToolListMessages  = "list_messages"
	ToolGetMessage    = "get_message"
	ToolDeleteMessage = "delete_message"
	ToolPutMessage    = "put_message"
)

// Messaging is the set of queue operations offered as tools.
type Messaging interface {
	QueueManagerName() string
	BrowseMessages(ctx context.Context, queueName string, shape messaging.Shape, filter messaging.Filter, limit string) messaging.Result
	GetMessage(ctx context.Context, queueName string, filter messaging.Filter) messaging.Result
	DeleteMessage(ctx context.Context, queueName string, filter messaging.Filter, wait string) messaging.Result
	PutMessage(ctx context.Context, queueName string, req messaging.PutRequest) messaging.Result
}

// Server wraps an MCP server whose tools call into Messaging.
type Server struct {
	svc       Messaging
	mcpServer *server.MCPServer
}

// NewServer creates the MCP server and registers the queue tools.
func NewServer(svc Messaging, version string) *Server {
	s := &Server{
		svc: svc,
		mcpServer: server.NewMCPServer(
			"asya-mqbridge",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server.
func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler returns the streamable HTTP transport for the server.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerTools() {
	qmgr := s.svc.QueueManagerName()
	queueArg := mcp.WithString("queue",
		mcp.Required(),
		mcp.Description(fmt.Sprintf("Queue name on queue manager %s", qmgr)),
	)
	correlArg := mcp.WithString("correlation_id",
		mcp.Description("Only match messages with this correlation id (48 hex characters)"),
	)
	msgArg := mcp.WithString("message_id",
		mcp.Description("Only match the message with this id (48 hex characters)"),
	)

	s.mcpServer.AddTool(mcp.NewTool(ToolListMessages,
		mcp.WithDescription("List messages on a queue without removing them"),
		queueArg, correlArg, msgArg,
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages, default "+messaging.DefaultLimit)),
		mcp.WithString("shape",
			mcp.Description("LIST for identifiers only, RAW to include bodies"),
			mcp.Enum("LIST", "RAW"),
		),
	), s.handleListMessages)

	s.mcpServer.AddTool(mcp.NewTool(ToolGetMessage,
		mcp.WithDescription("Return the next matching message body without removing it"),
		queueArg, correlArg, msgArg,
	), s.handleGetMessage)

	s.mcpServer.AddTool(mcp.NewTool(ToolDeleteMessage,
		mcp.WithDescription("Remove the next matching message and return its body"),
		queueArg, correlArg, msgArg,
		mcp.WithNumber("wait", mcp.Description("Milliseconds to wait for a matching message")),
	), s.handleDeleteMessage)

	s.mcpServer.AddTool(mcp.NewTool(ToolPutMessage,
		mcp.WithDescription("Put a text message on a queue"),
		queueArg,
		mcp.WithString("body", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("correlation_id", mcp.Description("Correlation id (48 hex characters); generated when omitted")),
		mcp.WithNumber("expiry", mcp.Description("Expiry in milliseconds")),
		mcp.WithString("persistence",
			mcp.Description("Message persistence; the queue default when omitted"),
			mcp.Enum(messaging.PersistencePersistent, messaging.PersistenceNonPersistent),
		),
		mcp.WithString("reply_to", mcp.Description("Reply-to queue, optionally queue@qmgr")),
	), s.handlePutMessage)

	slog.Info("MCP tools registered", "qmgr", qmgr, "count", len(s.mcpServer.ListTools()))
}

func (s *Server) handleListMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queueName, err := request.RequireString("queue")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	shape := messaging.ShapeList
	if raw := request.GetString("shape", ""); raw != "" {
		if shape, err = messaging.ParseShape(raw); err != nil || shape == messaging.ShapeUnit {
			return mcp.NewToolResultError(fmt.Sprintf("unsupported shape %q", raw)), nil
		}
	}

	res := s.svc.BrowseMessages(ctx, queueName, shape, filterFrom(request), argString(request, "limit"))
	return toolResult(res), nil
}

func (s *Server) handleGetMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queueName, err := request.RequireString("queue")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResult(s.svc.GetMessage(ctx, queueName, filterFrom(request))), nil
}

func (s *Server) handleDeleteMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queueName, err := request.RequireString("queue")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := s.svc.DeleteMessage(ctx, queueName, filterFrom(request), argString(request, "wait"))
	return toolResult(res), nil
}

func (s *Server) handlePutMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queueName, err := request.RequireString("queue")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body, err := request.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res := s.svc.PutMessage(ctx, queueName, messaging.PutRequest{
		Body:          body,
		CorrelationID: request.GetString("correlation_id", ""),
		Expiry:        argString(request, "expiry"),
		Persistence:   request.GetString("persistence", ""),
		ReplyTo:       request.GetString("reply_to", ""),
	})
	return toolResult(res), nil
}

func filterFrom(request mcp.CallToolRequest) messaging.Filter {
	return messaging.Filter{
		CorrelationID: request.GetString("correlation_id", ""),
		MessageID:     request.GetString("message_id", ""),
	}
}

// argString renders a scalar argument as the decimal text the messaging layer parses.
// Absent arguments are empty.
func argString(request mcp.CallToolRequest, key string) string {
	v, ok := request.GetArguments()[key]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprint(val)
	}
}

func toolResult(res messaging.Result) *mcp.CallToolResult {
	if res.Fault != nil {
		return mcp.NewToolResultError(res.Body)
	}
	return mcp.NewToolResultText(res.Body)
}
