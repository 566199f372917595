package orch

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// registerPostMessage registers the post_message tool.
func registerPostMessage(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("post_message",
			mcp.WithDescription("Post a message to another participant's inbox."),
			mcp.WithString("from", mcp.Required(), mcp.Description("Sender id")),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient id")),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
			mcp.WithString("topic", mcp.Description("Optional topic label")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			from, _ := args["from"].(string)
			to, _ := args["to"].(string)
			text, _ := args["text"].(string)
			if from == "" || to == "" || text == "" {
				return nil, fmt.Errorf("'from', 'to' and 'text' are required")
			}
			topic, _ := args["topic"].(string)

			m := d.Bus.Send(from, to, topic, text)
			return mcp.NewToolResultText(fmt.Sprintf("Delivered %s to %s.", m.ID, to)), nil
		},
	)
}

// registerReadInbox registers the read_inbox tool.
func registerReadInbox(s *server.MCPServer, d Deps) {
	s.AddTool(
		mcp.NewTool("read_inbox",
			mcp.WithDescription("Read a participant's inbox, oldest first. Pass the last seen timestamp as 'after' to page."),
			mcp.WithString("to", mcp.Required(), mcp.Description("Recipient id")),
			mcp.WithNumber("after", mcp.Description("Only messages created strictly after this unix-millisecond timestamp")),
			mcp.WithNumber("limit", mcp.Description("Maximum messages to return (default: 50)")),
			mcp.WithString("format", mcp.Description("Output format: markdown or json (default: markdown)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			to, _ := args["to"].(string)
			if to == "" {
				return nil, fmt.Errorf("'to' is required")
			}
			var after int64
			if v, ok := args["after"].(float64); ok {
				after = int64(v)
			}
			var limit int
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			ms := d.Bus.List(to, after, limit)
			if formatArg(args) == "json" {
				return asJSON(ms)
			}
			return mcp.NewToolResultText(messagesMarkdown(ms)), nil
		},
	)
}
