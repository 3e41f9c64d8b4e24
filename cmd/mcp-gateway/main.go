// Command mcp-gateway exposes the channel-adapter interface and a slice of
// the supervision CLI as MCP tools, for agent-hosted adapters that prefer
// MCP over shelling out to panewardctl.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/stringwork/internal/config"
	"github.com/jaakkos/stringwork/internal/ingress"
	"github.com/jaakkos/stringwork/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to paneward.yaml")
	flag.Parse()

	logger := log.New(os.Stderr, "[mcp-gateway] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	st, err := store.Open(cfg.ResolvedStateFile())
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	core := ingress.New(st, cfg.ResolvedPendingChannelsPath(), func(channel string) ([]string, bool) {
		a, ok := cfg.Adapters[channel]
		if !ok || len(a.SendCommand) == 0 {
			return nil, false
		}
		return a.SendCommand, true
	}, 10*time.Second)

	mcpServer := server.NewMCPServer("paneward-gateway", "1.0.0")
	registerReceiveTool(mcpServer, core)
	registerSendTool(mcpServer, core)
	registerTaskAddTool(mcpServer, st)

	logger.Println("running in stdio mode")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Printf("stdio server error: %v", err)
	}
}

func registerReceiveTool(s *server.MCPServer, core *ingress.Core) {
	s.AddTool(
		mcp.NewTool("receive",
			mcp.WithDescription("Deliver an inbound message from an external channel into the supervision core."),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name, e.g. telegram, discord")),
			mcp.WithString("endpoint", mcp.Required(), mcp.Description("Opaque per-channel addressee (chat id, user id)")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
			mcp.WithNumber("priority", mcp.Description("1=system/idle-required, 2=urgent, 3=normal (default)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			channel, _ := args["channel"].(string)
			endpoint, _ := args["endpoint"].(string)
			content, _ := args["content"].(string)
			if channel == "" || endpoint == "" || content == "" {
				return nil, fmt.Errorf("channel, endpoint, and content are required")
			}
			priority := store.PriorityNormalUser
			if p, ok := args["priority"].(float64); ok && p > 0 {
				priority = int(p)
			}
			id, err := core.Receive(channel, endpoint, content, priority, false, false)
			if err != nil {
				return mcp.NewToolResultText(fmt.Sprintf("rejected: %v", err)), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("queued as conversation %d", id)), nil
		},
	)
}

func registerSendTool(s *server.MCPServer, core *ingress.Core) {
	s.AddTool(
		mcp.NewTool("send",
			mcp.WithDescription("Send an outbound message from the assistant to an external channel."),
			mcp.WithString("channel", mcp.Required(), mcp.Description("Channel name, e.g. telegram, discord")),
			mcp.WithString("endpoint", mcp.Required(), mcp.Description("Opaque per-channel addressee")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message body")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			channel, _ := args["channel"].(string)
			endpoint, _ := args["endpoint"].(string)
			content, _ := args["content"].(string)
			if channel == "" || endpoint == "" || content == "" {
				return nil, fmt.Errorf("channel, endpoint, and content are required")
			}
			if err := core.Send(channel, []string{endpoint}, content); err != nil {
				return mcp.NewToolResultText(fmt.Sprintf("send failed: %v", err)), nil
			}
			return mcp.NewToolResultText("sent"), nil
		},
	)
}

func registerTaskAddTool(s *server.MCPServer, st *store.Store) {
	s.AddTool(
		mcp.NewTool("add_task",
			mcp.WithDescription("Schedule a one-time reminder task, dispatched through the conversation queue when due."),
			mcp.WithString("id", mcp.Required(), mcp.Description("Unique task id")),
			mcp.WithString("prompt", mcp.Required(), mcp.Description("Text delivered to the assistant when the task fires")),
			mcp.WithNumber("in_seconds", mcp.Required(), mcp.Description("Seconds from now until the task is due")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, _ := args["id"].(string)
			prompt, _ := args["prompt"].(string)
			inSeconds, _ := args["in_seconds"].(float64)
			if id == "" || prompt == "" || inSeconds <= 0 {
				return nil, fmt.Errorf("id, prompt, and a positive in_seconds are required")
			}
			task := store.Task{
				ID:            id,
				Name:          id,
				Prompt:        prompt,
				Type:          store.TaskOneTime,
				Timezone:      "UTC",
				NextRunAt:     time.Now().Add(time.Duration(inSeconds) * time.Second),
				Priority:      store.PriorityNormalUser,
				MissThreshold: 300,
			}
			if err := st.AddTask(task); err != nil {
				return mcp.NewToolResultText(fmt.Sprintf("add task failed: %v", err)), nil
			}
			return mcp.NewToolResultText(fmt.Sprintf("scheduled task %s", id)), nil
		},
	)
}
