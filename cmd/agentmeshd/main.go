package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentmesh/mesh"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := parseLogLevel(os.Getenv("AGENTMESH_LOG_LEVEL"))
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := agentmesh.New(
		agentmesh.WithVersion(version),
		agentmesh.WithLogger(logger),
		agentmesh.WithToolInvoker(newHTTPToolInvoker(os.Getenv("AGENTMESH_TOOL_SERVER_URL"))),
	)
	if err != nil {
		return fmt.Errorf("construct app: %w", err)
	}
	return app.Run(ctx)
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// httpToolInvoker forwards governance-proxy-approved tool calls to a
// downstream tool server over plain HTTP JSON. It is the default
// ToolInvoker for the standalone binary; embedders with a richer tool
// transport should supply their own via agentmesh.WithToolInvoker.
type httpToolInvoker struct {
	url    string
	client *http.Client
}

func newHTTPToolInvoker(url string) *httpToolInvoker {
	return &httpToolInvoker{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *httpToolInvoker) Invoke(ctx context.Context, req agentmesh.ToolCallRequest) (agentmesh.ToolCallResult, error) {
	if h.url == "" {
		return agentmesh.ToolCallResult{
			IsError:   true,
			ErrorCode: -32000,
			Content:   "no tool server configured: set AGENTMESH_TOOL_SERVER_URL",
		}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return agentmesh.ToolCallResult{}, fmt.Errorf("encode tool call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return agentmesh.ToolCallResult{}, fmt.Errorf("build tool call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return agentmesh.ToolCallResult{}, fmt.Errorf("call tool server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return agentmesh.ToolCallResult{}, fmt.Errorf("read tool server response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return agentmesh.ToolCallResult{
			IsError:   true,
			ErrorCode: resp.StatusCode,
			Content:   string(respBody),
		}, nil
	}

	var result agentmesh.ToolCallResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return agentmesh.ToolCallResult{}, fmt.Errorf("decode tool server response: %w", err)
	}
	return result, nil
}
