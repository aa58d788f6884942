// Command vaizmcpproxy bridges a local stdio JSON-RPC peer to the Vaiz
// MCP service over HTTPS, with session re-minting, retry/backoff,
// response caching, and a background health prober.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vaizcom/vaiz-mcp-proxy/internal/coordinator"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/envconfig"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/obslog"
	"github.com/vaizcom/vaiz-mcp-proxy/internal/upstream"
)

const version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	for _, arg := range args {
		switch arg {
		case "--help", "-h":
			printUsage()
			return 0
		case "--version", "-v":
			fmt.Println("vaizmcpproxy " + version)
			return 0
		default:
			// Unknown args are logged at debug level once a logger
			// exists and otherwise ignored; the proxy still starts.
		}
	}

	cfg, err := envconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vaizmcpproxy: %v\n", err)
		return 1
	}
	logger := obslog.Setup(cfg.LogLevel)

	for _, arg := range args {
		if arg != "--help" && arg != "-h" && arg != "--version" && arg != "-v" {
			logger.Debug("ignoring unrecognized argument", "arg", arg)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	transport := upstream.NewHTTPTransport(cfg.APIURL, cfg.APIToken, cfg.SpaceID, &http.Client{})
	session := upstream.NewSession(cfg.APIToken, cfg.SpaceID, cfg.APIURL, transport)
	coord := coordinator.New(session, transport)

	if err := coord.Run(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("proxy exited with an error", "error", err)
		return 1
	}
	return 0
}

func printUsage() {
	fmt.Println(`vaizmcpproxy — resilient stdio-to-HTTPS bridge for the Vaiz MCP service

Usage:
  vaizmcpproxy            run the proxy, bridging stdin/stdout to the upstream
  vaizmcpproxy --help     show this message
  vaizmcpproxy --version  print the version string

Environment:
  VAIZ_API_TOKEN   bearer token for the upstream (required)
  VAIZ_SPACE_ID    workspace id sent as Current-Space-Id (optional)
  VAIZ_API_URL     upstream URL (default https://api.vaiz.com/mcp)
  VAIZ_DEBUG       set to "true" or "1" for verbose stderr logging`)
}
