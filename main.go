// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"waldiez/internal/websocket"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "checkpoints":
		os.Exit(runCheckpoints(os.Args[2:]))
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("waldiez %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`waldiez - checkpoint storage for multi-agent workflow runs

Usage:
  waldiez checkpoints [flags]   inspect and manage stored checkpoints
  waldiez serve [workspace]     serve the storage API over WebSocket
  waldiez version               print the version

Checkpoints flags:
  -w, --workspace <dir>    workspace root (default ~/.waldiez/checkpoints)
  -l, --list               list checkpoints
  -s, --sessions           list sessions
      --session <name>     restrict to one session
  -d, --delete             delete one checkpoint (needs --session, --checkpoint)
  -ds, --delete-session    delete a whole session (needs --session)
  -c, --checkpoint <ts>    checkpoint timestamp (YYYYMMDD_HHMMSS_ffffff)
      --clean              remove old checkpoints and broken symlinks
      --keep <n>           checkpoints to keep with --clean (default 5)`)
}

// runServe starts the WebSocket storage server and blocks until a
// termination signal.
func runServe(args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workspace := ""
	if len(args) > 0 {
		workspace = args[0]
	}

	app, err := NewApp(workspace)
	if err != nil {
		return err
	}
	if err := app.Startup(ctx); err != nil {
		return err
	}

	wsServer := websocket.NewServer(app)
	app.SetBroadcaster(wsServer)

	port, err := wsServer.Start(ctx)
	if err != nil {
		return err
	}
	// The launcher reads this line to discover the port.
	fmt.Printf("WS_PORT:%d\n", port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	if err := wsServer.Stop(ctx); err != nil {
		return err
	}
	app.Shutdown(ctx)
	return nil
}
