// Command lsp-cli is a thin client shell over the daemon's IPC socket
// (spec.md §1's Non-goal framing: CLI argument parsing is a thin shell
// around the core, so this binary stays a dispatcher onto internal/ipc.Client
// rather than reimplementing any daemon logic).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/lsp-daemon/internal/cache"
	"github.com/standardbeagle/lsp-daemon/internal/ipc"
	"github.com/standardbeagle/lsp-daemon/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "lsp-cli",
		Usage:   "query a running lsp-daemon over its IPC socket",
		Version: version.Info(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "daemon IPC socket path (default: the daemon's per-user default)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "ping",
				Usage:  "check whether the daemon is reachable",
				Action: cmdPing,
			},
			{
				Name:   "status",
				Usage:  "print pool and health status",
				Action: cmdStatus,
			},
			{
				Name:   "languages",
				Usage:  "list languages with a registered LSP server",
				Action: cmdLanguages,
			},
			{
				Name:      "query",
				Usage:     "run a cached LSP operation against a file",
				ArgsUsage: "<workspace-root> <file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "operation", Value: string(cache.OpCallHierarchy), Usage: "CallHierarchy, References, Definition, or Implementation"},
					&cli.StringFlag{Name: "symbol", Usage: "symbol name, for operations that key on one"},
					&cli.IntFlag{Name: "line", Usage: "0-based line number (LSP convention)"},
					&cli.IntFlag{Name: "column", Usage: "0-based column number (LSP convention)"},
					&cli.BoolFlag{Name: "include-declaration", Usage: "include the declaration itself in References results"},
				},
				Action: cmdQuery,
			},
			{
				Name:      "call-hierarchy",
				Usage:     "resolve the call hierarchy of a symbol named by text",
				ArgsUsage: "<workspace-root> <file> <pattern>",
				Action:    cmdCallHierarchy,
			},
			{
				Name:   "shutdown",
				Usage:  "ask the daemon to shut down",
				Action: cmdShutdown,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "lsp-cli: %v\n", err)
		os.Exit(1)
	}
}

func client(c *cli.Context) *ipc.Client {
	socketPath := c.String("socket")
	if socketPath == "" {
		socketPath = ipc.DefaultSocketPath()
	}
	return ipc.NewClient(socketPath)
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func cmdPing(c *cli.Context) error {
	ctx, cancel := withTimeout()
	defer cancel()

	resp, err := client(c).Ping(ctx, "")
	if err != nil {
		return fmt.Errorf("daemon is not reachable: %w", err)
	}
	fmt.Printf("pong (uptime %s)\n", time.Duration(resp.UptimeSecs)*time.Second)
	return nil
}

func cmdStatus(c *cli.Context) error {
	ctx, cancel := withTimeout()
	defer cancel()

	resp, err := client(c).Status(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func cmdLanguages(c *cli.Context) error {
	ctx, cancel := withTimeout()
	defer cancel()

	resp, err := client(c).ListLanguages(ctx)
	if err != nil {
		return err
	}
	for _, lang := range resp.Languages {
		fmt.Println(lang)
	}
	return nil
}

func cmdQuery(c *cli.Context) error {
	if c.NArg() < 2 {
		return fmt.Errorf("usage: lsp-cli query [flags] <workspace-root> <file>")
	}
	root := c.Args().Get(0)
	path := c.Args().Get(1)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	ctx, cancel := withTimeout()
	defer cancel()

	ipcClient := client(c)
	conn, err := ipcClient.Connect(ctx, root)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}

	resp, err := ipcClient.Query(ctx, ipc.QueryRequest{
		ClientID:           conn.ClientID,
		WorkspaceID:        conn.WorkspaceID,
		WorkspaceRoot:      root,
		FilePath:           path,
		Content:            content,
		Operation:          cache.Operation(c.String("operation")),
		Line:               c.Int("line"),
		Column:             c.Int("column"),
		SymbolName:         c.String("symbol"),
		IncludeDeclaration: c.Bool("include-declaration"),
		TimeoutMillis:      20000,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func cmdCallHierarchy(c *cli.Context) error {
	if c.NArg() < 3 {
		return fmt.Errorf("usage: lsp-cli call-hierarchy <workspace-root> <file> <pattern>")
	}
	root := c.Args().Get(0)
	path := c.Args().Get(1)
	pattern := c.Args().Get(2)
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	ctx, cancel := withTimeout()
	defer cancel()

	ipcClient := client(c)
	conn, err := ipcClient.Connect(ctx, root)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w", err)
	}

	resp, err := ipcClient.CallHierarchy(ctx, ipc.CallHierarchyRequest{
		ClientID:      conn.ClientID,
		WorkspaceID:   conn.WorkspaceID,
		WorkspaceRoot: root,
		FilePath:      path,
		Pattern:       pattern,
		TimeoutMillis: 20000,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func cmdShutdown(c *cli.Context) error {
	ctx, cancel := withTimeout()
	defer cancel()

	_, err := client(c).Shutdown(ctx)
	return err
}

// findDaemonBinary locates an lsp-daemon binary to auto-spawn alongside this
// CLI. Auto-spawn itself is out of scope; this stays a documented stub
// tracing the search order a future auto-spawn path would use: $PATH, the
// directory this binary was invoked from, then a short list of common
// install locations.
func findDaemonBinary() (string, error) {
	if p, err := exec.LookPath("lsp-daemon"); err == nil {
		return p, nil
	}

	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "lsp-daemon")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}

	for _, dir := range []string{"/usr/local/bin", "/usr/bin"} {
		candidate := filepath.Join(dir, "lsp-daemon")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("lsp-daemon binary not found")
}
