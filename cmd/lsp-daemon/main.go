// Command lsp-daemon runs the persistent LSP caching proxy (spec.md §2):
// it loads configuration, wires the daemon, binds its IPC socket, and
// serves until shut down or sent SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/lsp-daemon/internal/config"
	"github.com/standardbeagle/lsp-daemon/internal/daemon"
	"github.com/standardbeagle/lsp-daemon/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "lsp-daemon",
		Usage:   "persistent, workspace-aware caching proxy for LSP operations",
		Version: version.Info(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "IPC socket path (overrides config and the default per-user path)",
			},
			&cli.StringFlag{
				Name:  "database-dir",
				Usage: "directory for the embedded storage backend",
			},
			&cli.StringFlag{
				Name:  "config-dir",
				Usage: "directory to look for .lsp-daemon.kdl in, alongside $HOME",
			},
		},
		Action: runDaemon,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "lsp-daemon: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(c *cli.Context) error {
	cfg, err := config.Load(c.String("config-dir"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if socket := c.String("socket"); socket != "" {
		cfg.SocketPath = socket
	}
	if dbDir := c.String("database-dir"); dbDir != "" {
		cfg.DatabaseDir = dbDir
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- d.Start()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("daemon exited: %w", err)
		}
		return nil
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "lsp-daemon: received %v, shutting down\n", sig)
		if err := d.Shutdown(); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	}
}
