package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// LoadKDL parses a daemon KDL config file at path. A missing file returns
// (nil, nil) so callers can treat it as "use defaults".
func LoadKDL(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return parseKDL(string(content))
}

// parseKDL understands a config shape like:
//
//	socket-path "/tmp/custom.sock"
//	database-dir "/var/lib/lsp-daemon"
//	idle-timeout-secs 86400
//	registry-path "lsp-servers.toml"
//	pool {
//	    min-size 1
//	    max-size 4
//	    max-requests-per-server 100
//	    initialization-timeout-secs 30
//	}
//	health {
//	    failure-threshold 3
//	    check-interval-secs 30
//	    check-timeout-secs 5
//	}
func parseKDL(content string) (*Config, error) {
	cfg := &Config{}

	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		switch nodeName(n) {
		case "socket-path":
			if s, ok := firstStringArg(n); ok {
				cfg.SocketPath = s
			}
		case "database-dir":
			if s, ok := firstStringArg(n); ok {
				cfg.DatabaseDir = s
			}
		case "registry-path":
			if s, ok := firstStringArg(n); ok {
				cfg.RegistryPath = s
			}
		case "idle-timeout-secs":
			if v, ok := firstIntArg(n); ok {
				cfg.IdleTimeout = time.Duration(v) * time.Second
			}
		case "idle-check-every-secs":
			if v, ok := firstIntArg(n); ok {
				cfg.IdleCheckEvery = time.Duration(v) * time.Second
			}
		case "max-goroutines":
			if v, ok := firstIntArg(n); ok {
				cfg.MaxGoroutines = v
			}
		case "pool":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "min-size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Pool.MinSize = v
					}
				case "max-size":
					if v, ok := firstIntArg(cn); ok {
						cfg.Pool.MaxSize = v
					}
				case "max-requests-per-server":
					if v, ok := firstIntArg(cn); ok {
						cfg.Pool.MaxRequestsPerServer = v
					}
				case "initialization-timeout-secs":
					if v, ok := firstIntArg(cn); ok {
						cfg.Pool.InitializationTimeout = time.Duration(v) * time.Second
					}
				}
			}
		case "health":
			for _, cn := range n.Children {
				switch nodeName(cn) {
				case "failure-threshold":
					if v, ok := firstIntArg(cn); ok {
						cfg.Health.FailureThreshold = v
					}
				case "check-interval-secs":
					if v, ok := firstIntArg(cn); ok {
						cfg.Health.CheckInterval = time.Duration(v) * time.Second
					}
				case "check-timeout-secs":
					if v, ok := firstIntArg(cn); ok {
						cfg.Health.CheckTimeout = time.Duration(v) * time.Second
					}
				}
			}
		}
	}

	return cfg, nil
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}
