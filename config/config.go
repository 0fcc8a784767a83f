// Package config implements lokinet.ini loading and the -g default-config
// generator (§6). The teacher has no config file at all (tor-client takes
// no flags beyond none); this package's line-oriented key=value scanning
// follows the same strings.Split/strings.HasPrefix style
// directory/consensus.go and directory/microdesc.go use to parse Tor's own
// line-oriented document formats, generalized from "consensus document
// fields" to "config file fields" since no config-parsing library appears
// anywhere in the retrieval pack.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config is the fully-resolved set of settings a router needs to start,
// loaded from an INI-flavored file (§6).
type Config struct {
	NetID               string
	Router              bool
	BindAddr            string
	BindPort            uint16
	StateDir            string
	NodeDBDir           string
	MinConnectedRouters int
	WorkerPoolSize      int
	DiskPoolSize        int
	TickInterval        time.Duration
	BootstrapPath       string
	LogLevel            string
}

// defaults mirrors router.Config's own defaulting but fills in the
// deployment-facing fields a fresh install needs (paths, bind address)
// that router.Config leaves to its caller.
func defaults() Config {
	return Config{
		NetID:               "lokinet",
		Router:              false,
		BindAddr:            "0.0.0.0",
		BindPort:            1090,
		StateDir:            defaultStateDir(),
		NodeDBDir:           filepath.Join(defaultStateDir(), "nodedb"),
		MinConnectedRouters: 4,
		WorkerPoolSize:      4,
		DiskPoolSize:        2,
		TickInterval:        time.Second,
		LogLevel:            "info",
	}
}

// DefaultConfigPath returns the platform-specific default config location
// named in §6: "/var/lib/lokinet/lokinet.ini" or "~/.lokinet/lokinet.ini".
func DefaultConfigPath() string {
	if runtime.GOOS != "windows" {
		if os.Geteuid() == 0 {
			return "/var/lib/lokinet/lokinet.ini"
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".lokinet", "lokinet.ini")
}

func defaultStateDir() string {
	return filepath.Dir(DefaultConfigPath())
}

// Load reads and parses an INI-flavored config file: "key = value" lines,
// blank lines and lines starting with "#" or ";" ignored, one [section]
// header ("router") that is otherwise untracked since this format has no
// nested structure beyond flat keys.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg := defaults()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: %s:%d: expected key=value, got %q", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := cfg.set(key, value); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "netid":
		c.NetID = value
	case "router":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("router: %w", err)
		}
		c.Router = b
	case "bind-addr":
		c.BindAddr = value
	case "bind-port":
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("bind-port: %w", err)
		}
		c.BindPort = uint16(n)
	case "state-dir":
		c.StateDir = value
	case "nodedb-dir":
		c.NodeDBDir = value
	case "min-connected-routers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("min-connected-routers: %w", err)
		}
		c.MinConnectedRouters = n
	case "worker-pool-size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("worker-pool-size: %w", err)
		}
		c.WorkerPoolSize = n
	case "disk-pool-size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("disk-pool-size: %w", err)
		}
		c.DiskPoolSize = n
	case "tick-interval-ms":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("tick-interval-ms: %w", err)
		}
		c.TickInterval = time.Duration(n) * time.Millisecond
	case "bootstrap":
		c.BootstrapPath = value
	case "log-level":
		c.LogLevel = value
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

// GenerateDefault writes a fresh default config file to path, the -g CLI
// flag's behavior (§6). It refuses to overwrite an existing file.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists, refusing to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	d := defaults()
	var b strings.Builder
	fmt.Fprintf(&b, "# lokinet configuration\n\n")
	fmt.Fprintf(&b, "netid = %s\n", d.NetID)
	fmt.Fprintf(&b, "router = %t\n", d.Router)
	fmt.Fprintf(&b, "bind-addr = %s\n", d.BindAddr)
	fmt.Fprintf(&b, "bind-port = %d\n", d.BindPort)
	fmt.Fprintf(&b, "state-dir = %s\n", d.StateDir)
	fmt.Fprintf(&b, "nodedb-dir = %s\n", d.NodeDBDir)
	fmt.Fprintf(&b, "min-connected-routers = %d\n", d.MinConnectedRouters)
	fmt.Fprintf(&b, "worker-pool-size = %d\n", d.WorkerPoolSize)
	fmt.Fprintf(&b, "disk-pool-size = %d\n", d.DiskPoolSize)
	fmt.Fprintf(&b, "tick-interval-ms = %d\n", d.TickInterval.Milliseconds())
	fmt.Fprintf(&b, "log-level = %s\n", d.LogLevel)

	return os.WriteFile(path, []byte(b.String()), 0600)
}
