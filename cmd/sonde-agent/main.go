// Command sonde-agent is the fleet agent CLI: enroll against a hub, run the
// probe loop, and manage local packs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sonde-sh/sonde/internal/agent"
	"github.com/sonde-sh/sonde/internal/audit"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/logging"
	"github.com/sonde-sh/sonde/internal/packs"
	"github.com/sonde-sh/sonde/internal/scrub"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "enroll":
		err = cmdEnroll(os.Args[2:])
	case "start":
		err = cmdStart(os.Args[2:])
	case "stop":
		err = cmdStop()
	case "status":
		err = cmdStatus()
	case "packs":
		err = cmdPacks(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sonde-agent <command>

commands:
  enroll --hub <url> (--token <token> | --key <key>) [--name <name>]
  start [--headless]
  stop
  status
  packs {list|scan [dir]|install <file>|uninstall <name>}
  version`)
}

func cmdEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	hubURL := fs.String("hub", "", "hub base URL (http(s)://host:port)")
	token := fs.String("token", "", "one-time enrollment token")
	key := fs.String("key", "", "existing API key")
	name := fs.String("name", "", "agent name (defaults to hostname)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hubURL == "" {
		return fmt.Errorf("--hub is required")
	}
	if *token == "" && *key == "" {
		return fmt.Errorf("one of --token or --key is required")
	}
	agentName := *name
	if agentName == "" {
		host, err := os.Hostname()
		if err != nil {
			return err
		}
		agentName = host
	}

	cfgPath, err := agent.ConfigPath()
	if err != nil {
		return err
	}
	cfg := &agent.Config{HubURL: *hubURL, APIKey: *key, AgentName: agentName}
	if err := cfg.SaveConfig(cfgPath); err != nil {
		return err
	}

	// Enrollment is one register round-trip: connect, receive credentials,
	// disconnect. The connection persists everything through the config.
	log := logging.New(false, slog.LevelInfo)
	conn, err := buildConnection(cfg, cfgPath, log, *token)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := conn.EnrollOnce(ctx); err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}
	fmt.Printf("enrolled as %s (agent id %s)\n", cfg.AgentName, cfg.AgentID)
	return nil
}

func cmdStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	headless := fs.Bool("headless", false, "log as JSON for service managers")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgPath, err := agent.ConfigPath()
	if err != nil {
		return err
	}
	cfg, err := agent.LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("no agent config; run 'sonde-agent enroll' first: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := writePIDFile(); err != nil {
		return err
	}
	defer removePIDFile()

	log := logging.New(*headless, slog.LevelInfo)
	conn, err := buildConnection(cfg, cfgPath, log, "")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("sonde agent starting", "name", cfg.AgentName, "hub", cfg.HubURL, "version", version)
	err = conn.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func buildConnection(cfg *agent.Config, cfgPath string, log *logging.Logger, enrollToken string) (*agent.Connection, error) {
	registry, err := packs.NewRegistry(packs.System(), packs.Network())
	if err != nil {
		return nil, err
	}
	scrubber := scrub.New(cfg.ScrubPatterns...)
	ring := audit.NewRing(0)
	executor := agent.NewExecutor(registry, cfg.DisabledPacks, scrubber, ring, nil, log.Component("executor"), clock.Real{}, version)
	return agent.NewConnection(cfg, cfgPath, executor, registry, log.Component("connection"), clock.Real{}, version, enrollToken)
}

func cmdStop() error {
	pid, err := readPIDFile()
	if err != nil {
		return fmt.Errorf("agent not running: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		removePIDFile()
		return fmt.Errorf("agent not running (stale pid file removed)")
	}
	fmt.Printf("sent stop signal to agent (pid %d)\n", pid)
	return nil
}

func cmdStatus() error {
	cfgPath, err := agent.ConfigPath()
	if err != nil {
		return err
	}
	cfg, err := agent.LoadConfig(cfgPath)
	if err != nil {
		fmt.Println("not enrolled")
		return nil
	}
	fmt.Printf("agent:   %s\nhub:     %s\nagentId: %s\n", cfg.AgentName, cfg.HubURL, cfg.AgentID)
	if pid, err := readPIDFile(); err == nil {
		if proc, err := os.FindProcess(pid); err == nil && proc.Signal(syscall.Signal(0)) == nil {
			fmt.Printf("running: yes (pid %d)\n", pid)
			return nil
		}
	}
	fmt.Println("running: no")
	return nil
}

func cmdPacks(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: sonde-agent packs {list|scan [dir]|install <file>|uninstall <name>}")
	}
	switch args[0] {
	case "list":
		registry, err := packs.NewRegistry(packs.System(), packs.Network())
		if err != nil {
			return err
		}
		for _, p := range registry.All() {
			fmt.Printf("%-12s %-8s %s\n", p.Manifest.Name, p.Manifest.Version, p.Manifest.Description)
		}
		return nil

	case "scan":
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		manifests, errs := packs.ScanDir(dir)
		for _, m := range manifests {
			fmt.Printf("%-12s %-8s %s\n", m.Name, m.Version, m.Description)
		}
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "skipped:", err)
		}
		return nil

	case "install":
		if len(args) < 2 {
			return fmt.Errorf("usage: sonde-agent packs install <manifest.yaml>")
		}
		m, err := packs.LoadManifest(args[1])
		if err != nil {
			return err
		}
		if missing := packs.MissingRequirements(m); len(missing) > 0 {
			var parts []string
			for kind, items := range missing {
				parts = append(parts, fmt.Sprintf("%s: %s", kind, strings.Join(items, ", ")))
			}
			return fmt.Errorf("host does not satisfy pack requirements (%s)", strings.Join(parts, "; "))
		}
		dir, err := agent.ConfigDir()
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, "packs", filepath.Base(args[1]))
		if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return err
		}
		fmt.Printf("installed pack %s %s\n", m.Name, m.Version)
		return nil

	case "uninstall":
		if len(args) < 2 {
			return fmt.Errorf("usage: sonde-agent packs uninstall <name>")
		}
		dir, err := agent.ConfigDir()
		if err != nil {
			return err
		}
		removed := false
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "packs", args[1]+ext)
			if err := os.Remove(path); err == nil {
				removed = true
			}
		}
		if !removed {
			return fmt.Errorf("pack %s is not installed", args[1])
		}
		fmt.Printf("uninstalled pack %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown packs command %q", args[0])
	}
}

func pidFilePath() (string, error) {
	dir, err := agent.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "agent.pid"), nil
}

func writePIDFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile() (int, error) {
	path, err := pidFilePath()
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile() {
	if path, err := pidFilePath(); err == nil {
		_ = os.Remove(path)
	}
}
