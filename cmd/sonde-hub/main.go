// Command sonde-hub runs the Sonde hub: the agent transport, probe router,
// and tool surface. Token and key minting are exposed as subcommands so an
// operator can bootstrap enrollment without the dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sonde-sh/sonde/internal/auth"
	"github.com/sonde-sh/sonde/internal/ca"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/config"
	"github.com/sonde-sh/sonde/internal/events"
	"github.com/sonde-sh/sonde/internal/hub"
	"github.com/sonde-sh/sonde/internal/logging"
	"github.com/sonde-sh/sonde/internal/notify"
	"github.com/sonde-sh/sonde/internal/packs"
	"github.com/sonde-sh/sonde/internal/store"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve":
		return serve(cfg)
	case "token":
		return mintToken(cfg, os.Args[2:])
	case "apikey":
		return mintAPIKey(cfg, os.Args[2:])
	case "version":
		fmt.Println(version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want serve, token, apikey, version)", cmd)
	}
}

func serve(cfg *config.Config) error {
	log := logging.New(cfg.LogJSON, cfg.LogLevel)
	log.Info("starting sonde hub", "version", version, "db", cfg.DBPath)

	st, err := store.Open(cfg.DBPath, cfg.Secret)
	if err != nil {
		return err
	}
	defer st.Close()

	authority, err := ca.LoadOrCreate(st)
	if err != nil {
		// the hub keeps running without mTLS issuance
		log.Component("ca").Error("certificate authority unavailable, continuing without mTLS", "error", err)
		authority = nil
	}

	registry, err := packs.NewRegistry(packs.Builtin()...)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	clk := clock.Real{}

	sinks := []notify.Notifier{notify.NewLogNotifier(log.Component("notify"))}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.WebhookURL, cfg.WebhookHeaders))
	}
	if cfg.MQTTBroker != "" {
		m, err := notify.NewMQTT(cfg.MQTTBroker, "sonde-hub", cfg.MQTTTopic)
		if err != nil {
			log.Component("notify").Error("mqtt sink unavailable", "error", err)
		} else {
			defer m.Close()
			sinks = append(sinks, m)
		}
	}
	notifier := notify.NewMulti(log.Component("notify"), sinks...)

	dispatcher := hub.NewDispatcher(log.Component("dispatcher"), clk)
	if authority != nil {
		dispatcher.SetSigningKey(authority.SigningKey())
	}

	latest := func() string {
		if cfg.LatestAgentVersion != "" {
			return cfg.LatestAgentVersion
		}
		v, _ := st.GetSetting("latest_agent_version")
		return v
	}
	enroll := hub.NewEnrollment(st, authority, dispatcher, bus, log.Component("enroll"), clk, latest)
	transport := hub.NewTransport(log.Component("transport"), st, dispatcher, enroll, authority, clk, nil)

	executor := hub.NewIntegrationExecutor(registry, st, log.Component("integration"), clk, nil, cfg.PackConcurrent)
	router := hub.NewRouter(dispatcher, executor, st, bus, log.Component("router"), clk, cfg.CacheTTL, cfg.CacheEntries)
	engine := hub.NewRunbookEngine(router, registry, st, log.Component("runbook"), clk)
	tools := hub.NewTools(router, engine, dispatcher, st, registry, clk, cfg.OfflineAfter)

	scheduler, err := hub.NewScheduler(st, engine, bus, log.Component("scheduler"), clk, cfg.OfflineAfter, cfg.HealthCheckCron)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go notifier.Run(ctx, bus)
	scheduler.Start()
	defer scheduler.Stop()

	server := hub.NewServer(cfg.Host+":"+cfg.Port, log.Component("server"), st, transport, tools, clk)
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func mintToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	agentName := fs.String("agent", "", "bind the token to an agent name")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath, cfg.Secret)
	if err != nil {
		return err
	}
	defer st.Close()

	tok, plaintext, err := auth.GenerateEnrollToken(*agentName, *ttl)
	if err != nil {
		return err
	}
	if err := st.SaveEnrollToken(tok); err != nil {
		return err
	}
	fmt.Printf("enrollment token (valid %s, single use):\n%s\n", *ttl, plaintext)
	return nil
}

func mintAPIKey(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("apikey", flag.ExitOnError)
	name := fs.String("name", "operator", "key name")
	scope := fs.String("scope", "admin", "key scope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath, cfg.Secret)
	if err != nil {
		return err
	}
	defer st.Close()

	key, plaintext, err := auth.GenerateKey(*name, *scope)
	if err != nil {
		return err
	}
	if err := st.SaveAPIKey(key); err != nil {
		return err
	}
	fmt.Printf("api key %s (scope %s):\n%s\n", key.ID, *scope, plaintext)
	return nil
}
