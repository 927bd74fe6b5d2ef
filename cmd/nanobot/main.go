package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/HKUDS/nanobot-gateway/pkg/agent"
	"github.com/HKUDS/nanobot-gateway/pkg/bus"
	"github.com/HKUDS/nanobot-gateway/pkg/channels"
	"github.com/HKUDS/nanobot-gateway/pkg/config"
	"github.com/HKUDS/nanobot-gateway/pkg/cron"
	"github.com/HKUDS/nanobot-gateway/pkg/cron/sqlstore"
	"github.com/HKUDS/nanobot-gateway/pkg/gateway"
	"github.com/HKUDS/nanobot-gateway/pkg/session"
	"github.com/HKUDS/nanobot-gateway/pkg/utils"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: nanobot <command> [args]")
		fmt.Println("Commands: gateway, onboard, cron")
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "gateway":
		if err := runGateway(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "onboard":
		runOnboard(os.Args[2:])
	case "cron":
		runCron(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		os.Exit(1)
	}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func runGateway(args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	configPath := fs.String("c", "", "Path to config file")
	port := fs.Int("p", 0, "Override gateway port")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.Gateway.Port = *port
	}

	workspace := expandPath(cfg.Agents.Defaults.Workspace)
	logger, logCloser, err := utils.SetupLogger(cfg.Log, filepath.Join(workspace, "logs"))
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.NewMessageBus(logger)
	defer messageBus.Stop()

	sessions, err := session.NewManager(workspace)
	if err != nil {
		return fmt.Errorf("open sessions: %w", err)
	}

	// Channels
	registry := channels.NewFromConfig(cfg.Channels, messageBus, logger)
	for _, st := range registry.StatusAll() {
		id := st.ID
		messageBus.SubscribeOutbound(string(id), func(msg bus.OutboundMessage) {
			if err := registry.Deliver(ctx, msg.Channel, msg.ChatID, msg.Content); err != nil {
				logger.Warn().Err(err).Str("channel", string(id)).Msg("outbound delivery failed")
			}
		})
	}
	registry.StartAll(ctx)
	defer registry.StopAll(context.Background())

	// Cron
	store, err := openCronStore(ctx, cfg.Cron.Store, workspace)
	if err != nil {
		return err
	}
	defer store.Close()

	cronService := cron.NewService(cron.Config{
		Enabled:        cfg.Cron.Enabled,
		DefaultAgentID: cfg.Agents.Defaults.AgentID,
		DefaultTimeout: time.Duration(cfg.Cron.DefaultTimeoutSeconds) * time.Second,
		MaxSleep:       time.Duration(cfg.Cron.MaxSleepSeconds) * time.Second,
		RunLogLimit:    cfg.Cron.RunLogLimit,
	}, store, agent.NewBusRuntime(messageBus, sessions), registry, sessions, logger)
	if err := cronService.Start(ctx); err != nil {
		return fmt.Errorf("start cron: %w", err)
	}
	defer cronService.Stop()

	// Agent
	loop := agent.NewAgentLoop(messageBus, sessions, cfg.Agents.Defaults, logger)
	go messageBus.DispatchOutbound()
	go loop.Run()
	defer loop.Stop()

	server := gateway.NewServer(cronService, registry, logger)
	err = server.ListenAndServe(ctx, cfg.Gateway.Addr())
	logger.Info().Msg("gateway shutting down")
	return err
}

func openCronStore(ctx context.Context, cfg config.CronStoreConfig, workspace string) (cron.Store, error) {
	switch cfg.Driver {
	case "", "file":
		path := cfg.Path
		if path == "" {
			path = filepath.Join(workspace, "cron", "jobs.json")
		}
		return cron.NewFileStore(expandPath(path)), nil
	case sqlstore.DriverSQLite:
		path := cfg.Path
		if path == "" {
			path = filepath.Join(workspace, "cron", "cron.db")
		}
		return sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: expandPath(path)})
	case sqlstore.DriverPostgres:
		return sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverPostgres, DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("unknown cron store driver %q", cfg.Driver)
	}
}

func runOnboard(args []string) {
	fs := flag.NewFlagSet("onboard", flag.ExitOnError)
	configPath := fs.String("c", config.DefaultPath(), "Path to write the config file")
	fs.Parse(args)

	if _, err := os.Stat(*configPath); err == nil {
		fmt.Printf("Config file already exists at %s\n", *configPath)
		return
	}

	cfg := config.DefaultConfig()
	workspace := filepath.Join(filepath.Dir(*configPath), "workspace")
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	cfg.Agents.Defaults.Workspace = workspace

	if err := config.SaveConfig(*configPath, cfg); err != nil {
		fmt.Printf("Error writing config file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Created config file at %s\n", *configPath)

	for _, dir := range []string{workspace, filepath.Join(workspace, "cron"), filepath.Join(workspace, "sessions")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Printf("Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}
	}
	fmt.Printf("Created workspace at %s\n", workspace)
	fmt.Println("Onboarding complete! Enable channels in the config, then run 'nanobot gateway'.")
}

func runCron(args []string) {
	if len(args) < 1 || args[0] != "preview" {
		fmt.Println("Usage: nanobot cron preview [-expr EXPR [-tz TZ] | -every N -unit UNIT | -at RFC3339] [-n N]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("cron preview", flag.ExitOnError)
	expr := fs.String("expr", "", "5-field cron expression")
	tz := fs.String("tz", "", "IANA timezone for -expr")
	every := fs.Int("every", 0, "Interval amount")
	unit := fs.String("unit", "minutes", "Interval unit: minutes, hours, days")
	at := fs.String("at", "", "One-shot time (RFC3339)")
	n := fs.Int("n", 5, "Number of fire times")
	fs.Parse(args[1:])

	var sched cron.CronSchedule
	switch {
	case *expr != "":
		sched = cron.CronSchedule{Kind: cron.KindCron, Expr: *expr, Tz: *tz}
	case *every > 0:
		sched = cron.CronSchedule{Kind: cron.KindEvery, Every: *every, Unit: cron.EveryUnit(*unit)}
	case *at != "":
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			fmt.Printf("Invalid -at: %v\n", err)
			os.Exit(1)
		}
		sched = cron.CronSchedule{Kind: cron.KindAt, AtMs: t.UnixMilli()}
	default:
		fmt.Println("One of -expr, -every or -at is required")
		os.Exit(1)
	}
	if err := sched.Validate(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	loc := time.Local
	if *tz != "" {
		if l, err := time.LoadLocation(*tz); err == nil {
			loc = l
		}
	}
	now := time.Now()
	for _, t := range cron.Preview(sched, now, now, *n) {
		fmt.Println(t.In(loc).Format(time.RFC3339))
	}
}
