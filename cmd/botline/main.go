package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/dazrave/botline/internal/api"
	"github.com/dazrave/botline/internal/bus"
	"github.com/dazrave/botline/internal/channel"
	"github.com/dazrave/botline/internal/comms"
	"github.com/dazrave/botline/internal/config"
	"github.com/dazrave/botline/internal/domain"
	"github.com/dazrave/botline/internal/metrics"
	"github.com/dazrave/botline/internal/registry"
	"github.com/dazrave/botline/internal/relay"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "botline",
		Short: "Botline: relay between chat platforms and AI agents",
		Long:  "Botline routes messages between chat surfaces (Telegram, Slack, Discord, web) and registered AI or CLI agents.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.botline/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			cfg.Registry.SeedFile = filepath.Join(cfgDir, "agents.yaml")
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			seed := []byte("# Agents to pre-register at startup.\n# agents:\n#   - name: claude-cli\n#     callbackUrl: http://localhost:9100/reply\n#     description: Claude CLI bridge\n#     allowedIPs: [\"127.0.0.1\"]\n")
			if err := os.WriteFile(cfg.Registry.SeedFile, seed, 0o644); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "seed", cfg.Registry.SeedFile)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Botline v%s (%s/%s, Go %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.General.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := registry.NewStore(cfg.Registry.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := registry.New(store, logger)
	if err != nil {
		return err
	}

	seedAgents(ctx, cfg, reg)

	messageBus := bus.New(cfg.Server.BufferSize, logger)
	communicator := comms.New(comms.Config{Logger: logger})
	commands := relay.NewCommands(logger)

	heartbeat := relay.NewHeartbeat(relay.HeartbeatConfig{
		Enabled:  cfg.Heartbeat.Enabled,
		Interval: time.Duration(cfg.Heartbeat.IntervalMinutes) * time.Minute,
		Cooldown: time.Duration(cfg.Heartbeat.CooldownMinutes) * time.Minute,
		Logger:   logger,
	})

	router := relay.NewRouter(relay.RouterConfig{
		Bus:       messageBus,
		Commands:  commands,
		Heartbeat: heartbeat,
		Logger:    logger,
	})

	// Middleware order is load-bearing: validation first, rate limiting last.
	messageBus.Use(bus.Validation())
	messageBus.Use(bus.Logging(logger))
	messageBus.Use(bus.CommandDetection(cfg.Routing.CommandSigil))
	messageBus.Use(bus.AccessControl(reg))
	messageBus.Use(bus.RateLimit(
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
		cfg.RateLimit.MaxMessages,
	))

	for _, a := range reg.AllAgents() {
		router.RegisterAgent(relay.NewCallbackAgent(a.Name, reg, communicator, cfg.Server.DeliveryRetry))
	}
	if cfg.Routing.DefaultAgent != "" {
		if err := router.SetDefaultAgent(cfg.Routing.DefaultAgent); err != nil {
			logger.Warn("default agent not available", "agent", cfg.Routing.DefaultAgent, "err", err)
		}
	}

	relay.Builtins{
		Bus:       messageBus,
		Registry:  reg,
		Router:    router,
		Heartbeat: heartbeat,
		Version:   version,
	}.Register(commands)

	collector := metrics.NewCollector()
	wireMetrics(messageBus, reg, collector)

	// Task starts from /start are delivered straight to the agent callback.
	messageBus.Subscribe(bus.EventAgentStart, func(msg *domain.Message) {
		rec, ok := reg.Agent(msg.Context.Agent)
		if !ok {
			return
		}
		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := communicator.SendReply(sendCtx, rec.CallbackURL, msg.Text, comms.ReplyOptions{
				Username: msg.Context.User,
				Secret:   rec.Secret,
				Retries:  cfg.Server.DeliveryRetry,
			}); err != nil {
				logger.Error("agent start delivery failed", "agent", rec.Name, "err", err)
			}
		}()
	})

	heartbeat.Start(keepaliveFunc(cfg, reg, communicator, collector))

	startChannels(ctx, cfg, router)

	server := api.NewServer(api.Config{
		Port:          cfg.Server.Port,
		DeliveryRetry: cfg.Server.DeliveryRetry,
		Registry:      reg,
		Bus:           messageBus,
		Router:        router,
		Comms:         communicator,
		Metrics:       collector,
		Logger:        logger,
	})

	defer heartbeat.Disable()
	return server.Start(ctx)
}

// seedAgents registers agents from the YAML seed file, never overwriting
// records that already exist in the store.
func seedAgents(ctx context.Context, cfg *config.Config, reg *registry.Registry) {
	seeds, err := config.LoadSeedAgents(cfg.Registry.SeedFile, logger)
	if err != nil {
		logger.Warn("cannot load agent seed file", "err", err)
		return
	}
	for _, s := range seeds {
		if reg.HasAgent(s.Name) {
			continue
		}
		if _, err := reg.Register(ctx, s.Name, s.CallbackURL, registry.Options{
			Description: s.Description,
			Secret:      s.Secret,
			AllowedIPs:  s.AllowedIPs,
		}); err != nil {
			logger.Warn("cannot seed agent", "agent", s.Name, "err", err)
		}
	}
}

// keepaliveFunc delivers heartbeat payloads to the default agent's callback.
func keepaliveFunc(cfg *config.Config, reg *registry.Registry, communicator *comms.Communicator, collector *metrics.Collector) relay.HeartbeatFunc {
	beats := collector.Counter("botline_heartbeats_total", "Keepalive payloads sent")
	return func(payload string) error {
		if cfg.Routing.DefaultAgent == "" {
			return nil
		}
		rec, ok := reg.Agent(cfg.Routing.DefaultAgent)
		if !ok || !rec.Active {
			return fmt.Errorf("default agent %q unavailable", cfg.Routing.DefaultAgent)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := communicator.NotifyUser(ctx, rec.CallbackURL, payload, comms.NotifyOptions{From: "botline"}); err != nil {
			return err
		}
		beats.Inc()
		return nil
	}
}

func wireMetrics(messageBus *bus.Bus, reg *registry.Registry, collector *metrics.Collector) {
	incoming := collector.Counter("botline_messages_incoming_total", "Messages accepted from platforms and agents")
	outgoing := collector.Counter("botline_messages_outgoing_total", "Agent results published")
	errorsTotal := collector.Counter("botline_publish_errors_total", "Publishes rejected by middleware")
	bufferSize := collector.Gauge("botline_buffer_size", "Messages retained in the bus buffer")
	agentCount := collector.Gauge("botline_registered_agents", "Agents in the registry")

	update := func(msg *domain.Message) {
		bufferSize.Set(int64(messageBus.Stats().Size))
		agentCount.Set(int64(len(reg.AllAgents())))
	}
	messageBus.Subscribe(bus.EventIncoming, func(msg *domain.Message) { incoming.Inc(); update(msg) })
	messageBus.Subscribe(bus.EventNotify, func(msg *domain.Message) { incoming.Inc(); update(msg) })
	messageBus.Subscribe(bus.EventOutgoing, func(msg *domain.Message) { outgoing.Inc(); update(msg) })
	messageBus.Subscribe(bus.EventError, func(msg *domain.Message) { errorsTotal.Inc() })
}

// startChannels constructs and launches every enabled platform adapter.
func startChannels(ctx context.Context, cfg *config.Config, router *relay.Router) {
	var platforms []domain.Platform

	if cfg.Channels.Telegram.Enabled {
		platforms = append(platforms, channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ChatID:    cfg.Channels.Telegram.ChatID,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Router:    router,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Slack.Enabled {
		platforms = append(platforms, channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Channel:  cfg.Channels.Slack.Channel,
			Router:   router,
			Logger:   logger,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		platforms = append(platforms, channel.NewDiscord(channel.DiscordConfig{
			Token:     cfg.Channels.Discord.Token,
			GuildID:   cfg.Channels.Discord.GuildID,
			ChannelID: cfg.Channels.Discord.ChannelID,
			Router:    router,
			Logger:    logger,
		}))
	}
	if cfg.Channels.Web.Enabled {
		platforms = append(platforms, channel.NewWeb(channel.WebConfig{
			Port:   cfg.Channels.Web.Port,
			Path:   cfg.Channels.Web.Path,
			Router: router,
			Logger: logger,
		}))
	}

	for _, p := range platforms {
		router.RegisterPlatform(p)
		go func(p domain.Platform) {
			if err := p.Start(ctx); err != nil {
				logger.Error("platform stopped", "platform", p.Name(), "err", err)
			}
		}(p)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
