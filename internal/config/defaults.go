package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.botline",
		},
		Server: ServerConfig{
			Port:          8080,
			BufferSize:    100,
			DeliveryRetry: 2,
		},
		Routing: RoutingConfig{
			CommandSigil: "/",
		},
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			MaxMessages:   30,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:         false,
			IntervalMinutes: 30,
			CooldownMinutes: 5,
		},
		Registry: RegistryConfig{
			DBPath: "~/.botline/registry.db",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			Slack: SlackConfig{
				Enabled: false,
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
			Web: WebConfig{
				Enabled: false,
				Port:    8081,
				Path:    "/ws",
			},
		},
	}
}
