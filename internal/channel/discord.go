package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dazrave/botline/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord relays Discord traffic through the router.
type Discord struct {
	token          string
	guildID        string
	defaultChannel string

	session *discordgo.Session
	router  Router
	logger  *slog.Logger
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token     string
	GuildID   string // optional: restrict to a specific guild
	ChannelID string // default channel for broadcasts
	Router    Router
	Logger    *slog.Logger
}

// NewDiscord creates the adapter without connecting.
func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:          cfg.Token,
		guildID:        cfg.GuildID,
		defaultChannel: cfg.ChannelID,
		router:         cfg.Router,
		logger:         cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects with a bot token and listens until ctx is cancelled.
func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			return
		}

		mctx := &domain.Context{
			User:   m.Author.ID,
			ChatID: m.ChannelID,
			Type:   "user",
		}
		if _, err := d.router.RouteMessage(ctx, d.Name(), text, mctx); err != nil {
			d.logger.Warn("discord message rejected", "user", m.Author.ID, "err", err)
			if sendErr := d.Send(ctx, m.ChannelID, domain.UserMessage(err)); sendErr != nil {
				d.logger.Error("discord error notice failed", "err", sendErr)
			}
		}
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	d.logger.Info("discord channel stopping")
	return session.Close()
}

// Send delivers text to a channel. An empty chatID targets the configured
// default channel.
func (d *Discord) Send(ctx context.Context, chatID, text string) error {
	if d.session == nil {
		return fmt.Errorf("discord not connected")
	}
	channel := chatID
	if channel == "" {
		channel = d.defaultChannel
	}
	if channel == "" {
		return fmt.Errorf("no discord channel configured")
	}
	for _, chunk := range splitMessage(text, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channel, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}
