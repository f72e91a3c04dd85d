package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dazrave/botline/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack relays Slack traffic through the router using Socket Mode.
type Slack struct {
	botToken       string
	appToken       string
	defaultChannel string

	client *slack.Client
	socket *socketmode.Client
	router Router
	logger *slog.Logger
	botUID string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack adapter.
type SlackConfig struct {
	BotToken string
	AppToken string
	Channel  string // default channel for broadcasts
	Router   Router
	Logger   *slog.Logger
}

// NewSlack creates the adapter without connecting.
func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken:       cfg.BotToken,
		appToken:       cfg.AppToken,
		defaultChannel: cfg.Channel,
		router:         cfg.Router,
		logger:         cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects via Socket Mode and listens for events until ctx is
// cancelled.
func (s *Slack) Start(ctx context.Context) error {
	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(ctx, eventsAPIEvent)

			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack channel stopping")
		return nil
	case err := <-errCh:
		return err
	}
}

// Send delivers text to a channel. An empty chatID targets the configured
// default channel.
func (s *Slack) Send(ctx context.Context, chatID, text string) error {
	if s.client == nil {
		return fmt.Errorf("slack not connected")
	}
	channel := chatID
	if channel == "" {
		channel = s.defaultChannel
	}
	if channel == "" {
		return fmt.Errorf("no slack channel configured")
	}
	for _, chunk := range splitMessage(text, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(chunk, false)); err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
	}
	return nil
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	inner, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Ignore our own messages and edits/bot chatter.
	if inner.User == "" || inner.User == s.botUID || inner.BotID != "" || inner.SubType != "" {
		return
	}
	text := strings.TrimSpace(inner.Text)
	if text == "" {
		return
	}

	mctx := &domain.Context{
		User:   inner.User,
		ChatID: inner.Channel,
		Type:   "user",
	}
	if _, err := s.router.RouteMessage(ctx, s.Name(), text, mctx); err != nil {
		s.logger.Warn("slack message rejected", "user", inner.User, "err", err)
		if sendErr := s.Send(ctx, inner.Channel, domain.UserMessage(err)); sendErr != nil {
			s.logger.Error("slack error notice failed", "err", sendErr)
		}
	}
}
