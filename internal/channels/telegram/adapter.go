// Package telegram bridges Telegram chats to the gateway using long polling.
// Each Telegram chat maps to one thread; approval prompts are rendered as
// text and answered with the reply vocabulary.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/coppermind/turnstile/internal/channels"
	"github.com/coppermind/turnstile/pkg/models"
)

// ChannelName is the thread id prefix for Telegram chats.
const ChannelName = "telegram"

// BotClient is the subset of Telegram bot operations the adapter uses.
// An interface so tests can inject a fake without network access.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	GetMe(ctx context.Context) (*tgmodels.User, error)
	RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, handler bot.HandlerFunc)
	Start(ctx context.Context)
}

// realBotClient wraps *bot.Bot to implement BotClient.
type realBotClient struct {
	bot *bot.Bot
}

func (r *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	return r.bot.SendMessage(ctx, params)
}

func (r *realBotClient) GetMe(ctx context.Context) (*tgmodels.User, error) {
	return r.bot.GetMe(ctx)
}

func (r *realBotClient) RegisterHandler(handlerType bot.HandlerType, pattern string, matchType bot.MatchType, handler bot.HandlerFunc) {
	r.bot.RegisterHandler(handlerType, pattern, matchType, handler)
}

func (r *realBotClient) Start(ctx context.Context) {
	r.bot.Start(ctx)
}

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot API token from BotFather.
	Token string

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.NewError(channels.ErrCodeConfig, "telegram bot token is required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter connects one Telegram bot to the gateway.
type Adapter struct {
	client  BotClient
	gateway channels.Gateway
	logger  *slog.Logger
}

// NewAdapter creates a Telegram adapter with a real bot client.
func NewAdapter(cfg Config, gw channels.Gateway) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := bot.New(cfg.Token)
	if err != nil {
		return nil, channels.NewError(channels.ErrCodeAuthentication, "telegram bot init failed", err)
	}
	return newAdapter(cfg, gw, &realBotClient{bot: b}), nil
}

// NewAdapterWithClient creates an adapter around an existing client. Tests
// use this with a fake BotClient.
func NewAdapterWithClient(cfg Config, gw channels.Gateway, client BotClient) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newAdapter(cfg, gw, client), nil
}

func newAdapter(cfg Config, gw channels.Gateway, client BotClient) *Adapter {
	return &Adapter{
		client:  client,
		gateway: gw,
		logger:  cfg.Logger.With("component", "telegram"),
	}
}

// Start verifies credentials, registers the message handler, and begins long
// polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.client.GetMe(ctx)
	if err != nil {
		return channels.NewError(channels.ErrCodeAuthentication, "telegram auth check failed", err)
	}
	a.logger.Info("telegram adapter started", "bot", me.Username)

	a.client.RegisterHandler(bot.HandlerTypeMessageText, "", bot.MatchTypePrefix, a.handleUpdate)
	go a.client.Start(ctx)
	return nil
}

// handleUpdate routes one inbound Telegram message to the gateway and sends
// the synchronous acknowledgement, if any, straight back to the chat.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := update.Message.Chat.ID
	threadID := channels.ThreadID(ChannelName, strconv.FormatInt(chatID, 10))

	ack := a.gateway.HandleMessage(ctx, threadID, update.Message.Text)
	if ack == "" {
		return
	}
	if _, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   ack,
	}); err != nil {
		a.logger.Error("failed to send ack", "thread_id", threadID, "error", err)
	}
}

// Deliver sends one outbound message to the chat behind threadID. Approval
// cards have no button rendering on Telegram; the prompt text carries the
// reply vocabulary instead.
func (a *Adapter) Deliver(ctx context.Context, threadID string, msg models.Outbound) error {
	_, id, ok := channels.SplitThreadID(threadID)
	if !ok {
		return channels.NewError(channels.ErrCodeInvalidInput, "malformed thread id "+threadID, nil)
	}
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return channels.NewError(channels.ErrCodeInvalidInput,
			fmt.Sprintf("thread id %s is not a telegram chat", threadID), err)
	}

	if _, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Text,
	}); err != nil {
		return channels.NewError(channels.ErrCodeConnection, "telegram send failed", err)
	}
	return nil
}
