// Package slack bridges Slack workspaces to the gateway over Socket Mode.
// Each Slack channel maps to one thread. Approval prompts are rendered as
// Block Kit messages with decision buttons; button presses arrive as
// interactive callbacks and free-text replies work as on any channel.
package slack

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/coppermind/turnstile/internal/approval"
	"github.com/coppermind/turnstile/internal/channels"
	"github.com/coppermind/turnstile/pkg/models"
)

// ChannelName is the thread id prefix for Slack conversations.
const ChannelName = "slack"

// Gateway is the inbound surface the Slack adapter needs: messages plus
// approval button presses. Satisfied by *gateway.Server.
type Gateway interface {
	channels.Gateway
	HandleApprovalClick(ctx context.Context, threadID string, payload approval.ClickPayload) string
}

// APIClient is the subset of the Slack Web API the adapter uses.
type APIClient interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SocketClient is the subset of Socket Mode operations the adapter uses.
type SocketClient interface {
	Run() error
	Ack(req socketmode.Request, payload ...interface{})
	Events() <-chan socketmode.Event
}

// Config holds the Slack adapter configuration.
type Config struct {
	// BotToken is the xoxb- token for Web API calls.
	BotToken string

	// AppToken is the xapp- token for Socket Mode.
	AppToken string

	Logger *slog.Logger
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return channels.NewError(channels.ErrCodeConfig, "slack bot token is required", nil)
	}
	if c.AppToken == "" {
		return channels.NewError(channels.ErrCodeConfig, "slack app token is required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter connects one Slack app to the gateway.
type Adapter struct {
	api     APIClient
	socket  SocketClient
	gateway Gateway
	logger  *slog.Logger

	mu        sync.RWMutex
	botUserID string
}

// NewAdapter creates a Slack adapter with real clients.
func NewAdapter(cfg Config, gw Gateway) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socketClient := socketmode.New(client)
	return newAdapter(cfg, gw, client, socketClientWrapper{socketClient}), nil
}

// socketClientWrapper adapts *socketmode.Client, whose Events is a channel
// field, to the SocketClient interface's Events method.
type socketClientWrapper struct {
	*socketmode.Client
}

func (w socketClientWrapper) Events() <-chan socketmode.Event { return w.Client.Events }

// NewAdapterWithClients creates an adapter around existing clients. Tests
// use this with fakes.
func NewAdapterWithClients(cfg Config, gw Gateway, api APIClient, socket SocketClient) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newAdapter(cfg, gw, api, socket), nil
}

func newAdapter(cfg Config, gw Gateway, api APIClient, socket SocketClient) *Adapter {
	return &Adapter{
		api:     api,
		socket:  socket,
		gateway: gw,
		logger:  cfg.Logger.With("component", "slack"),
	}
}

// Start verifies credentials and begins consuming Socket Mode events in the
// background.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return channels.NewError(channels.ErrCodeAuthentication, "slack auth check failed", err)
	}
	a.mu.Lock()
	a.botUserID = auth.UserID
	a.mu.Unlock()
	a.logger.Info("slack adapter started", "bot_user_id", auth.UserID)

	go a.handleEvents(ctx)
	go func() {
		if err := a.socket.Run(); err != nil {
			a.logger.Error("socket mode stopped", "error", err)
		}
	}()
	return nil
}

func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				event, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
				a.handleEventsAPI(ctx, event)
			case socketmode.EventTypeInteractive:
				callback, ok := evt.Data.(slack.InteractionCallback)
				if !ok {
					continue
				}
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
				a.handleInteraction(ctx, callback)
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error")
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	msg, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.Text == "" {
		return
	}
	// The bot's own messages echo back through the events API.
	a.mu.RLock()
	self := a.botUserID
	a.mu.RUnlock()
	if msg.BotID != "" || (self != "" && msg.User == self) {
		return
	}

	threadID := channels.ThreadID(ChannelName, msg.Channel)
	ack := a.gateway.HandleMessage(ctx, threadID, msg.Text)
	if ack == "" {
		return
	}
	if _, _, err := a.api.PostMessageContext(ctx, msg.Channel, slack.MsgOptionText(ack, false)); err != nil {
		a.logger.Error("failed to send ack", "thread_id", threadID, "error", err)
	}
}

// clickValue is the JSON payload embedded in approval button values.
type clickValue struct {
	CallID  string                 `json:"callId"`
	TaskID  string                 `json:"taskId"`
	Outcome models.ApprovalOutcome `json:"outcome"`
}

func (a *Adapter) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	if len(callback.ActionCallback.BlockActions) == 0 {
		return
	}
	action := callback.ActionCallback.BlockActions[0]

	var value clickValue
	if err := json.Unmarshal([]byte(action.Value), &value); err != nil {
		a.logger.Error("malformed approval button value", "value", action.Value, "error", err)
		return
	}

	threadID := channels.ThreadID(ChannelName, callback.Channel.ID)
	ack := a.gateway.HandleApprovalClick(ctx, threadID, approval.ClickPayload{
		CallID:  value.CallID,
		TaskID:  value.TaskID,
		Outcome: value.Outcome,
	})
	if ack == "" {
		return
	}
	if _, _, err := a.api.PostMessageContext(ctx, callback.Channel.ID, slack.MsgOptionText(ack, false)); err != nil {
		a.logger.Error("failed to send ack", "thread_id", threadID, "error", err)
	}
}

// Deliver sends one outbound message to the conversation behind threadID.
func (a *Adapter) Deliver(ctx context.Context, threadID string, msg models.Outbound) error {
	_, channelID, ok := channels.SplitThreadID(threadID)
	if !ok {
		return channels.NewError(channels.ErrCodeInvalidInput, "malformed thread id "+threadID, nil)
	}

	options := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.Card != nil {
		options = append(options, approvalBlocks(msg.Text, msg.Card))
	}

	if _, _, err := a.api.PostMessageContext(ctx, channelID, options...); err != nil {
		return channels.NewError(channels.ErrCodeConnection, "slack send failed", err)
	}
	return nil
}

// approvalBlocks renders an approval card as a Block Kit message with one
// button per outcome.
func approvalBlocks(text string, card *models.ApprovalCard) slack.MsgOption {
	section := slack.NewSectionBlock(
		slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil)

	buttons := make([]slack.BlockElement, 0, 3)
	outcomes := []struct {
		label   string
		style   slack.Style
		outcome models.ApprovalOutcome
	}{
		{"Allow once", slack.StylePrimary, models.OutcomeProceedOnce},
		{"Always allow", slack.StyleDefault, models.OutcomeProceedAlways},
		{"Reject", slack.StyleDanger, models.OutcomeCancel},
	}
	for _, o := range outcomes {
		value, _ := json.Marshal(clickValue{
			CallID:  card.CallID,
			TaskID:  card.TaskID,
			Outcome: o.outcome,
		})
		btn := slack.NewButtonBlockElement(
			"approval_"+string(o.outcome),
			string(value),
			slack.NewTextBlockObject("plain_text", o.label, false, false))
		btn.Style = o.style
		buttons = append(buttons, btn)
	}

	return slack.MsgOptionBlocks(section, slack.NewActionBlock("approval_actions", buttons...))
}
