// Package bot holds the command dispatcher and conversation flows for the
// Telegram front end: the add-channel credential wizard, channel listing and
// removal, and the upload hand-off.
package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/thaimozhi-2005/New-Daily/config"
	"github.com/thaimozhi-2005/New-Daily/conversation"
	"github.com/thaimozhi-2005/New-Daily/dailymotion"
	"github.com/thaimozhi-2005/New-Daily/store"
	"github.com/thaimozhi-2005/New-Daily/telemetry"
	"github.com/thaimozhi-2005/New-Daily/upload"
)

// Channels is the credential store surface the bot needs. Satisfied by
// *store.Store; tests substitute an in-memory fake.
type Channels interface {
	CreateChannel(ctx context.Context, ch store.Channel) (store.Channel, error)
	ListChannels(ctx context.Context, userID int64) ([]store.Channel, error)
	GetChannel(ctx context.Context, userID, id int64) (store.Channel, error)
	DeleteChannel(ctx context.Context, userID, id int64) (int64, error)
	UpdateTokens(ctx context.Context, id int64, access, refresh string)
	CountChannels(ctx context.Context, userID int64) (int, error)
}

// Bot routes incoming updates to command handlers and flow steps.
type Bot struct {
	transport Transport
	channels  Channels
	conv      *conversation.Store
	cfg       config.Config
	db        *sql.DB
	log       *slog.Logger

	// userLocks serializes updates per user. The dispatcher runs each
	// update on its own goroutine, but one user's messages must be
	// processed strictly in order: wizard steps mutate that user's
	// conversation state between messages.
	userLocks sync.Map

	// newClient and newUploadClient are swapped in tests to avoid real
	// network calls. newUploadClient nil means the pipeline builds the
	// real Dailymotion client itself.
	newClient       func(dailymotion.Credentials) authClient
	newUploadClient func(dailymotion.Credentials) upload.Client
}

type authClient interface {
	Authenticate(ctx context.Context) (dailymotion.AuthResult, error)
	Tokens() (access, refresh string)
	Close()
}

// New builds a Bot. db may be nil; it only feeds duration averages on the
// status endpoint.
func New(transport Transport, channels Channels, conv *conversation.Store, cfg config.Config, database *sql.DB) *Bot {
	telemetry.Init()
	build := func(c dailymotion.Credentials) *dailymotion.Client {
		cl := dailymotion.NewClient(c)
		if cfg.APIBase != "" {
			cl.BaseURL = cfg.APIBase
		}
		if cfg.VideoBaseURL != "" {
			cl.VideoBaseURL = cfg.VideoBaseURL
		}
		if cfg.UploadScope != "" {
			cl.Scope = cfg.UploadScope
		}
		if cfg.MaxAttempts > 0 {
			cl.MaxAttempts = cfg.MaxAttempts
		}
		if cfg.BackoffBase > 0 {
			cl.BackoffBase = cfg.BackoffBase
		}
		return cl
	}
	return &Bot{
		transport:       transport,
		channels:        channels,
		conv:            conv,
		cfg:             cfg,
		db:              database,
		log:             slog.With(slog.String("component", "bot")),
		newClient:       func(c dailymotion.Credentials) authClient { return build(c) },
		newUploadClient: func(c dailymotion.Credentials) upload.Client { return build(c) },
	}
}

// HandleUpdate processes one update to completion. Updates from the same
// user run strictly in order even when the caller spawns a goroutine per
// update; different users proceed concurrently. A panic in any handler is
// contained here so a single malformed update cannot take the dispatcher down.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) {
	unlock := b.lockUser(u.UserID)
	defer unlock()

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic",
				slog.Any("panic", r),
				slog.Int64("user_id", u.UserID),
				slog.String("stack", string(debug.Stack())))
			b.send(ctx, u.ChatID, "Something went wrong processing that. Please try again.")
		}
	}()

	switch {
	case u.Callback != nil:
		b.handleCallback(ctx, u)
	case u.Command != "":
		b.handleCommand(ctx, u)
	case u.File != nil:
		b.handleFile(ctx, u)
	default:
		b.handleText(ctx, u)
	}
	telemetry.SetActiveConversations(b.conv.Len())
}

func (b *Bot) lockUser(userID int64) func() {
	v, _ := b.userLocks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (b *Bot) handleCommand(ctx context.Context, u Update) {
	// Any command interrupts a flow in progress.
	if st := b.conv.Get(u.UserID); st != nil && u.Command != "cancel" {
		b.conv.Clear(u.UserID)
	}

	switch u.Command {
	case "start":
		b.send(ctx, u.ChatID, startText)
	case "help":
		b.send(ctx, u.ChatID, helpText)
	case "addchannel":
		b.startWizard(ctx, u)
	case "list":
		b.cmdList(ctx, u)
	case "upload":
		b.cmdUpload(ctx, u)
	case "rmchannel":
		b.cmdRemove(ctx, u)
	case "testauth":
		b.cmdTestAuth(ctx, u)
	case "cancel":
		b.conv.Clear(u.UserID)
		b.send(ctx, u.ChatID, "Canceled. Nothing was saved.")
	default:
		b.send(ctx, u.ChatID, "Unknown command. Send /help for the list of commands.")
	}
}

func (b *Bot) handleText(ctx context.Context, u Update) {
	st := b.conv.Get(u.UserID)
	if st == nil {
		b.send(ctx, u.ChatID, "Send /upload to publish a video or /help to see what I can do.")
		return
	}
	switch st.Step {
	case conversation.StepChannelName, conversation.StepAPIKey, conversation.StepAPISecret,
		conversation.StepUsername, conversation.StepPassword:
		b.wizardInput(ctx, u, st)
	case conversation.StepAwaitingVideo:
		b.send(ctx, u.ChatID, "I'm waiting for a video file. Send one, or /cancel to stop.")
	case conversation.StepSelectChannel:
		b.send(ctx, u.ChatID, "Pick a channel with the buttons above, or /cancel to stop.")
	default:
		b.conv.Clear(u.UserID)
	}
}

func (b *Bot) handleCallback(ctx context.Context, u Update) {
	data := u.Callback.Data
	switch {
	case data == "cancel":
		b.conv.Clear(u.UserID)
		b.answer(ctx, u.Callback.ID, "Canceled")
		b.edit(ctx, u.ChatID, u.Callback.MessageID, "Canceled.")
	case strings.HasPrefix(data, "upload:"):
		b.callbackUpload(ctx, u, parseID(data))
	case strings.HasPrefix(data, "remove:"):
		b.callbackRemove(ctx, u, parseID(data))
	case strings.HasPrefix(data, "testauth:"):
		b.callbackTestAuth(ctx, u, parseID(data))
	default:
		b.answer(ctx, u.Callback.ID, "")
	}
}

func (b *Bot) cmdList(ctx context.Context, u Update) {
	channels, err := b.channels.ListChannels(ctx, u.UserID)
	if err != nil {
		b.log.Error("list channels", slog.Any("err", err), slog.Int64("user_id", u.UserID))
		b.send(ctx, u.ChatID, "Could not load your channels right now. Please try again.")
		return
	}
	if len(channels) == 0 {
		b.send(ctx, u.ChatID, "You have no channels yet. Send /addchannel to register one.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Your channels:\n")
	for i, ch := range channels {
		fmt.Fprintf(&sb, "%d. %s (added %s)\n", i+1, ch.Name, ch.CreatedAt.Format("2006-01-02"))
	}
	b.send(ctx, u.ChatID, sb.String())
}

func (b *Bot) cmdRemove(ctx context.Context, u Update) {
	channels, err := b.channels.ListChannels(ctx, u.UserID)
	if err != nil {
		b.send(ctx, u.ChatID, "Could not load your channels right now. Please try again.")
		return
	}
	if len(channels) == 0 {
		b.send(ctx, u.ChatID, "You have no channels to remove.")
		return
	}
	rows := channelKeyboard(channels, "remove")
	b.sendKeyboard(ctx, u.ChatID, "Which channel should I remove?", rows)
}

func (b *Bot) callbackRemove(ctx context.Context, u Update, id int64) {
	n, err := b.channels.DeleteChannel(ctx, u.UserID, id)
	if err != nil {
		b.answer(ctx, u.Callback.ID, "Removal failed")
		b.edit(ctx, u.ChatID, u.Callback.MessageID, "Could not remove that channel. Please try again.")
		return
	}
	if n == 0 {
		b.answer(ctx, u.Callback.ID, "Not found")
		b.edit(ctx, u.ChatID, u.Callback.MessageID, "That channel no longer exists.")
		return
	}
	telemetry.ChannelsDeleted.Inc()
	b.answer(ctx, u.Callback.ID, "Removed")
	b.edit(ctx, u.ChatID, u.Callback.MessageID, "Channel removed. Its credentials are deleted.")
}

func (b *Bot) cmdTestAuth(ctx context.Context, u Update) {
	channels, err := b.channels.ListChannels(ctx, u.UserID)
	if err != nil {
		b.send(ctx, u.ChatID, "Could not load your channels right now. Please try again.")
		return
	}
	if len(channels) == 0 {
		b.send(ctx, u.ChatID, "You have no channels yet. Send /addchannel to register one.")
		return
	}
	rows := channelKeyboard(channels, "testauth")
	b.sendKeyboard(ctx, u.ChatID, "Which channel's credentials should I test?", rows)
}

func (b *Bot) callbackTestAuth(ctx context.Context, u Update, id int64) {
	ch, err := b.channels.GetChannel(ctx, u.UserID, id)
	if err != nil {
		b.answer(ctx, u.Callback.ID, "Not found")
		b.edit(ctx, u.ChatID, u.Callback.MessageID, "That channel no longer exists.")
		return
	}
	b.answer(ctx, u.Callback.ID, "Testing...")
	b.edit(ctx, u.ChatID, u.Callback.MessageID, fmt.Sprintf("Testing credentials for %q...", ch.Name))

	client := b.newClient(dailymotion.Credentials{
		APIKey: ch.APIKey, APISecret: ch.APISecret, Username: ch.Username, Password: ch.Password,
	})
	defer client.Close()

	result, err := client.Authenticate(ctx)
	switch {
	case err == nil:
		if access, refresh := client.Tokens(); access != "" {
			b.channels.UpdateTokens(ctx, ch.ID, access, refresh)
		}
		b.edit(ctx, u.ChatID, u.Callback.MessageID, fmt.Sprintf("Credentials for %q are valid.", ch.Name))
	case result == dailymotion.AuthInvalidCredentials:
		telemetry.AuthFailures.Inc()
		b.edit(ctx, u.ChatID, u.Callback.MessageID,
			fmt.Sprintf("Dailymotion rejected the credentials for %q. Remove it with /rmchannel and add it again.", ch.Name))
	default:
		b.edit(ctx, u.ChatID, u.Callback.MessageID,
			"Could not reach Dailymotion to test. Please try again later.")
	}
}

func channelKeyboard(channels []store.Channel, action string) [][]Button {
	rows := make([][]Button, 0, len(channels)+1)
	for _, ch := range channels {
		rows = append(rows, []Button{{Label: ch.Name, Data: fmt.Sprintf("%s:%d", action, ch.ID)}})
	}
	rows = append(rows, []Button{{Label: "Cancel", Data: "cancel"}})
	return rows
}

func parseID(data string) int64 {
	_, raw, ok := strings.Cut(data, ":")
	if !ok {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Send helpers swallow transport errors after logging; a failed delivery
// must not abort the flow that triggered it.

func (b *Bot) send(ctx context.Context, chatID int64, text string) int {
	id, err := b.transport.SendMessage(ctx, chatID, text)
	if err != nil {
		b.log.Warn("send failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
	return id
}

func (b *Bot) sendKeyboard(ctx context.Context, chatID int64, text string, rows [][]Button) int {
	id, err := b.transport.SendMessageWithKeyboard(ctx, chatID, text, rows)
	if err != nil {
		b.log.Warn("send keyboard failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
	return id
}

func (b *Bot) edit(ctx context.Context, chatID int64, messageID int, text string) {
	if err := b.transport.EditMessage(ctx, chatID, messageID, text); err != nil {
		b.log.Warn("edit failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
	}
}

func (b *Bot) answer(ctx context.Context, callbackID, text string) {
	if err := b.transport.AnswerCallback(ctx, callbackID, text); err != nil {
		b.log.Warn("answer callback failed", slog.Any("err", err))
	}
}

const startText = `Hi! I publish your videos to Dailymotion.

Quick start:
1. /addchannel - register a Dailymotion channel with its API credentials
2. Send me a video file, or use /upload
3. I upload it and reply with the public link

Send /help for all commands.`

const helpText = `Commands:
/addchannel - register a Dailymotion channel (guided setup)
/upload - pick a channel, then send a video
/list - show your registered channels
/rmchannel - remove a channel and its credentials
/testauth - verify a channel's credentials still work
/cancel - abort the current operation

You can also just send a video file and pick a channel afterwards.
Supported formats: mp4, avi, mov, mkv, wmv, flv, webm, m4v. Max 2 GB.`
