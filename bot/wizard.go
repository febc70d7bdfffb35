package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/thaimozhi-2005/New-Daily/conversation"
	"github.com/thaimozhi-2005/New-Daily/dailymotion"
	"github.com/thaimozhi-2005/New-Daily/store"
	"github.com/thaimozhi-2005/New-Daily/telemetry"
)

const (
	channelNameMax   = 50
	credentialMinLen = 10
)

func (b *Bot) startWizard(ctx context.Context, u Update) {
	b.conv.Begin(u.UserID, conversation.StepChannelName)
	b.send(ctx, u.ChatID, "Let's register a Dailymotion channel.\n\n"+
		"First, give it a name you'll recognize (1-50 characters). Send /cancel anytime to stop.")
}

// wizardInput advances the add-channel wizard one answer at a time. Each
// step validates before moving on; a bad answer re-prompts without losing
// earlier answers.
func (b *Bot) wizardInput(ctx context.Context, u Update, st *conversation.State) {
	text := strings.TrimSpace(u.Text)

	switch st.Step {
	case conversation.StepChannelName:
		if len(text) == 0 || len(text) > channelNameMax {
			b.send(ctx, u.ChatID, fmt.Sprintf("Channel names must be 1-%d characters. Try again:", channelNameMax))
			return
		}
		st.Channel.Name = text
		st.Step = conversation.StepAPIKey
		b.send(ctx, u.ChatID, "Now send the Dailymotion API key (from your Dailymotion partner settings):")

	case conversation.StepAPIKey:
		if len(text) < credentialMinLen {
			b.send(ctx, u.ChatID, "That doesn't look like an API key. It should be at least 10 characters. Try again:")
			return
		}
		st.Channel.APIKey = text
		st.Step = conversation.StepAPISecret
		b.send(ctx, u.ChatID, "Next, the API secret:")

	case conversation.StepAPISecret:
		if len(text) < credentialMinLen {
			b.send(ctx, u.ChatID, "That doesn't look like an API secret. It should be at least 10 characters. Try again:")
			return
		}
		st.Channel.APISecret = text
		st.Step = conversation.StepUsername
		b.send(ctx, u.ChatID, "The Dailymotion account username (usually an email address):")

	case conversation.StepUsername:
		if text == "" {
			b.send(ctx, u.ChatID, "The username cannot be empty. Try again:")
			return
		}
		st.Channel.Username = text
		st.Step = conversation.StepPassword
		b.send(ctx, u.ChatID, "Finally, the account password. I'll delete your message right after reading it:")

	case conversation.StepPassword:
		if text == "" {
			b.send(ctx, u.ChatID, "The password cannot be empty. Try again:")
			return
		}
		st.Channel.Password = text
		// Best effort; the chat may not allow deletion.
		if err := b.transport.DeleteMessage(ctx, u.ChatID, u.MessageID); err != nil {
			b.log.Debug("could not delete password message", slog.Any("err", err))
		}
		b.finishWizard(ctx, u, st)
		return
	}
	b.conv.Touch(u.UserID)
}

// finishWizard verifies the collected credentials with a live token request
// before anything is persisted. Rejected credentials end the wizard without
// writing a row.
func (b *Bot) finishWizard(ctx context.Context, u Update, st *conversation.State) {
	b.send(ctx, u.ChatID, "Checking the credentials with Dailymotion...")

	client := b.newClient(dailymotion.Credentials{
		APIKey:    st.Channel.APIKey,
		APISecret: st.Channel.APISecret,
		Username:  st.Channel.Username,
		Password:  st.Channel.Password,
	})
	defer client.Close()

	result, authErr := client.Authenticate(ctx)
	if authErr != nil {
		b.conv.Clear(u.UserID)
		if result == dailymotion.AuthInvalidCredentials {
			telemetry.AuthFailures.Inc()
			b.send(ctx, u.ChatID, "Dailymotion rejected those credentials, so I didn't save anything. "+
				"Double-check the API key, secret, username and password, then run /addchannel again.")
			return
		}
		b.log.Warn("credential check unreachable", slog.Any("err", authErr), slog.Int64("user_id", u.UserID))
		b.send(ctx, u.ChatID, "Could not reach Dailymotion to verify the credentials, so nothing was saved. "+
			"Please run /addchannel again in a few minutes.")
		return
	}
	access, refresh := client.Tokens()

	ch, err := b.channels.CreateChannel(ctx, store.Channel{
		UserID:       u.UserID,
		Name:         st.Channel.Name,
		APIKey:       st.Channel.APIKey,
		APISecret:    st.Channel.APISecret,
		Username:     st.Channel.Username,
		Password:     st.Channel.Password,
		AccessToken:  access,
		RefreshToken: refresh,
	})
	b.conv.Clear(u.UserID)

	if errors.Is(err, store.ErrDuplicateChannel) {
		b.send(ctx, u.ChatID, fmt.Sprintf("You already have a channel named %q. "+
			"Remove it first with /rmchannel, or run /addchannel again with a different name.", st.Channel.Name))
		return
	}
	if err != nil {
		b.log.Error("create channel", slog.Any("err", err), slog.Int64("user_id", u.UserID))
		b.send(ctx, u.ChatID, "Could not save the channel. Please run /addchannel again.")
		return
	}

	telemetry.ChannelsCreated.Inc()
	b.log.Info("channel registered", slog.Int64("user_id", u.UserID), slog.Int64("channel_id", ch.ID))
	b.send(ctx, u.ChatID, fmt.Sprintf("Channel %q saved. Send me a video file or use /upload to publish. "+
		"You can verify the credentials anytime with /testauth.", ch.Name))
}
