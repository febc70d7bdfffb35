package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thaimozhi-2005/New-Daily/conversation"
	"github.com/thaimozhi-2005/New-Daily/dailymotion"
	"github.com/thaimozhi-2005/New-Daily/store"
	"github.com/thaimozhi-2005/New-Daily/upload"
)

func (b *Bot) cmdUpload(ctx context.Context, u Update) {
	channels, err := b.channels.ListChannels(ctx, u.UserID)
	if err != nil {
		b.send(ctx, u.ChatID, "Could not load your channels right now. Please try again.")
		return
	}
	if len(channels) == 0 {
		b.send(ctx, u.ChatID, "You need a channel first. Send /addchannel to register your Dailymotion credentials.")
		return
	}
	b.conv.Begin(u.UserID, conversation.StepSelectChannel)
	b.sendKeyboard(ctx, u.ChatID, "Which channel should the video go to?", channelKeyboard(channels, "upload"))
}

// handleFile is the entry point for an incoming video. Cheap checks happen
// before any download: extension, declared MIME type, and the size Telegram
// reports.
func (b *Bot) handleFile(ctx context.Context, u Update) {
	f := u.File
	if f.FileName != "" && !dailymotion.AllowedExtension(f.FileName) {
		b.send(ctx, u.ChatID, "That file type isn't supported. Send a video as mp4, avi, mov, mkv, wmv, flv, webm, or m4v.")
		return
	}
	if !dailymotion.AllowedMIME(f.MimeType) {
		b.send(ctx, u.ChatID, "That doesn't look like a video I can upload. Send a standard video file.")
		return
	}
	if b.cfg.MaxUploadBytes > 0 && f.Size > b.cfg.MaxUploadBytes {
		b.send(ctx, u.ChatID, fmt.Sprintf("That file is too large. The limit is %d MB.", b.cfg.MaxUploadBytes>>20))
		return
	}

	// A channel already picked via /upload means we can go straight to work.
	if st := b.conv.Get(u.UserID); st != nil && st.Step == conversation.StepAwaitingVideo && st.Upload.ChannelID != 0 {
		ch, err := b.channels.GetChannel(ctx, u.UserID, st.Upload.ChannelID)
		b.conv.Clear(u.UserID)
		if err != nil {
			b.send(ctx, u.ChatID, "That channel no longer exists. Send the video again and pick another.")
			return
		}
		b.startUpload(ctx, u.ChatID, ch, *f)
		return
	}

	channels, err := b.channels.ListChannels(ctx, u.UserID)
	if err != nil {
		b.send(ctx, u.ChatID, "Could not load your channels right now. Please try again.")
		return
	}
	if len(channels) == 0 {
		b.send(ctx, u.ChatID, "You need a channel first. Send /addchannel to register your Dailymotion credentials, then send the video again.")
		return
	}

	st := b.conv.Begin(u.UserID, conversation.StepSelectChannel)
	st.Upload = conversation.PendingUpload{
		FileID:   f.FileID,
		FileName: f.FileName,
		FileSize: f.Size,
		MimeType: f.MimeType,
	}
	b.sendKeyboard(ctx, u.ChatID, "Got it. Which channel should this go to?", channelKeyboard(channels, "upload"))
}

func (b *Bot) callbackUpload(ctx context.Context, u Update, id int64) {
	st := b.conv.Get(u.UserID)
	if st == nil {
		b.answer(ctx, u.Callback.ID, "Expired")
		b.edit(ctx, u.ChatID, u.Callback.MessageID, "That selection expired. Send the video again.")
		return
	}

	ch, err := b.channels.GetChannel(ctx, u.UserID, id)
	if err != nil {
		b.answer(ctx, u.Callback.ID, "Not found")
		b.edit(ctx, u.ChatID, u.Callback.MessageID, "That channel no longer exists. Pick another or /cancel.")
		return
	}

	// No file yet: remember the channel and wait for one.
	if st.Upload.FileID == "" {
		st.Step = conversation.StepAwaitingVideo
		st.Upload.ChannelID = ch.ID
		b.conv.Touch(u.UserID)
		b.answer(ctx, u.Callback.ID, ch.Name)
		b.edit(ctx, u.ChatID, u.Callback.MessageID, fmt.Sprintf("Uploading to %q. Now send me the video file.", ch.Name))
		return
	}

	file := FileAttachment{
		FileID:   st.Upload.FileID,
		FileName: st.Upload.FileName,
		Size:     st.Upload.FileSize,
		MimeType: st.Upload.MimeType,
	}
	b.conv.Clear(u.UserID)
	b.answer(ctx, u.Callback.ID, ch.Name)
	b.edit(ctx, u.ChatID, u.Callback.MessageID, fmt.Sprintf("Uploading to %q.", ch.Name))
	b.startUpload(ctx, u.ChatID, ch, file)
}

// startUpload runs the pipeline synchronously in the caller's goroutine;
// the dispatcher runs each update in its own goroutine, so long transfers
// do not block other users.
func (b *Bot) startUpload(ctx context.Context, chatID int64, ch store.Channel, f FileAttachment) {
	statusID := b.send(ctx, chatID, "Starting upload...")

	res := upload.Run(ctx, upload.Params{
		Channel:   ch,
		FileID:    f.FileID,
		FileName:  f.FileName,
		FileSize:  f.Size,
		Source:    transportSource{b.transport},
		Status:    &messageStatus{bot: b, ctx: ctx, chatID: chatID, messageID: statusID},
		DataDir:   b.cfg.DataDir,
		MaxBytes:  b.cfg.MaxUploadBytes,
		NewClient: b.newUploadClient,
		Tokens:    tokenSaver{b.channels},
		DB:        b.db,
	})

	switch res.Outcome {
	case upload.Success:
		b.edit(ctx, chatID, statusID, "Upload complete!")
		b.send(ctx, chatID, fmt.Sprintf("Your video is live: %s", res.URL))
	case upload.Canceled:
		b.edit(ctx, chatID, statusID, "Upload canceled.")
	case upload.AuthFailed:
		b.edit(ctx, chatID, statusID, "Upload failed: "+res.Hint)
	default:
		hint := res.Hint
		if hint == "" {
			hint = "Please try again."
		}
		b.edit(ctx, chatID, statusID, "Upload failed. "+hint)
	}
	if res.Err != nil {
		b.log.Warn("upload ended with error",
			slog.String("outcome", res.Outcome.String()),
			slog.Int64("channel_id", ch.ID),
			slog.Any("err", res.Err))
	}
}

// transportSource adapts Transport's file download to the pipeline's
// MediaSource shape.
type transportSource struct {
	t Transport
}

func (s transportSource) Download(ctx context.Context, fileID, dest string, progress func(received, total int64)) error {
	return s.t.DownloadFile(ctx, fileID, dest, progress)
}

// messageStatus edits a single chat message in place as progress advances.
type messageStatus struct {
	bot       *Bot
	ctx       context.Context
	chatID    int64
	messageID int
}

func (m *messageStatus) Update(text string) {
	if m.messageID == 0 {
		return
	}
	m.bot.edit(m.ctx, m.chatID, m.messageID, text)
}

// tokenSaver narrows Channels to the pipeline's token persistence hook.
type tokenSaver struct {
	channels Channels
}

func (t tokenSaver) UpdateTokens(ctx context.Context, channelID int64, access, refresh string) {
	t.channels.UpdateTokens(ctx, channelID, access, refresh)
}
