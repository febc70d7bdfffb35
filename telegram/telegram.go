// Package telegram adapts the Telegram Bot API to the bot.Transport
// interface: long-polled updates in, messages and inline keyboards out, and
// streamed file downloads via the file API.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/thaimozhi-2005/New-Daily/bot"
)

// Transport is the production bot.Transport backed by one bot token.
type Transport struct {
	api  *tgbotapi.BotAPI
	http *http.Client
	log  *slog.Logger
}

// New connects to the Telegram Bot API and verifies the token.
func New(token string) (*Transport, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	t := &Transport{
		api:  api,
		http: &http.Client{Timeout: 30 * time.Minute},
		log:  slog.With(slog.String("component", "telegram")),
	}
	t.log.Info("connected", slog.String("bot", api.Self.UserName))
	return t, nil
}

// Updates long-polls Telegram and emits normalized updates until ctx is done.
func (t *Transport) Updates(ctx context.Context) <-chan bot.Update {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	raw := t.api.GetUpdatesChan(cfg)

	out := make(chan bot.Update)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				t.api.StopReceivingUpdates()
				return
			case upd, ok := <-raw:
				if !ok {
					return
				}
				if normalized, ok := normalize(upd); ok {
					select {
					case out <- normalized:
					case <-ctx.Done():
						t.api.StopReceivingUpdates()
						return
					}
				}
			}
		}
	}()
	return out
}

// normalize flattens a raw Telegram update into the dispatcher's shape.
// Updates with no actionable payload (edits, channel posts) are dropped.
func normalize(upd tgbotapi.Update) (bot.Update, bool) {
	if cq := upd.CallbackQuery; cq != nil && cq.Message != nil {
		return bot.Update{
			UserID: cq.From.ID,
			ChatID: cq.Message.Chat.ID,
			Callback: &bot.Callback{
				ID:        cq.ID,
				Data:      cq.Data,
				MessageID: cq.Message.MessageID,
			},
		}, true
	}

	msg := upd.Message
	if msg == nil || msg.From == nil {
		return bot.Update{}, false
	}
	u := bot.Update{
		UserID:    msg.From.ID,
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      msg.Text,
	}
	if msg.IsCommand() {
		u.Command = msg.Command()
		u.Args = msg.CommandArguments()
	}
	switch {
	case msg.Video != nil:
		u.File = &bot.FileAttachment{
			FileID:   msg.Video.FileID,
			FileName: msg.Video.FileName,
			MimeType: msg.Video.MimeType,
			Size:     int64(msg.Video.FileSize),
			Duration: msg.Video.Duration,
		}
		if u.File.FileName == "" {
			u.File.FileName = "video.mp4"
		}
	case msg.Document != nil:
		u.File = &bot.FileAttachment{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			Size:     int64(msg.Document.FileSize),
		}
	}
	return u, true
}

func (t *Transport) SendMessage(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

func (t *Transport) SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, rows [][]bot.Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard(rows)
	sent, err := t.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send keyboard: %w", err)
	}
	return sent.MessageID, nil
}

func (t *Transport) EditMessage(ctx context.Context, chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.api.Send(edit); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (t *Transport) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	del := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := t.api.Request(del); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (t *Transport) AnswerCallback(ctx context.Context, callbackID, text string) error {
	cb := tgbotapi.NewCallback(callbackID, text)
	if _, err := t.api.Request(cb); err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// DownloadFile streams a Telegram-hosted file to dest. The Bot API caps
// downloadable files at 20 MB for bots without a local API server; larger
// files surface as an API error here.
func (t *Transport) DownloadFile(ctx context.Context, fileID, dest string, progress func(received, total int64)) error {
	file, err := t.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return fmt.Errorf("resolve file: %w", err)
	}
	url := file.Link(t.api.Token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	total := resp.ContentLength
	var received int64
	buf := make([]byte, 256*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", dest, werr)
			}
			received += int64(n)
			if progress != nil {
				progress(received, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read file stream: %w", rerr)
		}
	}
	return out.Sync()
}

func keyboard(rows [][]bot.Button) tgbotapi.InlineKeyboardMarkup {
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		kb = append(kb, btns)
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}
