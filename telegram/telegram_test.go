package telegram

import (
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func baseMessage() *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: 111},
		Chat:      &tgbotapi.Chat{ID: 222},
	}
}

func TestNormalizeCommand(t *testing.T) {
	msg := baseMessage()
	msg.Text = "/addchannel now"
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 11}}

	u, ok := normalize(tgbotapi.Update{Message: msg})
	if !ok {
		t.Fatal("expected actionable update")
	}
	if u.Command != "addchannel" || u.Args != "now" {
		t.Errorf("command = %q args = %q", u.Command, u.Args)
	}
	if u.UserID != 111 || u.ChatID != 222 || u.MessageID != 10 {
		t.Errorf("routing fields wrong: %+v", u)
	}
}

func TestNormalizeVideo(t *testing.T) {
	msg := baseMessage()
	msg.Video = &tgbotapi.Video{
		FileID:   "vid-1",
		FileName: "",
		MimeType: "video/mp4",
		FileSize: 4096,
		Duration: 12,
	}

	u, ok := normalize(tgbotapi.Update{Message: msg})
	if !ok || u.File == nil {
		t.Fatal("expected file attachment")
	}
	if u.File.FileName != "video.mp4" {
		t.Errorf("unnamed video should default filename, got %q", u.File.FileName)
	}
	if u.File.Size != 4096 || u.File.Duration != 12 {
		t.Errorf("file fields wrong: %+v", u.File)
	}
}

func TestNormalizeDocument(t *testing.T) {
	msg := baseMessage()
	msg.Document = &tgbotapi.Document{
		FileID:   "doc-1",
		FileName: "movie.mkv",
		MimeType: "video/x-matroska",
		FileSize: 8192,
	}

	u, ok := normalize(tgbotapi.Update{Message: msg})
	if !ok || u.File == nil {
		t.Fatal("expected file attachment")
	}
	if u.File.FileName != "movie.mkv" || u.File.MimeType != "video/x-matroska" {
		t.Errorf("file fields wrong: %+v", u.File)
	}
}

func TestNormalizeCallback(t *testing.T) {
	u, ok := normalize(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb-9",
		Data:    "upload:3",
		From:    &tgbotapi.User{ID: 111},
		Message: &tgbotapi.Message{MessageID: 55, Chat: &tgbotapi.Chat{ID: 222}},
	}})
	if !ok || u.Callback == nil {
		t.Fatal("expected callback update")
	}
	if u.Callback.Data != "upload:3" || u.Callback.MessageID != 55 || u.UserID != 111 {
		t.Errorf("callback fields wrong: %+v", u)
	}
}

func TestNormalizeDropsEmptyUpdates(t *testing.T) {
	if _, ok := normalize(tgbotapi.Update{}); ok {
		t.Error("empty update should be dropped")
	}
	if _, ok := normalize(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}}}); ok {
		t.Error("message without sender should be dropped")
	}
}
