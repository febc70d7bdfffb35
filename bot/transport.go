package bot

import "context"

// Button is one inline keyboard button. Data round-trips through the chat
// platform and comes back on a Callback.
type Button struct {
	Label string
	Data  string
}

// FileAttachment describes a media file the user sent.
type FileAttachment struct {
	FileID   string
	FileName string
	MimeType string
	Size     int64
	Duration int
}

// Callback is a pressed inline keyboard button.
type Callback struct {
	ID        string
	Data      string
	MessageID int
}

// Update is one normalized incoming event. Exactly one of Command, Text,
// File, or Callback is the payload; the rest of the fields are routing.
type Update struct {
	UserID    int64
	ChatID    int64
	MessageID int

	Command string
	Args    string
	Text    string

	File     *FileAttachment
	Callback *Callback
}

// Transport abstracts the chat platform. The production implementation
// wraps the Telegram Bot API; tests substitute an in-memory fake.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) (messageID int, err error)
	SendMessageWithKeyboard(ctx context.Context, chatID int64, text string, rows [][]Button) (messageID int, err error)
	EditMessage(ctx context.Context, chatID int64, messageID int, text string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
	DownloadFile(ctx context.Context, fileID, dest string, progress func(received, total int64)) error
}
