package dailymotion

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrFileEmpty signals a zero-byte candidate file.
	ErrFileEmpty = errors.New("file is empty")
	// ErrFileTooLarge signals a file over the configured size cap.
	ErrFileTooLarge = errors.New("file exceeds maximum upload size")
	// ErrUnsupportedType signals an extension or MIME type outside the allow-list.
	ErrUnsupportedType = errors.New("unsupported video format")
)

// allowedExtensions are the container formats Dailymotion accepts for upload.
var allowedExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".wmv":  true,
	".flv":  true,
	".webm": true,
	".m4v":  true,
}

// allowedMIMETypes mirrors allowedExtensions for callers that know the
// declared content type (Telegram reports one on video messages).
var allowedMIMETypes = map[string]bool{
	"video/mp4":         true,
	"video/avi":         true,
	"video/quicktime":   true,
	"video/x-msvideo":   true,
	"video/x-matroska":  true,
	"video/webm":        true,
	"video/x-ms-wmv":    true,
	"video/x-flv":       true,
}

// AllowedExtension reports whether the filename's extension is uploadable.
// The check is case-insensitive.
func AllowedExtension(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// AllowedMIME reports whether a declared content type is uploadable. An empty
// content type passes; the extension check is the authority then.
func AllowedMIME(mime string) bool {
	if mime == "" {
		return true
	}
	return allowedMIMETypes[strings.ToLower(mime)]
}

// ValidateFile checks a downloaded file on disk before any network work:
// it must exist, be non-empty, fit under maxBytes, and carry an allowed
// extension. maxBytes <= 0 disables the size cap.
func ValidateFile(path string, maxBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a video file", filepath.Base(path))
	}
	if info.Size() == 0 {
		return ErrFileEmpty
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, info.Size(), maxBytes)
	}
	if !AllowedExtension(path) {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(path))
	}
	return nil
}
