package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 16384 // 16KB max frame payload
	MaxTextChars    = 4000  // max character count
)

var (
	// ErrEmptyInput is returned for drafts that are empty after trimming.
	ErrEmptyInput = errors.New("chat: message is empty")

	// ErrInvalidInput is returned for drafts that fail content checks.
	ErrInvalidInput = errors.New("chat: invalid message")
)

// NormalizeInput trims surrounding whitespace from a draft and validates it.
func NormalizeInput(text string) (string, error) {
	text = strings.TrimSpace(text)
	if err := ValidateMessage(text); err != nil {
		return "", err
	}
	return text, nil
}

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return ErrEmptyInput
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrInvalidInput, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: contains invalid UTF-8", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrInvalidInput, MaxTextChars)
	}
	return nil
}
