package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/wricardo/mtls-chat/chat"
)

const (
	// LoginMarker prefixes the first line a client sends.
	LoginMarker = "LOGIN:"

	// QuitCommand ends a session when sent by either side (case-insensitive).
	QuitCommand = "/quit"

	// MaxUsernameLength bounds usernames in bytes.
	MaxUsernameLength = 32

	// DefaultMaxLineBytes bounds a single line, excluding the terminator.
	DefaultMaxLineBytes = 4096
)

// Fixed server lines.
const (
	LoginPrompt          = "Please login: send 'LOGIN:<username>'"
	InvalidFormatLine    = "Invalid login format. Bye."
	EmptyUsernameLine    = "Empty username. Bye."
	UsernameTakenLine    = "Username already in use."
	ReservedUsernameLine = "Username is reserved. Bye."
	UsernameTooLongLine  = "Username too long. Bye."
	LineTooLongLine      = "Line too long. Bye."
)

var (
	ErrInvalidLoginFormat = errors.New("invalid login format")
	ErrEmptyUsername      = errors.New("empty username")
	ErrReservedUsername   = errors.New("username is reserved")
	ErrUsernameTooLong    = errors.New("username too long")
	ErrLineTooLong        = errors.New("line too long")
)

// ParseLogin extracts the username from a login line.
//
// The line must start with LoginMarker after surrounding whitespace is
// trimmed. The username is the trimmed remainder; it may not be empty,
// exceed MaxUsernameLength, contain whitespace, control characters or
// brackets, or equal the system sender label.
func ParseLogin(line string) (string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, LoginMarker) {
		return "", ErrInvalidLoginFormat
	}

	username := strings.TrimSpace(strings.TrimPrefix(line, LoginMarker))
	if username == "" {
		return "", ErrEmptyUsername
	}
	if len(username) > MaxUsernameLength {
		return "", ErrUsernameTooLong
	}
	for _, r := range username {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '[' || r == ']' {
			return "", ErrInvalidLoginFormat
		}
	}
	if strings.EqualFold(username, chat.SystemSender) {
		return "", ErrReservedUsername
	}

	return username, nil
}

// LoginLine builds the line a client sends to log in.
func LoginLine(username string) string {
	return LoginMarker + username
}

// RejectionLine maps a login or read error to the line sent before the
// connection is closed. Unknown errors map to the invalid-format line.
func RejectionLine(err error) string {
	switch {
	case errors.Is(err, ErrEmptyUsername):
		return EmptyUsernameLine
	case errors.Is(err, ErrReservedUsername):
		return ReservedUsernameLine
	case errors.Is(err, ErrUsernameTooLong):
		return UsernameTooLongLine
	case errors.Is(err, ErrLineTooLong):
		return LineTooLongLine
	default:
		return InvalidFormatLine
	}
}

func WelcomeLine(username string) string {
	return fmt.Sprintf("Welcome, %s! You can start chatting.", username)
}

func JoinedNotice(username string) string {
	return fmt.Sprintf("%s joined the chat.", username)
}

func LeftNotice(username string) string {
	return fmt.Sprintf("%s left the chat.", username)
}

func KickedNotice(reason string) string {
	if reason == "" {
		return "You have been disconnected by an operator."
	}
	return fmt.Sprintf("You have been disconnected by an operator: %s", reason)
}

// IsQuit reports whether line is the quit command.
func IsQuit(line string) bool {
	return strings.EqualFold(strings.TrimSpace(line), QuitCommand)
}

// FormatLine renders a chat line as "[sender] text\n". Embedded line
// breaks in text are flattened so one message is always one wire line.
func FormatLine(sender, text string) []byte {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	return []byte("[" + sender + "] " + text + "\n")
}

// FormattedLineLimit is the longest broadcast line, excluding the
// terminator, produced for text of at most maxText bytes. Readers of
// server output use it so a maximal chat line from any sender still fits.
// maxText <= 0 selects DefaultMaxLineBytes.
func FormattedLineLimit(maxText int) int {
	if maxText <= 0 {
		maxText = DefaultMaxLineBytes
	}
	return maxText + MaxUsernameLength + len("[] ")
}

// Encode terminates a plain server line for the wire.
func Encode(line string) []byte {
	return []byte(line + "\n")
}

// ParseChatLine splits a received "[sender] text" line. ok is false for
// lines that are not in broadcast format (prompts, welcome, rejections).
func ParseChatLine(line string) (sender, text string, ok bool) {
	if !strings.HasPrefix(line, "[") {
		return "", "", false
	}
	end := strings.Index(line, "] ")
	if end < 0 {
		if strings.HasSuffix(line, "]") {
			return line[1 : len(line)-1], "", true
		}
		return "", "", false
	}
	return line[1:end], line[end+2:], true
}
