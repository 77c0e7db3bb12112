package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogin(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    string
		wantErr error
	}{
		{name: "plain", line: "LOGIN:alice", want: "alice"},
		{name: "surrounding whitespace", line: "  LOGIN:  bob \r", want: "bob"},
		{name: "missing marker", line: "HELLO:alice", wantErr: ErrInvalidLoginFormat},
		{name: "lowercase marker", line: "login:alice", wantErr: ErrInvalidLoginFormat},
		{name: "empty line", line: "", wantErr: ErrInvalidLoginFormat},
		{name: "empty username", line: "LOGIN:", wantErr: ErrEmptyUsername},
		{name: "blank username", line: "LOGIN:   ", wantErr: ErrEmptyUsername},
		{name: "inner space", line: "LOGIN:al ice", wantErr: ErrInvalidLoginFormat},
		{name: "brackets", line: "LOGIN:[bob]", wantErr: ErrInvalidLoginFormat},
		{name: "reserved", line: "LOGIN:system", wantErr: ErrReservedUsername},
		{name: "too long", line: "LOGIN:" + strings.Repeat("x", MaxUsernameLength+1), wantErr: ErrUsernameTooLong},
		{name: "max length", line: "LOGIN:" + strings.Repeat("x", MaxUsernameLength), want: strings.Repeat("x", MaxUsernameLength)},
		{name: "colon in name", line: "LOGIN:a:b", want: "a:b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLogin(tt.line)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRejectionLine(t *testing.T) {
	assert.Equal(t, InvalidFormatLine, RejectionLine(ErrInvalidLoginFormat))
	assert.Equal(t, EmptyUsernameLine, RejectionLine(ErrEmptyUsername))
	assert.Equal(t, ReservedUsernameLine, RejectionLine(ErrReservedUsername))
	assert.Equal(t, UsernameTooLongLine, RejectionLine(ErrUsernameTooLong))
	assert.Equal(t, LineTooLongLine, RejectionLine(ErrLineTooLong))
	assert.Equal(t, InvalidFormatLine, RejectionLine(io.ErrUnexpectedEOF))
}

func TestIsQuit(t *testing.T) {
	assert.True(t, IsQuit("/quit"))
	assert.True(t, IsQuit("/QUIT"))
	assert.True(t, IsQuit("  /Quit \r"))
	assert.False(t, IsQuit("/quitter"))
	assert.False(t, IsQuit("quit"))
}

func TestFormatLine(t *testing.T) {
	assert.Equal(t, "[alice] hello\n", string(FormatLine("alice", "hello")))
	assert.Equal(t, "[SYSTEM] a b c\n", string(FormatLine("SYSTEM", "a\nb\r\nc")))
}

func TestFormattedLineLimit(t *testing.T) {
	assert.Equal(t, FormattedLineLimit(DefaultMaxLineBytes), FormattedLineLimit(0))

	sender := strings.Repeat("u", MaxUsernameLength)
	text := strings.Repeat("x", 100)
	line := strings.TrimSuffix(string(FormatLine(sender, text)), "\n")
	assert.Len(t, line, FormattedLineLimit(100))

	got, err := NewLineReader(strings.NewReader(line+"\n"), FormattedLineLimit(100)).ReadLine()
	require.NoError(t, err)
	assert.Equal(t, line, got)
}

func TestParseChatLine(t *testing.T) {
	sender, text, ok := ParseChatLine("[alice] hello world")
	require.True(t, ok)
	assert.Equal(t, "alice", sender)
	assert.Equal(t, "hello world", text)

	sender, text, ok = ParseChatLine("[bob]")
	require.True(t, ok)
	assert.Equal(t, "bob", sender)
	assert.Empty(t, text)

	_, _, ok = ParseChatLine(WelcomeLine("alice"))
	assert.False(t, ok)
}

func TestLineReader(t *testing.T) {
	t.Run("splits lines and strips CRLF", func(t *testing.T) {
		r := NewLineReader(strings.NewReader("one\r\ntwo\nthree"), 0)

		for _, want := range []string{"one", "two", "three"} {
			line, err := r.ReadLine()
			require.NoError(t, err)
			assert.Equal(t, want, line)
		}

		_, err := r.ReadLine()
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("rejects long line within buffer", func(t *testing.T) {
		r := NewLineReader(strings.NewReader(strings.Repeat("a", 11)+"\n"), 10)
		_, err := r.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong)
	})

	t.Run("rejects long line beyond buffer", func(t *testing.T) {
		r := NewLineReader(strings.NewReader(strings.Repeat("a", 10000)), 5000)
		_, err := r.ReadLine()
		assert.ErrorIs(t, err, ErrLineTooLong)
	})

	t.Run("accepts line spanning buffer refills", func(t *testing.T) {
		long := strings.Repeat("b", 6000)
		r := NewLineReader(strings.NewReader(long+"\nnext\n"), 8000)

		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, long, line)

		line, err = r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "next", line)
	})

	t.Run("skip resumes after long line", func(t *testing.T) {
		tests := []struct {
			name string
			long int
		}{
			{"within buffer", 20},
			{"beyond buffer", 10000},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := NewLineReader(strings.NewReader(strings.Repeat("c", tt.long)+"\nnext\n"), 10)

				_, err := r.ReadLine()
				require.ErrorIs(t, err, ErrLineTooLong)
				require.NoError(t, r.Skip())

				line, err := r.ReadLine()
				require.NoError(t, err)
				assert.Equal(t, "next", line)
			})
		}
	})

	t.Run("skip without pending line is a no-op", func(t *testing.T) {
		r := NewLineReader(strings.NewReader("one\n"), 0)
		require.NoError(t, r.Skip())
		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "one", line)
	})

	t.Run("replaces invalid utf8", func(t *testing.T) {
		r := NewLineReader(strings.NewReader("a\xffb\n"), 0)
		line, err := r.ReadLine()
		require.NoError(t, err)
		assert.Equal(t, "a�b", line)
	})
}
