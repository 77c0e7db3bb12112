package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// LineReader reads newline-terminated UTF-8 lines with an upper bound on
// line length. A final unterminated line before EOF is returned as a line.
type LineReader struct {
	r   *bufio.Reader
	max int

	// partial is set when ErrLineTooLong left the rest of the line unread.
	partial bool
}

// NewLineReader wraps r. max <= 0 selects DefaultMaxLineBytes.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineBytes
	}
	return &LineReader{
		r:   bufio.NewReaderSize(r, 4096),
		max: max,
	}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
// Invalid UTF-8 is replaced. A line longer than the limit yields
// ErrLineTooLong; call Skip before reading on.
func (l *LineReader) ReadLine() (string, error) {
	var buf []byte
	for {
		frag, err := l.r.ReadSlice('\n')
		buf = append(buf, frag...)

		switch {
		case err == nil:
			return l.finish(buf)
		case errors.Is(err, bufio.ErrBufferFull):
			if len(buf) > l.max {
				l.partial = true
				return "", ErrLineTooLong
			}
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return l.finish(buf)
		default:
			return "", err
		}
	}
}

func (l *LineReader) finish(buf []byte) (string, error) {
	line := strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
	if len(line) > l.max {
		return "", ErrLineTooLong
	}
	return strings.ToValidUTF8(line, "�"), nil
}

// Skip discards the remainder of a line rejected with ErrLineTooLong so the
// next ReadLine starts on the following line. It blocks until that line's
// terminator arrives.
func (l *LineReader) Skip() error {
	for l.partial {
		_, err := l.r.ReadSlice('\n')
		switch {
		case err == nil:
			l.partial = false
		case errors.Is(err, bufio.ErrBufferFull):
		default:
			l.partial = false
			return err
		}
	}
	return nil
}
