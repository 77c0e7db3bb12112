package client

import (
	"io"
	"os"

	"golang.org/x/term"
)

// Terminal is an interactive LineSource. Lines printed through Write
// appear above the prompt without corrupting the line being typed.
type Terminal struct {
	term     *term.Terminal
	fd       int
	oldState *term.State
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// OpenTerminal puts stdin in raw mode and returns a line editor on
// stdin/stdout. Close restores the previous terminal state.
func OpenTerminal(prompt string) (*Terminal, error) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	screen := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}

	t := &Terminal{
		term:     term.NewTerminal(screen, prompt),
		fd:       fd,
		oldState: oldState,
	}
	if width, height, err := term.GetSize(fd); err == nil {
		t.term.SetSize(width, height)
	}
	return t, nil
}

// ReadLine returns the next edited line. Ctrl-D on an empty line yields io.EOF.
func (t *Terminal) ReadLine() (string, error) {
	return t.term.ReadLine()
}

func (t *Terminal) Write(p []byte) (int, error) {
	return t.term.Write(p)
}

// Close restores the terminal.
func (t *Terminal) Close() error {
	return term.Restore(t.fd, t.oldState)
}
