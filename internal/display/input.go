package display

import (
	"context"
	"errors"
	"os"

	"golang.org/x/term"
)

// Command is a user input for the slideshow.
type Command int

const (
	CmdNext Command = iota + 1
	CmdPrev
	CmdPause
	CmdQuit
)

func (c Command) String() string {
	switch c {
	case CmdNext:
		return "next"
	case CmdPrev:
		return "prev"
	case CmdPause:
		return "pause"
	case CmdQuit:
		return "quit"
	default:
		return "unknown"
	}
}

// Keyboard reads slideshow commands from a terminal in raw mode.
type Keyboard struct {
	in    *os.File
	state *term.State
}

// OpenKeyboard puts the terminal on in into raw mode. It fails if in is
// not a terminal, for example when running under a service manager.
func OpenKeyboard(in *os.File) (*Keyboard, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Keyboard{in: in, state: state}, nil
}

// Commands starts reading keys. The channel is closed when input ends.
// A read blocked on the terminal outlives ctx until the next key press.
func (k *Keyboard) Commands(ctx context.Context) <-chan Command {
	out := make(chan Command, 4)
	go func() {
		defer close(out)
		var dec keyDecoder
		buf := make([]byte, 32)
		for {
			n, err := k.in.Read(buf)
			if err != nil {
				return
			}
			for _, cmd := range dec.feed(buf[:n]) {
				select {
				case out <- cmd:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close restores the terminal.
func (k *Keyboard) Close() error {
	return term.Restore(int(k.in.Fd()), k.state)
}

// keyDecoder maps raw terminal bytes to commands:
// right arrow, space, n -> next; left arrow, b -> prev; p -> pause;
// q, Esc, Ctrl-C -> quit.
type keyDecoder struct {
	seq []byte
}

// feed decodes one read. A lone Esc at the end of a read is the Esc key;
// terminals send arrow keys as one write, so a read ending in Esc is never
// the start of a sequence.
func (d *keyDecoder) feed(b []byte) []Command {
	var cmds []Command
	for i := 0; i < len(b); i++ {
		c := b[i]
		if len(d.seq) > 0 {
			d.seq = append(d.seq, c)
			if len(d.seq) == 2 && c != '[' && c != 'O' {
				// Esc followed by a plain key.
				d.seq = d.seq[:0]
				cmds = append(cmds, CmdQuit)
				cmds = append(cmds, d.feed([]byte{c})...)
				continue
			}
			if len(d.seq) >= 3 && (c >= 0x40 && c <= 0x7e) {
				switch c {
				case 'C':
					cmds = append(cmds, CmdNext)
				case 'D':
					cmds = append(cmds, CmdPrev)
				}
				d.seq = d.seq[:0]
			}
			continue
		}

		switch c {
		case 0x1b:
			if i == len(b)-1 {
				cmds = append(cmds, CmdQuit)
			} else {
				d.seq = append(d.seq, c)
			}
		case ' ', 'n', 'N':
			cmds = append(cmds, CmdNext)
		case 'b', 'B':
			cmds = append(cmds, CmdPrev)
		case 'p', 'P':
			cmds = append(cmds, CmdPause)
		case 'q', 'Q', 0x03:
			cmds = append(cmds, CmdQuit)
		}
	}
	return cmds
}
