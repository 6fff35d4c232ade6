// Package console adapts a Unix terminal into the UART's host-side endpoint: a raw-mode terminal
// supplies bytes to the UART's receive side and receives whatever the guest writes to the
// transmit side, through the uart.Source contract.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console is a serial console for the machine, simulated using Unix terminal I/O (tty(4),
// termios(4)). Bytes typed at the terminal are buffered and handed out one at a time through
// TryRead, satisfying uart.Source; bytes the guest writes to the UART are written straight through
// to the terminal via Writer.
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	rxCh chan byte
}

// ErrNoTTY is returned if standard input is not a terminal. In this case, asynchronous I/O is not
// supported by the console.
var ErrNoTTY error = errors.New("console: not a TTY")

// New creates a Console using the provided streams. If the input stream is not a terminal, ErrNoTTY
// is returned. Callers are responsible for calling Restore to return the terminal to its initial
// state, typically via a deferred call after checking the error.
func New(sin, sout, serr *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sin, ""),
		state: saved,
		rxCh:  make(chan byte, 80),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return &cons, nil
}

// Start launches the background reader that feeds TryRead. It returns once ctx is cancelled or the
// terminal read fails; callers typically run it in its own goroutine.
func (c *Console) Start(ctx context.Context) {
	c.readTerminal(ctx)
}

// TryRead implements uart.Source: it returns the next byte typed at the terminal, if one is
// buffered, without blocking.
func (c *Console) TryRead() (byte, bool) {
	select {
	case b := <-c.rxCh:
		return b, true
	default:
		return 0, false
	}
}

// Writer returns the io.Writer the UART's transmit side should write to.
func (c *Console) Writer() io.Writer {
	return c.out
}

// Restore returns the terminal to its initial state and unblocks any in-progress read.
func (c *Console) Restore() {
	_ = os.Stdin.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = os.Stdin.SetReadDeadline(time.Time{})

	return nil
}

// readTerminal reads bytes from the terminal and buffers them for TryRead until ctx is cancelled or
// the underlying read fails.
func (c *Console) readTerminal(ctx context.Context) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.rxCh <- b:
		}
	}
}
