// Package termhost is a headless debug host for the execution loop. Keys are
// read from a raw mode terminal and frames are reported as a status line, so a
// ROM can be paused and single stepped over ssh.
//
//	p  toggle pause    s  step instruction
//	f  step frame      r  resume
//	q  quit (also ctrl-c and ctrl-d)
package termhost

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/loop"
)

// number of key presses buffered between polls
const keyBuffer = 64

// Status reports the state shown after the frame counter.
type Status func() string

// Host reads keys on a goroutine and hands them to the loop on PollEvents.
type Host struct {
	out    io.Writer
	keys   chan byte
	done   chan struct{}
	status Status

	// frames between status lines
	every  int
	frames int

	fd       uintptr
	raw      bool
	original unix.Termios
}

// New returns a host reading keys from in. If in is a terminal it is switched
// to raw mode until Restore is called.
func New(in *os.File, out io.Writer, every int) (*Host, error) {
	h := newHost(out, every)
	if term.IsTerminal(int(in.Fd())) {
		if err := h.enableRawMode(in.Fd()); err != nil {
			return nil, err
		}
	}
	go h.readKeys(in)
	return h, nil
}

func newHost(out io.Writer, every int) *Host {
	if every <= 0 {
		every = 60
	}
	return &Host{
		out:   out,
		keys:  make(chan byte, keyBuffer),
		done:  make(chan struct{}),
		every: every,
	}
}

// SetStatus sets the function consulted for the status line.
func (h *Host) SetStatus(s Status) { h.status = s }

func (h *Host) enableRawMode(fd uintptr) error {
	if err := termios.Tcgetattr(fd, &h.original); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	raw := h.original
	raw.Lflag &^= unix.ICANON | unix.ECHO | unix.ISIG
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := termios.Tcsetattr(fd, termios.TCSANOW, &raw); err != nil {
		return fmt.Errorf("terminal: %w", err)
	}
	h.fd = fd
	h.raw = true
	return nil
}

// Restore leaves raw mode.
func (h *Host) Restore() {
	if !h.raw {
		return
	}
	_ = termios.Tcsetattr(h.fd, termios.TCSANOW, &h.original)
	h.raw = false
	fmt.Fprintln(h.out)
}

// readKeys forwards bytes from r until it fails. Keys pressed while the buffer
// is full are dropped.
func (h *Host) readKeys(r io.Reader) {
	defer close(h.done)
	buf := make([]byte, 16)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			select {
			case h.keys <- b:
			default:
			}
		}
		if err != nil {
			return
		}
	}
}

// PollEvents implements loop.Host.
func (h *Host) PollEvents() []loop.Event {
	var evs []loop.Event
	for {
		select {
		case b := <-h.keys:
			if ev, ok := translate(b); ok {
				evs = append(evs, ev)
			}
		default:
			return evs
		}
	}
}

func translate(b byte) (loop.Event, bool) {
	switch b {
	case 'q', 'Q', 0x03, 0x04:
		return loop.Quit(), true
	case 'p', 'P', ' ':
		return loop.Key(loop.ActionTogglePause), true
	case 's', 'S':
		return loop.Key(loop.ActionStepInstruction), true
	case 'f', 'F':
		return loop.Key(loop.ActionStepFrame), true
	case 'r', 'R':
		return loop.Key(loop.ActionResume), true
	}
	return loop.Event{}, false
}

// Present implements loop.Host. Every few frames it rewrites the status line
// with the frame count and a checksum of the picture.
func (h *Host) Present(fb []byte) error {
	h.frames++
	if h.frames%h.every != 0 {
		return nil
	}
	line := fmt.Sprintf("\rframe %6d  crc %08x", h.frames, crc32.ChecksumIEEE(fb))
	if h.status != nil {
		line += "  " + h.status()
	}
	_, err := io.WriteString(h.out, line+"\x1b[K")
	return err
}
