// Package logger is the process-wide log sink. Entries are kept in a bounded
// in-memory list so they can be included in diagnostic dumps, and are optionally
// echoed through a slog handler as they arrive.
//
// Logging never fails the caller: there is no error return anywhere in this package.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Severity of a log entry.
type Severity int

const (
	Debug Severity = iota
	Info
	Error
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Error:
		return "error"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func (s Severity) level() slog.Level {
	switch s {
	case Debug:
		return slog.LevelDebug
	case Error:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Entry is a single line in the log.
type Entry struct {
	Timestamp time.Time
	Severity  Severity
	Message   string
	repeated  int
}

func (e Entry) String() string {
	s := fmt.Sprintf("%s: %s", e.Severity, e.Message)
	if e.repeated > 0 {
		s = fmt.Sprintf("%s (repeat x%d)", s, e.repeated+1)
	}
	return s + "\n"
}

type logger struct {
	crit       sync.Mutex
	maxEntries int
	entries    []Entry
	echo       *slog.Logger
}

// maximum number of entries kept by the central logger
const maxCentral = 256

var central = newLogger(maxCentral)

func newLogger(maxEntries int) *logger {
	return &logger{maxEntries: maxEntries}
}

func (l *logger) log(sev Severity, msg string) {
	msg = strings.ReplaceAll(msg, "\n", " ")

	l.crit.Lock()
	defer l.crit.Unlock()

	now := time.Now()
	if n := len(l.entries); n > 0 && l.entries[n-1].Message == msg && l.entries[n-1].Severity == sev {
		l.entries[n-1].repeated++
		l.entries[n-1].Timestamp = now
	} else {
		l.entries = append(l.entries, Entry{Timestamp: now, Severity: sev, Message: msg})
		if len(l.entries) > l.maxEntries {
			l.entries = l.entries[len(l.entries)-l.maxEntries:]
		}
	}

	if l.echo != nil {
		l.echo.Log(context.Background(), sev.level(), msg)
	}
}

func (l *logger) tail(output io.Writer, number int) {
	l.crit.Lock()
	defer l.crit.Unlock()
	if number > len(l.entries) || number < 0 {
		number = len(l.entries)
	}
	for _, e := range l.entries[len(l.entries)-number:] {
		io.WriteString(output, e.String())
	}
}

// Log adds an entry to the central log.
func Log(sev Severity, msg string) {
	central.log(sev, msg)
}

// Logf adds a formatted entry to the central log.
func Logf(sev Severity, format string, args ...any) {
	central.log(sev, fmt.Sprintf(format, args...))
}

// Tail writes the last number entries to output. A negative number writes
// every entry.
func Tail(output io.Writer, number int) {
	central.tail(output, number)
}

// Entries returns a copy of the current entries.
func Entries() []Entry {
	central.crit.Lock()
	defer central.crit.Unlock()
	c := make([]Entry, len(central.entries))
	copy(c, central.entries)
	return c
}

// Clear removes all entries.
func Clear() {
	central.crit.Lock()
	defer central.crit.Unlock()
	central.entries = central.entries[:0]
}

// SetEcho prints entries of at least the given severity to output as they are
// logged. A nil output turns echoing off.
func SetEcho(output io.Writer, min Severity) {
	central.crit.Lock()
	defer central.crit.Unlock()
	if output == nil {
		central.echo = nil
		return
	}
	central.echo = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: min.level()}))
}
