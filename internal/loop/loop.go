// Package loop runs an emulated system at a fixed frame rate.
//
// One iteration drains the host's pending input events, advances the system by
// one frame when it is running and not paused, and presents the framebuffer.
// Run then sleeps off whatever is left of the frame budget. A slow iteration
// only delays the next one: there is no frame skipping and no catch up.
//
// The Session owns the system and the exit flag. Faults raised by the system
// while advancing are logged and never end the loop; only a quit event or a
// cancelled context does.
package loop

import (
	"context"
	"time"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/emu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
)

// System is the emulated machine driven by the loop.
type System interface {
	LoadROM(path string) error
	Start() error
	RunFrame() error
	Step() error
	StepFrame() error
	TogglePause() error
	Resume() error
	IsRunning() bool
	IsPaused() bool
	Loaded() bool
	Framebuffer() []byte
	SetButtons(emu.Buttons)
	Close()
}

// Host is the input and presentation boundary.
type Host interface {
	// PollEvents returns the events that arrived since the last call without
	// blocking.
	PollEvents() []Event

	// Present shows a 160x144 RGBA framebuffer.
	Present(fb []byte) error
}

// ButtonSource is implemented by hosts that map keys to the joypad.
type ButtonSource interface {
	Buttons() emu.Buttons
}

// Clock measures and sleeps off the frame budget.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type wallClock struct{}

func (wallClock) Now() time.Time        { return time.Now() }
func (wallClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config contains settings for the execution loop.
type Config struct {
	FrameRate float64 // frames per second
}

// Defaults returns the loop configuration: 60 frames per second.
func Defaults() Config {
	return Config{FrameRate: 60}
}

// Budget returns the wall clock time of one frame.
func (c Config) Budget() time.Duration {
	if c.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.FrameRate)
}

// Session is one run of the loop over one system.
type Session struct {
	sys    System
	host   Host
	clock  Clock
	budget time.Duration

	exitRequested bool
	closed        bool
}

// New returns a session driving sys through host.
func New(sys System, host Host, cfg Config) *Session {
	return &Session{
		sys:    sys,
		host:   host,
		clock:  wallClock{},
		budget: cfg.Budget(),
	}
}

// SetClock replaces the wall clock.
func (s *Session) SetClock(c Clock) { s.clock = c }

// RequestExit makes the loop exit at the end of the current iteration.
func (s *Session) RequestExit() {
	if !s.exitRequested {
		logger.Log(logger.Info, "main loop exit requested")
	}
	s.exitRequested = true
}

// ExitRequested reports whether the loop is going to exit.
func (s *Session) ExitRequested() bool { return s.exitRequested }

// Load replaces the running system's cartridge with the ROM at path and starts
// it. A failed load is logged and leaves the system stopped.
func (s *Session) Load(path string) bool {
	if err := s.sys.LoadROM(path); err != nil {
		logger.Logf(logger.Error, "%v", err)
		return false
	}
	if err := s.sys.Start(); err != nil {
		logger.Logf(logger.Error, "start %s: %v", path, err)
		return false
	}
	return true
}

// Run iterates until an exit is requested or ctx is cancelled, then tears the
// system down.
func (s *Session) Run(ctx context.Context) {
	logger.Log(logger.Info, "starting main loop")
	defer logger.Log(logger.Info, "exited main loop")
	defer s.Close()

	for !s.exitRequested {
		if ctx.Err() != nil {
			s.RequestExit()
			break
		}
		start := s.clock.Now()
		s.Iterate()
		if s.exitRequested {
			break
		}
		if d := SleepFor(s.budget, s.clock.Now().Sub(start)); d > 0 {
			s.clock.Sleep(d)
		}
	}
}

// SleepFor returns the time left of budget after elapsed, never negative.
func SleepFor(budget, elapsed time.Duration) time.Duration {
	if elapsed >= budget {
		return 0
	}
	return budget - elapsed
}

// Iterate runs one iteration without pacing. Hosts that schedule their own
// ticks call it once per tick.
func (s *Session) Iterate() {
	for _, ev := range s.host.PollEvents() {
		s.handleEvent(ev)
	}
	if s.exitRequested {
		return
	}

	if bs, ok := s.host.(ButtonSource); ok {
		s.sys.SetButtons(bs.Buttons())
	}
	if s.sys.IsRunning() && !s.sys.IsPaused() {
		if err := s.sys.RunFrame(); err != nil {
			logger.Logf(logger.Error, "frame: %v", err)
		}
	}
	if err := s.host.Present(s.sys.Framebuffer()); err != nil {
		logger.Logf(logger.Error, "present: %v", err)
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.ID {
	case EventQuit:
		s.RequestExit()
	case EventDropFile:
		if d, ok := ev.Data.(EventDataDropFile); ok {
			s.Load(d.Path)
		}
	case EventKey:
		if d, ok := ev.Data.(EventDataKey); ok {
			s.handleKey(d.Action)
		}
	}
}

func (s *Session) handleKey(action Action) {
	if !s.sys.Loaded() {
		return
	}
	var err error
	switch action {
	case ActionTogglePause:
		if s.sys.IsRunning() {
			err = s.sys.TogglePause()
		}
	case ActionStepInstruction:
		if s.sys.IsPaused() {
			err = s.sys.Step()
		}
	case ActionStepFrame:
		if s.sys.IsPaused() {
			err = s.sys.StepFrame()
		}
	case ActionResume:
		if s.sys.IsPaused() {
			err = s.sys.Resume()
		}
	}
	if err != nil {
		logger.Logf(logger.Error, "%s: %v", action, err)
	}
}

// Close dumps and tears down a loaded system. It runs once; Run calls it on
// exit.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.sys.Loaded() {
		s.sys.Close()
	}
}
