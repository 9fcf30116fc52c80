package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/emu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
}

// fakeHost hands out one batch of events per poll and quits once the batches
// run out. Each present costs work on the clock.
type fakeHost struct {
	batches  [][]Event
	polls    int
	presents int
	clock    *fakeClock
	work     time.Duration
	err      error
}

func (h *fakeHost) PollEvents() []Event {
	h.polls++
	if len(h.batches) == 0 {
		return []Event{Quit()}
	}
	ev := h.batches[0]
	h.batches = h.batches[1:]
	return ev
}

func (h *fakeHost) Present(fb []byte) error {
	h.presents++
	if h.clock != nil {
		h.clock.now = h.clock.now.Add(h.work)
	}
	return h.err
}

type buttonHost struct {
	*fakeHost
	buttons emu.Buttons
}

func (h *buttonHost) Buttons() emu.Buttons { return h.buttons }

type recordingSystem struct {
	*emu.Machine
	frames  int
	toggles int
	closes  int
	buttons emu.Buttons
}

func (r *recordingSystem) RunFrame() error {
	r.frames++
	return r.Machine.RunFrame()
}

func (r *recordingSystem) TogglePause() error {
	r.toggles++
	return r.Machine.TogglePause()
}

func (r *recordingSystem) SetButtons(b emu.Buttons) {
	r.buttons = b
	r.Machine.SetButtons(b)
}

func (r *recordingSystem) Close() {
	r.closes++
	r.Machine.Close()
}

// romFile writes a 32 KiB ROM-only cartridge with code at $0100.
func romFile(t *testing.T, code ...byte) string {
	t.Helper()
	rom := make([]byte, 0x8000)
	copy(rom[0x0100:], code)
	path := filepath.Join(t.TempDir(), "test.gb")
	if err := os.WriteFile(path, rom, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// INC A; JR -3
var incLoop = []byte{0x3C, 0x18, 0xFD}

func newSession(t *testing.T, host Host, code ...byte) (*Session, *recordingSystem) {
	t.Helper()
	sys := &recordingSystem{Machine: emu.New(emu.Config{})}
	s := New(sys, host, Config{FrameRate: 50})
	if code != nil && !s.Load(romFile(t, code...)) {
		t.Fatal("load failed")
	}
	return s, sys
}

func logged(substr string) bool {
	for _, e := range logger.Entries() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestSleepFor(t *testing.T) {
	budget := 20 * time.Millisecond
	tests := []struct {
		elapsed, want time.Duration
	}{
		{0, budget},
		{5 * time.Millisecond, 15 * time.Millisecond},
		{budget, 0},
		{30 * time.Millisecond, 0},
	}
	for _, tt := range tests {
		if got := SleepFor(budget, tt.elapsed); got != tt.want {
			t.Fatalf("SleepFor(%v) got %v want %v", tt.elapsed, got, tt.want)
		}
	}
}

func TestConfigBudget(t *testing.T) {
	if got := Defaults().Budget(); got != time.Second/60 {
		t.Fatalf("60 Hz budget got %v", got)
	}
	if got := (Config{}).Budget(); got != 0 {
		t.Fatalf("unlimited budget got %v", got)
	}
}

func TestRunSleepsOffRemainingBudget(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	host := &fakeHost{batches: [][]Event{nil, nil, nil}, clock: clock, work: 5 * time.Millisecond}
	s, sys := newSession(t, host, incLoop...)
	s.SetClock(clock)
	s.Run(context.Background())

	if host.presents != 3 || sys.frames != 3 {
		t.Fatalf("presents %d frames %d want 3", host.presents, sys.frames)
	}
	if len(clock.sleeps) != 3 {
		t.Fatalf("sleeps %v", clock.sleeps)
	}
	for _, d := range clock.sleeps {
		if d != 15*time.Millisecond {
			t.Fatalf("sleep got %v want 15ms", d)
		}
	}
	if sys.closes != 1 || sys.Loaded() {
		t.Fatalf("closes %d loaded %v", sys.closes, sys.Loaded())
	}
}

func TestRunSlowFrameDoesNotSleep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	host := &fakeHost{batches: [][]Event{nil, nil}, clock: clock, work: 25 * time.Millisecond}
	s, _ := newSession(t, host, incLoop...)
	s.SetClock(clock)
	s.Run(context.Background())
	if host.presents != 2 || len(clock.sleeps) != 0 {
		t.Fatalf("presents %d sleeps %v", host.presents, clock.sleeps)
	}
}

func TestQuitDrainsEventsWithoutAdvancing(t *testing.T) {
	host := &fakeHost{batches: [][]Event{{Quit(), Key(ActionTogglePause)}}}
	s, sys := newSession(t, host, incLoop...)
	s.SetClock(&fakeClock{})
	s.Run(context.Background())

	if sys.toggles != 1 {
		t.Fatalf("queued key not drained: toggles %d", sys.toggles)
	}
	if sys.frames != 0 || host.presents != 0 {
		t.Fatalf("advanced after quit: frames %d presents %d", sys.frames, host.presents)
	}
	if !s.ExitRequested() || sys.closes != 1 {
		t.Fatalf("exit %v closes %d", s.ExitRequested(), sys.closes)
	}
}

func TestCancelledContextTearsDown(t *testing.T) {
	host := &fakeHost{}
	s, sys := newSession(t, host, incLoop...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)
	if host.polls != 0 || sys.closes != 1 || !s.ExitRequested() {
		t.Fatalf("polls %d closes %d exit %v", host.polls, sys.closes, s.ExitRequested())
	}
	// a second close is ignored
	s.Close()
	if sys.closes != 1 {
		t.Fatalf("closes %d", sys.closes)
	}
}

func TestDropFileLoadsAndStarts(t *testing.T) {
	host := &fakeHost{}
	s, sys := newSession(t, host)
	if sys.IsRunning() {
		t.Fatal("running before load")
	}
	host.batches = [][]Event{{DropFile(romFile(t, incLoop...))}}
	s.Iterate()
	if !sys.IsRunning() || sys.frames != 1 {
		t.Fatalf("running %v frames %d", sys.IsRunning(), sys.frames)
	}
}

func TestFailedDropStopsPreviousSystem(t *testing.T) {
	logger.Clear()
	host := &fakeHost{}
	s, sys := newSession(t, host, incLoop...)
	host.batches = [][]Event{{DropFile(filepath.Join(t.TempDir(), "gone.gb"))}}
	s.Iterate()
	if sys.IsRunning() || sys.Loaded() || sys.frames != 0 {
		t.Fatalf("running %v loaded %v frames %d", sys.IsRunning(), sys.Loaded(), sys.frames)
	}
	if !logged("gone.gb") {
		t.Fatal("failed load not logged")
	}
	// the loop keeps presenting the blank screen
	if host.presents != 1 {
		t.Fatalf("presents %d", host.presents)
	}
}

func TestDebugKeys(t *testing.T) {
	host := &fakeHost{}
	s, sys := newSession(t, host, incLoop...)
	iterate := func(evs ...Event) {
		host.batches = [][]Event{evs}
		s.Iterate()
	}

	iterate(Key(ActionStepInstruction))
	if sys.frames != 1 {
		t.Fatalf("frames %d want 1", sys.frames)
	}

	iterate(Key(ActionTogglePause))
	if !sys.IsPaused() || sys.frames != 1 {
		t.Fatalf("paused %v frames %d", sys.IsPaused(), sys.frames)
	}

	before := sys.Registers()
	iterate(Key(ActionStepInstruction))
	after := sys.Registers()
	if after.PC == before.PC || !sys.IsPaused() {
		t.Fatalf("step: PC %04X -> %04X paused %v", before.PC, after.PC, sys.IsPaused())
	}
	if before.PC == 0x0100 && after.A != before.A+1 {
		t.Fatalf("INC A not executed: A %02X -> %02X", before.A, after.A)
	}

	frames := sys.Frames()
	iterate(Key(ActionStepFrame))
	if !sys.IsPaused() || sys.Frames() != frames+1 {
		t.Fatalf("step frame: paused %v frames %d -> %d", sys.IsPaused(), frames, sys.Frames())
	}

	iterate(Key(ActionResume))
	if sys.IsPaused() || sys.frames != 2 {
		t.Fatalf("resume: paused %v frames %d", sys.IsPaused(), sys.frames)
	}
}

func TestKeysWithoutSystemAreIgnored(t *testing.T) {
	host := &fakeHost{batches: [][]Event{{Key(ActionTogglePause), Key(ActionStepFrame), Key(ActionResume)}}}
	s, sys := newSession(t, host)
	s.Iterate()
	if sys.toggles != 0 || sys.IsPaused() {
		t.Fatalf("toggles %d paused %v", sys.toggles, sys.IsPaused())
	}
}

func TestFaultIsLoggedAndLoopContinues(t *testing.T) {
	logger.Clear()
	host := &fakeHost{batches: [][]Event{nil, nil}}
	s, sys := newSession(t, host, 0xD3)
	s.SetClock(&fakeClock{})
	s.Run(context.Background())
	if sys.frames != 2 || host.presents != 2 {
		t.Fatalf("frames %d presents %d", sys.frames, host.presents)
	}
	if !logged("frame: cpu: fault at $0100") {
		t.Fatalf("fault not logged: %v", logger.Entries())
	}
}

func TestPresentErrorIsLogged(t *testing.T) {
	logger.Clear()
	host := &fakeHost{batches: [][]Event{nil}, err: errors.New("window gone")}
	s, _ := newSession(t, host)
	s.Iterate()
	if !logged("present: window gone") {
		t.Fatal("present error not logged")
	}
}

func TestButtonsForwarded(t *testing.T) {
	host := &buttonHost{fakeHost: &fakeHost{batches: [][]Event{nil}}, buttons: emu.Buttons{A: true, Down: true}}
	s, sys := newSession(t, host, incLoop...)
	s.Iterate()
	if sys.buttons != host.buttons {
		t.Fatalf("buttons got %+v want %+v", sys.buttons, host.buttons)
	}
}
