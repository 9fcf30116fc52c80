package emu

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/bus"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/cpu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
)

// romWith returns a 32 KiB ROM of the given cartridge type with code at $0100.
func romWith(cartType, ramCode byte, code ...byte) []byte {
	rom := make([]byte, 0x8000)
	copy(rom[0x0100:], code)
	copy(rom[0x0134:], "TEST")
	rom[0x0147] = cartType
	rom[0x0149] = ramCode
	return rom
}

var (
	// INC A; JR -3
	incLoop = []byte{0x3C, 0x18, 0xFD}
	// JR -2
	spin = []byte{0x18, 0xFE}
)

func loaded(t *testing.T, cfg Config, code ...byte) *Machine {
	t.Helper()
	m := New(cfg)
	if err := m.LoadCartridge(romWith(0x00, 0x00, code...)); err != nil {
		t.Fatalf("LoadCartridge: %v", err)
	}
	return m
}

func running(t *testing.T, code ...byte) *Machine {
	t.Helper()
	m := loaded(t, Config{}, code...)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return m
}

func TestUnloadedMachine(t *testing.T) {
	m := New(Defaults())
	if err := m.Start(); !errors.Is(err, ErrNoCartridge) {
		t.Fatalf("Start got %v want ErrNoCartridge", err)
	}
	if err := m.RunFrame(); !errors.Is(err, ErrNoCartridge) {
		t.Fatalf("RunFrame got %v want ErrNoCartridge", err)
	}
	if err := m.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause got %v want ErrNotRunning", err)
	}
	m.Stop()
	if m.IsRunning() || m.IsPaused() || m.Loaded() {
		t.Fatal("unloaded machine reports activity")
	}
	fb := m.Framebuffer()
	if len(fb) != 160*144*4 || fb[0] != 0xFF {
		t.Fatalf("blank framebuffer len %d first %02X", len(fb), fb[0])
	}
	m.Close()
}

func TestLoadLeavesMachineStopped(t *testing.T) {
	m := loaded(t, Config{}, spin...)
	if !m.Loaded() || m.IsRunning() {
		t.Fatalf("after load: loaded=%v running=%v", m.Loaded(), m.IsRunning())
	}
	if err := m.RunFrame(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("RunFrame before Start got %v", err)
	}
	if pc := m.Registers().PC; pc != 0x0100 {
		t.Fatalf("PC got %04X want 0100", pc)
	}
	if got := m.Bus().Reg(bus.RegLCDC); got != 0x91 {
		t.Fatalf("LCDC got %02X want 91", got)
	}
}

func TestRunFrameAdvancesOneFrame(t *testing.T) {
	m := running(t, spin...)
	for i := 1; i <= 3; i++ {
		if err := m.RunFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got := m.Frames(); got != uint64(i) {
			t.Fatalf("frames got %d want %d", got, i)
		}
		// JR takes 12 cycles, so the overshoot is below one instruction
		if m.carry < 0 || m.carry >= 12 {
			t.Fatalf("carry got %d", m.carry)
		}
	}
}

func TestPauseStopsFramesAndKeepsState(t *testing.T) {
	m := running(t, incLoop...)
	if err := m.RunFrame(); err != nil {
		t.Fatal(err)
	}
	if err := m.TogglePause(); err != nil || !m.IsPaused() || !m.IsRunning() {
		t.Fatalf("TogglePause: err=%v paused=%v running=%v", err, m.IsPaused(), m.IsRunning())
	}
	before := m.Registers()
	if err := m.RunFrame(); err != nil {
		t.Fatal(err)
	}
	if after := m.Registers(); after != before {
		t.Fatalf("paused frame changed registers: %s -> %s", before, after)
	}
	if err := m.TogglePause(); err != nil || m.IsPaused() {
		t.Fatalf("resume: err=%v paused=%v", err, m.IsPaused())
	}
	if after := m.Registers(); after != before {
		t.Fatalf("resume changed registers: %s -> %s", before, after)
	}
}

func TestStepExecutesOneInstructionWhilePaused(t *testing.T) {
	m := running(t, incLoop...)
	if err := m.Pause(); err != nil {
		t.Fatal(err)
	}
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	r := m.Registers()
	if r.A != 0x02 || r.PC != 0x0101 {
		t.Fatalf("after INC A: A=%02X PC=%04X", r.A, r.PC)
	}
	if err := m.Step(); err != nil {
		t.Fatal(err)
	}
	r = m.Registers()
	if r.A != 0x02 || r.PC != 0x0100 {
		t.Fatalf("after JR: A=%02X PC=%04X", r.A, r.PC)
	}
}

func TestStepWhileNotPausedIsNoop(t *testing.T) {
	m := running(t, incLoop...)
	before := m.Registers()
	if err := m.Step(); err != nil {
		t.Fatalf("Step got %v", err)
	}
	if after := m.Registers(); after != before {
		t.Fatalf("unpaused step changed registers: %s -> %s", before, after)
	}
	m.Stop()
	if err := m.Step(); err != nil {
		t.Fatalf("stopped Step got %v", err)
	}
}

func TestStepFrameRepauses(t *testing.T) {
	m := running(t, spin...)
	if err := m.StepFrame(); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("StepFrame while running got %v want ErrNotPaused", err)
	}
	m.Pause()
	if err := m.StepFrame(); err != nil {
		t.Fatal(err)
	}
	if !m.IsPaused() || m.Frames() != 1 {
		t.Fatalf("paused=%v frames=%d", m.IsPaused(), m.Frames())
	}
}

func TestIllegalOpcodeFaultsFrame(t *testing.T) {
	m := running(t, 0x00, 0xD3)
	err := m.RunFrame()
	if !errors.Is(err, cpu.ErrIllegalOpcode) {
		t.Fatalf("RunFrame got %v want ErrIllegalOpcode", err)
	}
	var f *cpu.Fault
	if !errors.As(err, &f) || f.PC != 0x0101 || f.Opcode != 0xD3 {
		t.Fatalf("fault %+v", f)
	}
	if !m.IsRunning() {
		t.Fatal("fault stopped the machine")
	}

	m.Pause()
	if err := m.StepFrame(); !errors.Is(err, cpu.ErrIllegalOpcode) {
		t.Fatalf("StepFrame got %v", err)
	}
	if !m.IsPaused() {
		t.Fatal("faulted StepFrame left the machine unpaused")
	}
	if err := m.Step(); !errors.Is(err, cpu.ErrIllegalOpcode) {
		t.Fatalf("Step got %v", err)
	}
}

func TestFailedLoadUnloadsPreviousROM(t *testing.T) {
	m := running(t, spin...)
	err := m.LoadROM(filepath.Join(t.TempDir(), "missing.gb"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("LoadROM got %v want ErrNotExist", err)
	}
	if m.IsRunning() || m.Loaded() {
		t.Fatalf("after failed load: running=%v loaded=%v", m.IsRunning(), m.Loaded())
	}
	if err := m.Start(); !errors.Is(err, ErrNoCartridge) {
		t.Fatalf("Start got %v", err)
	}

	m = running(t, spin...)
	if err := m.LoadCartridge(make([]byte, 0x40)); err == nil {
		t.Fatal("short ROM loaded")
	}
	if m.IsRunning() || m.Loaded() {
		t.Fatal("machine still loaded after bad cartridge")
	}
}

func TestBatteryRAMPersistsAcrossLoads(t *testing.T) {
	// enable RAM, store $42 at $A000, spin
	code := []byte{
		0x3E, 0x0A, 0xEA, 0x00, 0x00,
		0x3E, 0x42, 0xEA, 0x00, 0xA0,
		0x18, 0xFE,
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "save.gb")
	if err := os.WriteFile(path, romWith(0x03, 0x02, code...), 0o644); err != nil {
		t.Fatal(err)
	}

	m := New(Config{SaveRAM: true})
	if err := m.LoadROM(path); err != nil {
		t.Fatalf("LoadROM: %v", err)
	}
	if m.ROMPath() != path || m.Title() != "TEST" {
		t.Fatalf("ROMPath %q Title %q", m.ROMPath(), m.Title())
	}
	m.Start()
	if err := m.RunFrame(); err != nil {
		t.Fatal(err)
	}
	m.Stop()

	sav, err := os.ReadFile(filepath.Join(dir, "save.sav"))
	if err != nil {
		t.Fatalf("battery file: %v", err)
	}
	if len(sav) != 8*1024 || sav[0] != 0x42 {
		t.Fatalf("battery file len %d first %02X", len(sav), sav[0])
	}

	m2 := New(Config{SaveRAM: true})
	if err := m2.LoadROM(path); err != nil {
		t.Fatal(err)
	}
	if got := m2.Bus().ERAM().Contents()[0]; got != 0x42 {
		t.Fatalf("restored RAM got %02X want 42", got)
	}
}

func TestSerialWriterSurvivesLoad(t *testing.T) {
	var buf bytes.Buffer
	m := New(Config{})
	m.SetSerialWriter(&buf)
	// LD A,'O'; LDH (SB),A; LD A,$81; LDH (SC),A; spin
	code := []byte{0x3E, 'O', 0xE0, 0x01, 0x3E, 0x81, 0xE0, 0x02, 0x18, 0xFE}
	if err := m.LoadCartridge(romWith(0x00, 0x00, code...)); err != nil {
		t.Fatal(err)
	}
	m.Start()
	if err := m.RunFrame(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "O" {
		t.Fatalf("serial got %q want %q", buf.String(), "O")
	}
}

func TestSetButtons(t *testing.T) {
	m := running(t, spin...)
	m.SetButtons(Buttons{Start: true, Right: true})
	b := m.Bus()
	if err := b.Write(bus.RegJOYP, 0x10); err != nil {
		t.Fatal(err)
	}
	if got := b.Reg(bus.RegJOYP); got != 0xD7 {
		t.Fatalf("button row got %02X want D7", got)
	}
	if err := b.Write(bus.RegJOYP, 0x20); err != nil {
		t.Fatal(err)
	}
	if got := b.Reg(bus.RegJOYP); got != 0xEE {
		t.Fatalf("direction row got %02X want EE", got)
	}
}

func TestDumpSystem(t *testing.T) {
	var buf bytes.Buffer
	New(Config{}).DumpSystem(&buf)
	if !strings.Contains(buf.String(), "state: unloaded") {
		t.Fatalf("unloaded dump:\n%s", buf.String())
	}

	m := running(t, incLoop...)
	m.Pause()
	m.Step()
	logger.Log(logger.Error, "bank select out of range")
	buf.Reset()
	if err := m.DumpSystem(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"state: paused", "PC:0101", "cart romx", "4000-7FFF", "FF80:", "\nlog:\n", "error: bank select out of range\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("dump missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	m.DumpGraph(&buf)
	if !strings.Contains(buf.String(), "digraph") {
		t.Fatalf("graph output:\n%s", buf.String())
	}
}

func TestCloseWritesDumpAndUnloads(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DumpPath: filepath.Join(dir, "dump.txt"), DumpGraph: filepath.Join(dir, "dump.dot")}
	m := loaded(t, cfg, spin...)
	m.Start()
	m.Close()
	if m.Loaded() || m.IsRunning() {
		t.Fatal("Close left the system loaded")
	}
	data, err := os.ReadFile(cfg.DumpPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "state: running") {
		t.Fatalf("dump:\n%s", data)
	}
	if _, err := os.Stat(cfg.DumpGraph); err != nil {
		t.Fatalf("graph file: %v", err)
	}

	// a dump that cannot be written is logged, not fatal
	m = loaded(t, Config{DumpPath: filepath.Join(dir, "missing", "dump.txt")}, spin...)
	m.Close()
	if m.Loaded() {
		t.Fatal("Close failed to unload after dump error")
	}
}
