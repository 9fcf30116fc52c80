// Package emu ties the bus, CPU, PPU and cartridge into one machine and
// implements its lifecycle: load, start, stop, pause, resume, single
// instruction and single frame stepping, and diagnostic dumps.
//
// A machine moves through Unloaded, Stopped, Running and Paused. Loading a ROM
// always discards the previous system first, so a failed load leaves the
// machine unloaded and stopped.
package emu

import (
	"errors"
	"fmt"
	"io"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/bus"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/cart"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/cpu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/ppu"
)

// FrameCycles is the number of CPU clock cycles in one video frame.
const FrameCycles = ppu.DotsPerLine * ppu.Lines

// Lifecycle errors.
var (
	ErrNoCartridge = errors.New("no cartridge loaded")
	ErrNotRunning  = errors.New("machine not running")
	ErrNotPaused   = errors.New("machine not paused")
)

// Buttons is the joypad state; true means held.
type Buttons struct {
	A, B, Start, Select   bool
	Up, Down, Left, Right bool
}

// Machine is the emulated system controller. It owns the bus, CPU, PPU and
// cartridge of the loaded ROM and moves between the unloaded, stopped,
// running and paused states.
type Machine struct {
	cfg Config

	// core components, nil until a cartridge is loaded
	bus  *bus.Bus
	cpu  *cpu.CPU
	ppu  *ppu.PPU
	cart *cart.Cartridge

	running bool
	paused  bool

	// cycles run past the end of the previous frame
	carry int

	buttons byte
	serial  io.Writer
	blank   []byte
}

// New returns an unloaded machine.
func New(cfg Config) *Machine {
	blank := make([]byte, ppu.Width*ppu.Height*4)
	for i := range blank {
		blank[i] = 0xFF
	}
	return &Machine{cfg: cfg, blank: blank}
}

// LoadROM replaces the current system with the cartridge at path. The old
// system is stopped and discarded before the file is read.
func (m *Machine) LoadROM(path string) error {
	m.unload()
	c, err := cart.Load(path)
	if err != nil {
		return fmt.Errorf("load ROM: %w", err)
	}
	if m.cfg.SaveRAM {
		if err := c.ReadSave(); err != nil {
			logger.Logf(logger.Error, "battery RAM for %s: %v", c.Title(), err)
		}
	}
	return m.attach(c)
}

// LoadCartridge replaces the current system with a cartridge built from rom.
func (m *Machine) LoadCartridge(rom []byte) error {
	m.unload()
	c, err := cart.New(rom)
	if err != nil {
		return fmt.Errorf("load cartridge: %w", err)
	}
	return m.attach(c)
}

// attach builds a fresh bus, PPU and CPU around c.
func (m *Machine) attach(c *cart.Cartridge) error {
	b, err := bus.New(m.cfg.BootROM)
	if err != nil {
		return err
	}
	// the PPU registers its watchers before the post-boot register writes
	p := ppu.New(b)
	if err := c.Attach(b); err != nil {
		return err
	}
	core := cpu.New(b)
	if !b.BootMapped() {
		core.ResetNoBoot()
		b.ApplyPostBootIO()
	}
	b.SetSerialWriter(m.serial)
	b.SetJoypadState(m.buttons)

	m.bus, m.cpu, m.ppu, m.cart = b, core, p, c
	m.carry = 0
	logger.Logf(logger.Info, "loaded %q: %s, %d KiB ROM", c.Title(), c.Controller(), c.ROMSize()/1024)
	return nil
}

// unload stops the machine, stores battery RAM and drops every component.
func (m *Machine) unload() {
	if m.cart == nil {
		return
	}
	m.Stop()
	m.bus, m.cpu, m.ppu, m.cart = nil, nil, nil, nil
}

// Loaded reports whether a cartridge is attached.
func (m *Machine) Loaded() bool { return m.cart != nil }

// Start begins a run of the loaded cartridge, unpaused.
func (m *Machine) Start() error {
	if m.cart == nil {
		return ErrNoCartridge
	}
	m.running = true
	m.paused = false
	return nil
}

// Stop ends the current run. It is safe to call at any time.
func (m *Machine) Stop() {
	if m.running {
		m.saveBattery()
	}
	m.running = false
	m.paused = false
}

// IsRunning and IsPaused report the lifecycle state. A paused machine is
// also running.
func (m *Machine) IsRunning() bool { return m.running }
func (m *Machine) IsPaused() bool  { return m.paused }

// Pause halts frame advancement without touching emulated state.
func (m *Machine) Pause() error {
	if !m.running {
		return ErrNotRunning
	}
	m.paused = true
	return nil
}

// Resume continues a paused run. Resuming a run that is not paused does nothing.
func (m *Machine) Resume() error {
	if !m.running {
		return ErrNotRunning
	}
	m.paused = false
	return nil
}

// TogglePause pauses a running machine or resumes a paused one.
func (m *Machine) TogglePause() error {
	if m.paused {
		return m.Resume()
	}
	return m.Pause()
}

// RunFrame advances the machine by one frame of CPU cycles. A paused machine
// is left alone. The first CPU fault ends the frame early and is returned.
func (m *Machine) RunFrame() error {
	if m.cart == nil {
		return ErrNoCartridge
	}
	if !m.running {
		return ErrNotRunning
	}
	if m.paused {
		return nil
	}
	return m.runFrame()
}

func (m *Machine) runFrame() error {
	budget := FrameCycles - m.carry
	done := 0
	for done < budget {
		n, err := m.step()
		if err != nil {
			return err
		}
		done += n
	}
	m.carry = done - budget
	return nil
}

// Step executes exactly one instruction while paused. It does nothing when the
// machine is not paused.
func (m *Machine) Step() error {
	if !m.paused {
		return nil
	}
	_, err := m.step()
	return err
}

// StepFrame runs one frame from the paused state and pauses again. The machine
// is paused again even when the frame faults.
func (m *Machine) StepFrame() error {
	if !m.paused {
		return ErrNotPaused
	}
	m.paused = false
	err := m.runFrame()
	m.paused = true
	return err
}

// step runs one instruction and lets the timer and PPU catch up.
func (m *Machine) step() (int, error) {
	if m.cfg.Trace {
		logger.Logf(logger.Debug, "%s", m.cpu.Registers())
	}
	n, err := m.cpu.Step()
	if err != nil {
		return 0, err
	}
	m.bus.Tick(n)
	m.ppu.Tick(n)
	return n, nil
}

// Framebuffer returns the RGBA pixels of the last frame, white when nothing
// is loaded.
func (m *Machine) Framebuffer() []byte {
	if m.ppu == nil {
		return m.blank
	}
	return m.ppu.Framebuffer()
}

// Frames returns the number of frames the PPU has completed.
func (m *Machine) Frames() uint64 {
	if m.ppu == nil {
		return 0
	}
	return m.ppu.Frames()
}

// Registers returns the CPU register file.
func (m *Machine) Registers() cpu.Registers {
	if m.cpu == nil {
		return cpu.Registers{}
	}
	return m.cpu.Registers()
}

// Bus returns the bus of the loaded system, or nil.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// Title returns the cartridge title, empty when nothing is loaded.
func (m *Machine) Title() string {
	if m.cart == nil {
		return ""
	}
	return m.cart.Title()
}

// ROMPath returns the currently loaded ROM file path, if any.
func (m *Machine) ROMPath() string {
	if m.cart == nil {
		return ""
	}
	return m.cart.Path()
}

// SetSerialWriter connects an io.Writer to receive bytes written to the serial port (FF01/FF02).
// Useful for running test ROMs that report via serial. The writer survives ROM loads.
func (m *Machine) SetSerialWriter(w io.Writer) {
	m.serial = w
	if m.bus != nil {
		m.bus.SetSerialWriter(w)
	}
}

func (m *Machine) SetButtons(b Buttons) {
	var mask byte
	if b.Right {
		mask |= bus.JoypRight
	}
	if b.Left {
		mask |= bus.JoypLeft
	}
	if b.Up {
		mask |= bus.JoypUp
	}
	if b.Down {
		mask |= bus.JoypDown
	}
	if b.A {
		mask |= bus.JoypA
	}
	if b.B {
		mask |= bus.JoypB
	}
	if b.Select {
		mask |= bus.JoypSelect
	}
	if b.Start {
		mask |= bus.JoypStart
	}
	m.buttons = mask
	if m.bus != nil {
		m.bus.SetJoypadState(mask)
	}
}

func (m *Machine) saveBattery() {
	if !m.cfg.SaveRAM || m.cart == nil || !m.cart.HasBattery() {
		return
	}
	if err := m.cart.WriteSave(); err != nil {
		logger.Logf(logger.Error, "save battery RAM: %v", err)
		return
	}
	logger.Logf(logger.Info, "battery RAM written to %s", m.cart.SavePath())
}

// Close dumps the system and tears it down. Failures are logged.
func (m *Machine) Close() {
	if m.cart == nil {
		return
	}
	m.dumpOnClose()
	m.unload()
}
