package emu

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bradleyjkemp/memviz"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/cpu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
)

// RegionInfo describes one mapped region for diagnostics.
type RegionInfo struct {
	Name        string
	Start, End  uint16
	Bank, Banks int
	ReadLocked  bool
	WriteLocked bool
}

// Snapshot is the diagnostic state of a machine. It is not a save state.
type Snapshot struct {
	State     string
	Title     string
	ROMPath   string
	Frames    uint64
	Registers cpu.Registers
	Regions   []RegionInfo
	HRAM      []byte
}

func (m *Machine) state() string {
	switch {
	case m.cart == nil:
		return "unloaded"
	case m.paused:
		return "paused"
	case m.running:
		return "running"
	}
	return "stopped"
}

// Snapshot captures the diagnostic state of the machine.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		State:     m.state(),
		Title:     m.Title(),
		ROMPath:   m.ROMPath(),
		Frames:    m.Frames(),
		Registers: m.Registers(),
	}
	if m.bus == nil {
		return s
	}
	for _, r := range m.bus.Space().Regions() {
		s.Regions = append(s.Regions, RegionInfo{
			Name:        r.Name(),
			Start:       r.StartAddress(),
			End:         r.EndAddress(),
			Bank:        r.Bank(),
			Banks:       r.BankCount(),
			ReadLocked:  r.IsReadLocked(),
			WriteLocked: r.IsWriteLocked(),
		})
	}
	hram := m.bus.HRAM().Contents()
	s.HRAM = make([]byte, len(hram))
	copy(s.HRAM, hram)
	return s
}

// number of recent log entries included in a dump
const dumpLogEntries = 32

// DumpSystem writes the diagnostic state of the machine to w, followed by the
// most recent entries of the central log.
func (m *Machine) DumpSystem(w io.Writer) error {
	s := m.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "state: %s\n", s.State)
	if s.Title != "" {
		fmt.Fprintf(&b, "cartridge: %q %s\n", s.Title, s.ROMPath)
	}
	fmt.Fprintf(&b, "frames: %d\n", s.Frames)
	fmt.Fprintf(&b, "cpu: %s IME:%v HALT:%v\n", s.Registers, s.Registers.IME, s.Registers.Halted)
	if len(s.Regions) > 0 {
		b.WriteString("regions:\n")
	}
	for _, r := range s.Regions {
		lock := "--"
		if r.ReadLocked {
			lock = "R" + lock[1:]
		}
		if r.WriteLocked {
			lock = lock[:1] + "W"
		}
		fmt.Fprintf(&b, "  %04X-%04X %-10s %s bank %d/%d\n", r.Start, r.End, r.Name, lock, r.Bank, r.Banks)
	}
	for i := 0; i < len(s.HRAM); i += 16 {
		end := i + 16
		if end > len(s.HRAM) {
			end = len(s.HRAM)
		}
		fmt.Fprintf(&b, "  FF%02X: % X\n", 0x80+i, s.HRAM[i:end])
	}
	b.WriteString("log:\n")
	logger.Tail(&b, dumpLogEntries)
	_, err := io.WriteString(w, b.String())
	return err
}

// DumpGraph writes a graphviz rendering of the diagnostic snapshot to w.
func (m *Machine) DumpGraph(w io.Writer) {
	s := m.Snapshot()
	memviz.Map(w, &s)
}

// dumpOnClose writes the teardown dump where the configuration asks for it.
func (m *Machine) dumpOnClose() {
	if m.cfg.DumpPath == "" {
		var buf bytes.Buffer
		if err := m.DumpSystem(&buf); err == nil {
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				logger.Log(logger.Debug, line)
			}
		}
	} else if err := writeFile(m.cfg.DumpPath, func(w io.Writer) error { return m.DumpSystem(w) }); err != nil {
		logger.Logf(logger.Error, "dump system: %v", err)
	}

	if m.cfg.DumpGraph != "" {
		err := writeFile(m.cfg.DumpGraph, func(w io.Writer) error {
			m.DumpGraph(w)
			return nil
		})
		if err != nil {
			logger.Logf(logger.Error, "dump graph: %v", err)
		}
	}
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
