// Package bus assembles the DMG address map out of memory regions and implements
// the side effects of the system I/O registers: joypad, divider and timer, serial
// port, OAM DMA and the boot ROM unmap register.
package bus

import (
	"fmt"
	"io"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/memory"
)

// I/O register addresses handled here or by collaborators.
const (
	RegJOYP = 0xFF00
	RegSB   = 0xFF01
	RegSC   = 0xFF02
	RegDIV  = 0xFF04
	RegTIMA = 0xFF05
	RegTMA  = 0xFF06
	RegTAC  = 0xFF07
	RegIF   = 0xFF0F
	RegLCDC = 0xFF40
	RegSTAT = 0xFF41
	RegSCY  = 0xFF42
	RegSCX  = 0xFF43
	RegLY   = 0xFF44
	RegLYC  = 0xFF45
	RegDMA  = 0xFF46
	RegBGP  = 0xFF47
	RegOBP0 = 0xFF48
	RegOBP1 = 0xFF49
	RegWY   = 0xFF4A
	RegWX   = 0xFF4B
	RegBOOT = 0xFF50
	RegIE   = 0xFFFF
)

// Interrupt bits in IF/IE.
const (
	IntVBlank = 0
	IntSTAT   = 1
	IntTimer  = 2
	IntSerial = 3
	IntJoypad = 4
)

// Joypad button bits for SetJoypadState.
const (
	JoypRight byte = 1 << iota
	JoypLeft
	JoypUp
	JoypDown
	JoypA
	JoypB
	JoypSelect
	JoypStart
)

// BootROMSize is the size of the DMG boot ROM overlay.
const BootROMSize = 0x100

// Bus owns the address space of one emulated machine.
type Bus struct {
	space *memory.Space

	boot, rom0, romx *memory.Region
	vram, eram, wram *memory.Region
	oam, io, hram    *memory.Region

	serial  io.Writer
	buttons byte

	// timer: 16-bit internal divider, TAC shadow and the delayed TIMA reload
	divCounter  uint16
	tac         byte
	reloadDelay int

	bootMapped bool
}

// New builds the DMG address map with an empty cartridge slot. If boot holds a
// boot ROM it is mapped over $0000-$00FF until $FF50 is written.
func New(boot []byte) (*Bus, error) {
	b := &Bus{}
	var err error
	mk := func(name string, start, end uint16, opts ...memory.Option) *memory.Region {
		if err != nil {
			return nil
		}
		var r *memory.Region
		r, err = memory.NewRegion(name, start, end, opts...)
		return r
	}

	// bank 0 is the boot ROM, bank 1 the first page of the cartridge
	b.boot = mk("boot", 0x0000, 0x00FF, memory.Banks(2), memory.WriteLocked())
	b.rom0 = mk("rom0", 0x0100, 0x3FFF, memory.WriteLocked())
	b.romx = mk("romx", 0x4000, 0x7FFF, memory.WriteLocked())
	b.vram = mk("vram", 0x8000, 0x9FFF)
	b.eram = mk("eram", 0xA000, 0xBFFF, memory.ReadLocked(), memory.WriteLocked())
	b.wram = mk("wram", 0xC000, 0xDFFF)
	b.oam = mk("oam", 0xFE00, 0xFE9F)
	unusable := mk("unusable", 0xFEA0, 0xFEFF, memory.ReadLocked(), memory.WriteLocked())
	b.io = mk("io", 0xFF00, 0xFF7F)
	b.hram = mk("hram", 0xFF80, 0xFFFE)
	ie := mk("ie", 0xFFFF, 0xFFFF)
	if err != nil {
		return nil, err
	}
	echo, err := memory.NewMirror("echo", 0xE000, 0xFDFF, b.wram)
	if err != nil {
		return nil, err
	}

	b.space, err = memory.NewSpace(0xFFFF,
		b.boot, b.rom0, b.romx, b.vram, b.eram, b.wram, echo,
		b.oam, unusable, b.io, b.hram, ie)
	if err != nil {
		return nil, err
	}

	if len(boot) >= BootROMSize {
		copy(b.boot.Contents(), boot[:BootROMSize])
		b.bootMapped = true
	} else {
		b.boot.SelectBank(1)
	}

	b.poke(RegJOYP, 0xCF)
	b.poke(RegIF, 0xE0)
	b.poke(RegTAC, 0xF8)

	b.space.Watch(RegJOYP, RegJOYP, func(_ uint16, v byte) { b.updateJoypad(v) })
	b.space.Watch(RegSC, RegSC, b.serialControl)
	b.space.Watch(RegDIV, RegDIV, func(uint16, byte) { b.writeDIV() })
	b.space.Watch(RegTIMA, RegTIMA, func(uint16, byte) { b.reloadDelay = 0 })
	b.space.Watch(RegTAC, RegTAC, func(_ uint16, v byte) { b.writeTAC(v) })
	b.space.Watch(RegIF, RegIF, func(_ uint16, v byte) { b.poke(RegIF, 0xE0|v) })
	b.space.Watch(RegDMA, RegDMA, func(_ uint16, v byte) { b.dma(v) })
	b.space.Watch(RegBOOT, RegBOOT, b.bootControl)

	return b, nil
}

// Space returns the address space the CPU reads and writes through.
func (b *Bus) Space() *memory.Space { return b.space }

func (b *Bus) Boot() *memory.Region { return b.boot }
func (b *Bus) ROM0() *memory.Region { return b.rom0 }
func (b *Bus) ROMX() *memory.Region { return b.romx }
func (b *Bus) VRAM() *memory.Region { return b.vram }
func (b *Bus) ERAM() *memory.Region { return b.eram }
func (b *Bus) WRAM() *memory.Region { return b.wram }
func (b *Bus) OAM() *memory.Region  { return b.oam }
func (b *Bus) IO() *memory.Region   { return b.io }
func (b *Bus) HRAM() *memory.Region { return b.hram }

// Read and Write are the CPU-facing accessors, honouring region locks.
func (b *Bus) Read(addr uint16) (byte, error)     { return b.space.Read(addr) }
func (b *Bus) Write(addr uint16, value byte) error { return b.space.Write(addr, value) }

// Reg returns an I/O register as the hardware sees it, ignoring locks.
func (b *Bus) Reg(addr uint16) byte {
	return b.io.Contents()[addr-0xFF00]
}

// SetReg stores an I/O register without triggering its write side effects.
func (b *Bus) SetReg(addr uint16, v byte) { b.poke(addr, v) }

func (b *Bus) poke(addr uint16, v byte) {
	b.io.Contents()[addr-0xFF00] = v
}

// SetCartridgePage installs the first page of cartridge ROM underneath the boot ROM.
func (b *Bus) SetCartridgePage(page []byte) error {
	if len(page) < BootROMSize {
		return fmt.Errorf("cartridge page too small: %d bytes", len(page))
	}
	bank := b.boot.Bank()
	b.boot.SelectBank(1)
	copy(b.boot.Contents(), page[:BootROMSize])
	b.boot.SelectBank(bank)
	return nil
}

// MapCartridge installs cartridge regions in place of the empty slot regions
// spanning the same addresses and copies the first ROM page under the boot ROM.
func (b *Bus) MapCartridge(page []byte, regions ...*memory.Region) error {
	if err := b.SetCartridgePage(page); err != nil {
		return err
	}
	for _, r := range regions {
		if err := b.space.Replace(r); err != nil {
			return err
		}
		switch r.StartAddress() {
		case b.rom0.StartAddress():
			b.rom0 = r
		case b.romx.StartAddress():
			b.romx = r
		case b.eram.StartAddress():
			b.eram = r
		}
	}
	return nil
}

// BootMapped reports whether the boot ROM is still mapped at $0000.
func (b *Bus) BootMapped() bool { return b.bootMapped }

// bootControl unmaps the boot ROM on the first non-zero write to FF50. The
// register always reads back as $FF and the boot ROM stays unmapped until the
// next power cycle.
func (b *Bus) bootControl(_ uint16, v byte) {
	b.poke(RegBOOT, 0xFF)
	if !b.bootMapped || v == 0 {
		return
	}
	b.bootMapped = false
	b.boot.SelectBank(1)
}

// RequestInterrupt sets bit in IF.
func (b *Bus) RequestInterrupt(bit int) {
	b.poke(RegIF, b.Reg(RegIF)|1<<uint(bit)|0xE0)
}

// SetSerialWriter receives bytes shifted out of the serial port.
func (b *Bus) SetSerialWriter(w io.Writer) { b.serial = w }

func (b *Bus) serialControl(_ uint16, v byte) {
	if v&0x81 != 0x81 {
		return
	}
	// internal clock transfer completes immediately with no link partner
	if b.serial != nil {
		_, _ = b.serial.Write([]byte{b.Reg(RegSB)})
	}
	b.poke(RegSB, 0xFF)
	b.poke(RegSC, v&^0x80)
	b.RequestInterrupt(IntSerial)
}

// SetJoypadState sets the pressed buttons (Joyp* bits). A newly pressed button
// requests the joypad interrupt.
func (b *Bus) SetJoypadState(pressed byte) {
	if pressed&^b.buttons != 0 {
		b.RequestInterrupt(IntJoypad)
	}
	b.buttons = pressed
	b.updateJoypad(b.Reg(RegJOYP))
}

func (b *Bus) updateJoypad(v byte) {
	nib := byte(0x0F)
	if v&0x10 == 0 {
		nib &^= b.buttons & 0x0F
	}
	if v&0x20 == 0 {
		nib &^= b.buttons >> 4
	}
	b.poke(RegJOYP, 0xC0|v&0x30|nib)
}

func (b *Bus) dma(v byte) {
	src := uint16(v) << 8
	dst := b.oam.Contents()
	for i := range dst {
		if c, err := b.space.Peek(src + uint16(i)); err == nil {
			dst[i] = c
		}
	}
}

// divider bit feeding the timer for each TAC clock select
var timerBits = [4]uint{9, 3, 5, 7}

func (b *Bus) timerInput() bool {
	if b.tac&0x04 == 0 {
		return false
	}
	return b.divCounter&(1<<timerBits[b.tac&0x03]) != 0
}

// incTIMA runs on a falling edge of the timer input. Edges are ignored while an
// overflow reload is pending.
func (b *Bus) incTIMA() {
	if b.reloadDelay > 0 {
		return
	}
	tima := b.Reg(RegTIMA)
	if tima == 0xFF {
		b.poke(RegTIMA, 0x00)
		b.reloadDelay = 4
		return
	}
	b.poke(RegTIMA, tima+1)
}

func (b *Bus) writeDIV() {
	prev := b.timerInput()
	b.divCounter = 0
	b.poke(RegDIV, 0)
	if prev && !b.timerInput() {
		b.incTIMA()
	}
}

func (b *Bus) writeTAC(v byte) {
	prev := b.timerInput()
	b.tac = v & 0x07
	b.poke(RegTAC, 0xF8|v)
	if prev && !b.timerInput() {
		b.incTIMA()
	}
}

// Tick advances the divider and timer by cycles T-cycles.
func (b *Bus) Tick(cycles int) {
	for i := 0; i < cycles; i++ {
		if b.reloadDelay > 0 {
			b.reloadDelay--
			if b.reloadDelay == 0 {
				b.poke(RegTIMA, b.Reg(RegTMA))
				b.RequestInterrupt(IntTimer)
			}
		}
		prev := b.timerInput()
		b.divCounter++
		if prev && !b.timerInput() {
			b.incTIMA()
		}
	}
	b.poke(RegDIV, byte(b.divCounter>>8))
}

// ApplyPostBootIO sets the I/O registers to the values the DMG boot ROM leaves
// behind, so ROMs can start at $0100 without one. Writes go through the space so
// that collaborators watching the registers see them. It leaves the boot ROM
// mapping alone.
func (b *Bus) ApplyPostBootIO() {
	writes := []struct {
		addr uint16
		v    byte
	}{
		{RegJOYP, 0xCF},
		{RegTIMA, 0x00},
		{RegTMA, 0x00},
		{RegTAC, 0x00},
		{RegLCDC, 0x91},
		{RegSCY, 0x00},
		{RegSCX, 0x00},
		{RegLYC, 0x00},
		{RegBGP, 0xFC},
		{RegOBP0, 0xFF},
		{RegOBP1, 0xFF},
		{RegWY, 0x00},
		{RegWX, 0x00},
		{RegIE, 0x00},
	}
	for _, w := range writes {
		_ = b.space.Write(w.addr, w.v)
	}
}
