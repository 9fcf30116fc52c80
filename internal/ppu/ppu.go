// Package ppu implements the DMG picture processing unit on top of the bus.
//
// The PPU owns no memory of its own: VRAM, OAM and its registers live in the
// bus regions. It drives the lock flags of the VRAM and OAM regions as it moves
// between modes, so CPU accesses during pixel transfer read LockedValue and
// writes are dropped, and renders each scanline into an RGBA framebuffer when
// the line enters HBlank.
package ppu

import (
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/bus"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/memory"
)

const (
	Width  = 160
	Height = 144

	DotsPerLine = 456
	Lines       = 154

	oamScanDots  = 80
	transferDots = 172

	maxLineObjs  = 10
	oamEntrySize = 4
)

// STAT bits
const (
	statCoincidence byte = 1 << 2
	statHBlankIRQ   byte = 1 << 3
	statVBlankIRQ   byte = 1 << 4
	statOAMIRQ      byte = 1 << 5
	statLYCIRQ      byte = 1 << 6
)

// LCDC bits
const (
	lcdcBG      byte = 1 << 0
	lcdcOBJ     byte = 1 << 1
	lcdcOBJTall byte = 1 << 2
	lcdcBGMap   byte = 1 << 3
	lcdcTiles   byte = 1 << 4
	lcdcWindow  byte = 1 << 5
	lcdcWinMap  byte = 1 << 6
	lcdcEnable  byte = 1 << 7
)

// LineRegs is the register snapshot a scanline is rendered with.
type LineRegs struct {
	LCDC    byte
	SCY     byte
	SCX     byte
	BGP     byte
	OBP0    byte
	OBP1    byte
	WY      byte
	WX      byte
	WinLine byte
}

// PPU is the DMG LCD controller.
type PPU struct {
	bus  *bus.Bus
	vram *memory.Region
	oam  *memory.Region

	mode byte
	dot  int
	ly   byte
	lcdc byte

	// internal window line counter, advanced on lines where the window shows
	winLine  byte
	lineRegs [Lines]LineRegs

	fb     []byte
	frames uint64
}

// New attaches a PPU to b and registers the side effects of the LCD
// registers. The LCD starts switched off.
func New(b *bus.Bus) *PPU {
	p := &PPU{
		bus:  b,
		vram: b.VRAM(),
		oam:  b.OAM(),
		fb:   make([]byte, Width*Height*4),
	}
	p.clear()
	p.writeSTAT(0)
	p.writeLY()

	s := b.Space()
	s.Watch(bus.RegLCDC, bus.RegLCDC, func(_ uint16, v byte) { p.writeLCDC(v) })
	s.Watch(bus.RegSTAT, bus.RegSTAT, func(_ uint16, v byte) { p.writeSTAT(v) })
	// LY is read-only
	s.Watch(bus.RegLY, bus.RegLY, func(uint16, byte) { p.writeLY() })
	s.Watch(bus.RegLYC, bus.RegLYC, func(uint16, byte) { p.updateLYC() })
	return p
}

// Framebuffer returns the RGBA pixels of the last rendered frame.
func (p *PPU) Framebuffer() []byte { return p.fb }

// Frames returns the number of frames completed since power on.
func (p *PPU) Frames() uint64 { return p.frames }

// Mode returns the current STAT mode (0 HBlank, 1 VBlank, 2 OAM scan, 3 transfer).
func (p *PPU) Mode() byte { return p.mode }

// LY returns the current scanline.
func (p *PPU) LY() byte { return p.ly }

// LineRegs returns the captured register snapshot for a given scanline (0..153).
func (p *PPU) LineRegs(y int) LineRegs {
	if y < 0 || y >= len(p.lineRegs) {
		return LineRegs{}
	}
	return p.lineRegs[y]
}

func (p *PPU) enabled() bool { return p.lcdc&lcdcEnable != 0 }

func (p *PPU) writeLCDC(v byte) {
	prev := p.lcdc
	p.lcdc = v
	switch {
	case prev&lcdcEnable != 0 && v&lcdcEnable == 0:
		p.ly = 0
		p.dot = 0
		p.setMode(0)
		p.writeLY()
		p.updateLYC()
		p.clear()
	case prev&lcdcEnable == 0 && v&lcdcEnable != 0:
		p.ly = 0
		p.dot = 0
		p.winLine = 0
		p.setMode(2)
		p.writeLY()
		p.updateLYC()
	}
}

// writeSTAT keeps the interrupt enables the CPU wrote and rebuilds the mode
// and coincidence bits from PPU state.
func (p *PPU) writeSTAT(v byte) {
	low := p.mode
	if p.ly == p.bus.Reg(bus.RegLYC) {
		low |= statCoincidence
	}
	p.bus.SetReg(bus.RegSTAT, 0x80|v&0x78|low)
}

func (p *PPU) writeLY() { p.bus.SetReg(bus.RegLY, p.ly) }

func (p *PPU) stat() byte { return p.bus.Reg(bus.RegSTAT) }

func (p *PPU) requestSTAT(cond byte) {
	if p.stat()&cond != 0 {
		p.bus.RequestInterrupt(bus.IntSTAT)
	}
}

// Tick advances the PPU by the given number of dots (one dot per CPU cycle).
func (p *PPU) Tick(cycles int) {
	if !p.enabled() {
		return
	}
	for i := 0; i < cycles; i++ {
		p.dot++
		if p.ly < Height {
			switch {
			case p.dot < oamScanDots:
				p.setMode(2)
			case p.dot < oamScanDots+transferDots:
				p.setMode(3)
			default:
				p.setMode(0)
			}
		}
		if p.dot < DotsPerLine {
			continue
		}

		p.dot = 0
		p.ly++
		switch {
		case p.ly == Height:
			p.setMode(1)
			p.frames++
			p.bus.RequestInterrupt(bus.IntVBlank)
			p.requestSTAT(statVBlankIRQ)
		case p.ly >= Lines:
			p.ly = 0
			p.winLine = 0
		}
		p.writeLY()
		p.updateLYC()
		if p.ly < Height {
			p.setMode(2)
			p.advanceWindowLine()
		}
	}
}

// advanceWindowLine updates the window counter for the line that just started.
// On DMG the window needs both the BG and window enable bits.
func (p *PPU) advanceWindowLine() {
	wy, wx := p.bus.Reg(bus.RegWY), p.bus.Reg(bus.RegWX)
	visible := p.lcdc&lcdcWindow != 0 && p.lcdc&lcdcBG != 0 && p.ly >= wy && wx <= 166
	if !visible {
		return
	}
	if p.ly == wy {
		p.winLine = 0
	} else {
		p.winLine++
	}
}

func (p *PPU) setMode(mode byte) {
	if p.mode == mode {
		return
	}
	prev := p.mode
	p.mode = mode
	p.bus.SetReg(bus.RegSTAT, p.stat()&^0x03|mode)
	p.applyLocks()

	switch mode {
	case 0:
		if prev == 3 && p.enabled() {
			p.renderLine(int(p.ly))
		}
		if p.enabled() {
			p.requestSTAT(statHBlankIRQ)
		}
	case 2:
		p.requestSTAT(statOAMIRQ)
	case 3:
		p.captureLineRegs()
	}
}

// applyLocks blocks the CPU from VRAM during transfer and from OAM during
// scan and transfer.
func (p *PPU) applyLocks() {
	vramLocked := p.mode == 3
	oamLocked := p.mode == 2 || p.mode == 3
	p.vram.SetReadLocked(vramLocked)
	p.vram.SetWriteLocked(vramLocked)
	p.oam.SetReadLocked(oamLocked)
	p.oam.SetWriteLocked(oamLocked)
}

func (p *PPU) updateLYC() {
	st := p.stat()
	if p.ly == p.bus.Reg(bus.RegLYC) {
		p.bus.SetReg(bus.RegSTAT, st|statCoincidence)
		if p.enabled() {
			p.requestSTAT(statLYCIRQ)
		}
		return
	}
	p.bus.SetReg(bus.RegSTAT, st&^statCoincidence)
}

func (p *PPU) captureLineRegs() {
	if p.ly >= Height {
		return
	}
	p.lineRegs[p.ly] = LineRegs{
		LCDC:    p.lcdc,
		SCY:     p.bus.Reg(bus.RegSCY),
		SCX:     p.bus.Reg(bus.RegSCX),
		BGP:     p.bus.Reg(bus.RegBGP),
		OBP0:    p.bus.Reg(bus.RegOBP0),
		OBP1:    p.bus.Reg(bus.RegOBP1),
		WY:      p.bus.Reg(bus.RegWY),
		WX:      p.bus.Reg(bus.RegWX),
		WinLine: p.winLine,
	}
}

// clear paints the framebuffer with the lightest shade, as a switched off LCD shows.
func (p *PPU) clear() {
	for i := 0; i < len(p.fb); i++ {
		p.fb[i] = 0xFF
	}
}
