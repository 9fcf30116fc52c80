package ppu

import (
	"testing"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/bus"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/memory"
)

func newPPU(t *testing.T) (*PPU, *bus.Bus) {
	t.Helper()
	b, err := bus.New(nil)
	if err != nil {
		t.Fatalf("bus.New: %v", err)
	}
	return New(b), b
}

func write(t *testing.T, b *bus.Bus, addr uint16, v byte) {
	t.Helper()
	if err := b.Write(addr, v); err != nil {
		t.Fatalf("write %04X: %v", addr, err)
	}
}

func read(t *testing.T, b *bus.Bus, addr uint16) byte {
	t.Helper()
	v, err := b.Read(addr)
	if err != nil {
		t.Fatalf("read %04X: %v", addr, err)
	}
	return v
}

func statMode(t *testing.T, b *bus.Bus) byte { return read(t, b, bus.RegSTAT) & 0x03 }

// takeIRQs returns and clears the pending IF bits.
func takeIRQs(b *bus.Bus) byte {
	v := b.Reg(bus.RegIF) & 0x1F
	b.SetReg(bus.RegIF, 0xE0)
	return v
}

func TestPPUModeSequenceOneLine(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegLCDC, 0x80)
	if m := statMode(t, b); m != 2 {
		t.Fatalf("expected mode 2 after LCD on, got %d", m)
	}
	p.Tick(80)
	if m := statMode(t, b); m != 3 {
		t.Fatalf("expected mode 3 at dot 80, got %d", m)
	}
	p.Tick(172)
	if m := statMode(t, b); m != 0 {
		t.Fatalf("expected mode 0 at dot 252, got %d", m)
	}
	p.Tick(456 - 252)
	if ly := read(t, b, bus.RegLY); ly != 1 {
		t.Fatalf("expected LY=1, got %d", ly)
	}
	if m := statMode(t, b); m != 2 {
		t.Fatalf("expected mode 2 at new line, got %d", m)
	}
}

func TestPPUVBlankAndSTATOnVBlank(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegSTAT, 1<<4)
	write(t, b, bus.RegLCDC, 0x80)
	p.Tick(144 * 456)
	irqs := takeIRQs(b)
	if irqs&(1<<bus.IntVBlank) == 0 {
		t.Fatalf("expected VBlank IRQ at LY=144, IF=%02X", irqs)
	}
	if irqs&(1<<bus.IntSTAT) == 0 {
		t.Fatalf("expected STAT IRQ on VBlank when enabled, IF=%02X", irqs)
	}
	if p.Frames() != 1 {
		t.Fatalf("frames got %d want 1", p.Frames())
	}
	if m := statMode(t, b); m != 1 {
		t.Fatalf("expected mode 1 in VBlank, got %d", m)
	}
}

func TestSTATModeAndLYCCoincidence(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegSTAT, 1<<3|1<<5|1<<6)
	write(t, b, bus.RegLYC, 2)
	write(t, b, bus.RegLCDC, 0x80)
	takeIRQs(b)

	p.Tick(80 + 172)
	if takeIRQs(b)&(1<<bus.IntSTAT) == 0 {
		t.Fatal("expected STAT IRQ on HBlank when enabled")
	}
	// only the LYC source stays enabled for the coincidence check
	write(t, b, bus.RegSTAT, 1<<6)
	p.Tick((456 - (80 + 172)) + 456 + 1)
	if takeIRQs(b)&(1<<bus.IntSTAT) == 0 {
		t.Fatal("expected STAT IRQ on LYC coincidence at LY=2")
	}
	if read(t, b, bus.RegSTAT)&statCoincidence == 0 {
		t.Fatal("coincidence flag not set at LY=LYC")
	}
}

func TestSTATWritePreservesModeBits(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegLYC, 5)
	write(t, b, bus.RegLCDC, 0x80)
	p.Tick(100) // mode 3
	write(t, b, bus.RegSTAT, 0xFF)
	if got := read(t, b, bus.RegSTAT); got != 0xFB {
		t.Fatalf("STAT got %02X want FB", got)
	}
}

func TestSTATWriteRebuildsLowBits(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegLYC, 5)
	write(t, b, bus.RegLCDC, 0x80)
	tests := []struct {
		name string
		dots int
		v    byte
		mode byte
		want byte
	}{
		{"transfer", 100, 0x40, 3, 0xC3},
		{"hblank, LY not LYC", 200, 0x44, 0, 0xC0},
		{"oam scan, LY not LYC", 456 - 300 + 10, 0x07, 2, 0x82},
	}
	for _, tt := range tests {
		p.Tick(tt.dots)
		if p.Mode() != tt.mode {
			t.Fatalf("%s: mode %d want %d", tt.name, p.Mode(), tt.mode)
		}
		write(t, b, bus.RegSTAT, tt.v)
		if got := read(t, b, bus.RegSTAT); got != tt.want {
			t.Fatalf("%s: STAT got %02X want %02X", tt.name, got, tt.want)
		}
	}
}

func TestSTATWriteKeepsCoincidence(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegLCDC, 0x80)
	p.Tick(100)
	// LYC defaults to 0, matching LY 0
	write(t, b, bus.RegSTAT, 0x00)
	if got := read(t, b, bus.RegSTAT); got != 0x87 {
		t.Fatalf("STAT got %02X want 87", got)
	}
}

func TestLYIsReadOnly(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegLCDC, 0x80)
	p.Tick(3 * 456)
	write(t, b, bus.RegLY, 0x42)
	if got := read(t, b, bus.RegLY); got != 3 {
		t.Fatalf("LY got %d want 3", got)
	}
}

func TestModeLocksVRAMAndOAM(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, 0x8000, 0xAB)
	write(t, b, 0xFE00, 0xCD)
	write(t, b, bus.RegLCDC, 0x80)

	// OAM scan: OAM locked, VRAM open
	if got := read(t, b, 0xFE00); got != memory.LockedValue {
		t.Fatalf("OAM read in mode 2 got %02X want %02X", got, memory.LockedValue)
	}
	if got := read(t, b, 0x8000); got != 0xAB {
		t.Fatalf("VRAM read in mode 2 got %02X want AB", got)
	}

	p.Tick(80)
	if got := read(t, b, 0x8000); got != memory.LockedValue {
		t.Fatalf("VRAM read in mode 3 got %02X", got)
	}
	write(t, b, 0x8000, 0x11)
	if got := b.VRAM().Contents()[0]; got != 0xAB {
		t.Fatalf("VRAM write in mode 3 landed: %02X", got)
	}

	p.Tick(172)
	if got := read(t, b, 0x8000); got != 0xAB {
		t.Fatalf("VRAM read in HBlank got %02X want AB", got)
	}
	if got := read(t, b, 0xFE00); got != 0xCD {
		t.Fatalf("OAM read in HBlank got %02X want CD", got)
	}

	// switching the LCD off in the middle of a transfer releases both locks
	p.Tick(456 - 252 + 100)
	write(t, b, bus.RegLCDC, 0x00)
	if b.VRAM().IsReadLocked() || b.OAM().IsReadLocked() || b.VRAM().IsWriteLocked() {
		t.Fatal("locks held with LCD off")
	}
	if ly := read(t, b, bus.RegLY); ly != 0 {
		t.Fatalf("LY with LCD off got %d want 0", ly)
	}
}

func TestLCDOffDoesNotAdvance(t *testing.T) {
	p, b := newPPU(t)
	p.Tick(10 * 456)
	if ly := read(t, b, bus.RegLY); ly != 0 {
		t.Fatalf("LY advanced with LCD off: %d", ly)
	}
	if p.Frames() != 0 {
		t.Fatalf("frames advanced with LCD off: %d", p.Frames())
	}
}

func TestRenderBackgroundAndSprite(t *testing.T) {
	p, b := newPPU(t)
	vram := b.VRAM().Contents()
	// tile 1: row 0 solid color 3, other rows color 1
	vram[0x10], vram[0x11] = 0xFF, 0xFF
	for row := 1; row < 8; row++ {
		vram[0x10+row*2] = 0xFF
	}
	// map entry (0,0) uses tile 1
	vram[0x1800] = 1
	// sprite 0 at screen (16,0) using tile 1, OBP1
	oam := b.OAM().Contents()
	oam[0], oam[1], oam[2], oam[3] = 16, 24, 1, attrPalette

	write(t, b, bus.RegBGP, 0xE4)
	write(t, b, bus.RegOBP1, 0x1B) // reversed shades
	write(t, b, bus.RegLCDC, 0x80|lcdcTiles|lcdcOBJ|lcdcBG)
	p.Tick(70224)

	fb := p.Framebuffer()
	px := func(x, y int) byte { return fb[(y*Width+x)*4] }
	if got := px(0, 0); got != 0x00 {
		t.Fatalf("bg color 3 got %02X want 00", got)
	}
	if got := px(0, 1); got != 0xC0 {
		t.Fatalf("bg color 1 got %02X want C0", got)
	}
	if got := px(8, 0); got != 0xFF {
		t.Fatalf("bg color 0 got %02X want FF", got)
	}
	// OBP1 0x1B maps color 3 to shade 0
	if got := px(16, 0); got != 0xFF {
		t.Fatalf("sprite color 3 via OBP1 got %02X want FF", got)
	}
	if got := px(16, 1); got != 0x60 {
		t.Fatalf("sprite color 1 via OBP1 got %02X want 60", got)
	}
	if got := fb[3]; got != 0xFF {
		t.Fatalf("alpha got %02X", got)
	}
	if p.Frames() != 1 {
		t.Fatalf("frames got %d want 1", p.Frames())
	}
}

func TestWindowActivationAndCounter(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegLCDC, 0x80|0x01|0x20)
	write(t, b, bus.RegWY, 10)
	write(t, b, bus.RegWX, 7)

	p.Tick(456 * 10)
	if ly := read(t, b, bus.RegLY); ly != 10 {
		t.Fatalf("expected LY=10, got %d", ly)
	}
	p.Tick(80)
	if lr := p.LineRegs(10); lr.WinLine != 0 {
		t.Fatalf("expected WinLine=0 at WY, got %d", lr.WinLine)
	}
	p.Tick(456)
	if lr := p.LineRegs(11); lr.WinLine != 1 {
		t.Fatalf("expected WinLine=1 at WY+1, got %d", lr.WinLine)
	}
}

func TestWindowNotVisibleWhenWXTooLarge(t *testing.T) {
	p, b := newPPU(t)
	write(t, b, bus.RegLCDC, 0x80|0x01|0x20)
	write(t, b, bus.RegWY, 5)
	write(t, b, bus.RegWX, 200)
	p.Tick(456 * 13)
	for y := 5; y <= 12; y++ {
		if p.LineRegs(y).WinLine != 0 {
			t.Fatalf("expected WinLine=0 at y=%d when WX>166", y)
		}
	}
}
