// Package cart loads Game Boy cartridges and maps them into the bus.
//
// ROM and external RAM are exposed as banked memory regions; a bank controller
// watches writes to $0000-$7FFF and switches banks or toggles the RAM lock
// flags, so the CPU reaches cartridge memory through the address space like
// any other region.
package cart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/bus"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/memory"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/romfile"
)

const (
	romBankSize = 0x4000
	ramBankSize = 0x2000
	minROMSize  = 2 * romBankSize
)

var (
	ErrTooSmall    = errors.New("ROM too small")
	ErrUnsupported = errors.New("unsupported cartridge type")
)

// controller is a memory bank controller. It is wired to the ROMX and ERAM
// regions and receives writes to the ROM address range.
type controller interface {
	name() string
	control(addr uint16, value byte)
}

// Cartridge is a parsed ROM image plus its bank controller.
type Cartridge struct {
	Header *Header
	path   string

	rom     []byte
	ram     []byte
	battery bool

	rom0, romx, eram *memory.Region
	mbc              controller
}

// Load reads a cartridge from path, unpacking archives.
func Load(path string) (*Cartridge, error) {
	data, _, err := romfile.Load(path)
	if err != nil {
		return nil, err
	}
	c, err := New(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	c.path = path
	return c, nil
}

// New parses rom and builds its regions and bank controller.
func New(rom []byte) (*Cartridge, error) {
	if len(rom) <= headerEnd {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(rom))
	}
	h, err := ParseHeader(rom)
	if err != nil {
		return nil, err
	}

	c := &Cartridge{Header: h, rom: padROM(rom), battery: h.HasBattery()}
	if h.HasRAM() {
		n := h.RAMSizeBytes
		if n < ramBankSize {
			n = ramBankSize
		}
		c.ram = make([]byte, n)
	}

	c.rom0, err = memory.NewBankedRegion("cart rom0", 0x0100, 0x3FFF, c.rom[0x0100:romBankSize], memory.WriteLocked())
	if err != nil {
		return nil, err
	}
	c.romx, err = memory.NewBankedRegion("cart romx", 0x4000, 0x7FFF, c.rom, memory.WriteLocked())
	if err != nil {
		return nil, err
	}
	c.romx.SelectBank(1)
	if c.ram != nil {
		// disabled until the game writes the enable value
		c.eram, err = memory.NewBankedRegion("cart ram", 0xA000, 0xBFFF, c.ram, memory.ReadLocked(), memory.WriteLocked())
		if err != nil {
			return nil, err
		}
	}

	switch h.CartType {
	case 0x00, 0x08, 0x09:
		c.mbc = romOnly{}
		if c.eram != nil {
			c.eram.SetReadLocked(false)
			c.eram.SetWriteLocked(false)
		}
	case 0x01, 0x02, 0x03:
		c.mbc = &mbc1{romx: c.romx, eram: c.eram, low: 1}
	case 0x0F, 0x10, 0x11, 0x12, 0x13:
		c.mbc = &mbc3{romx: c.romx, eram: c.eram}
	case 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E:
		c.mbc = &mbc5{romx: c.romx, eram: c.eram, bank: 1}
	default:
		return nil, fmt.Errorf("%w: $%02X (%s)", ErrUnsupported, h.CartType, h.CartTypeStr)
	}
	return c, nil
}

// padROM rounds the image up to whole 16 KiB banks, at least two.
func padROM(rom []byte) []byte {
	n := len(rom)
	if rem := n % romBankSize; rem != 0 {
		n += romBankSize - rem
	}
	if n < minROMSize {
		n = minROMSize
	}
	if n == len(rom) {
		return rom
	}
	out := make([]byte, n)
	copy(out, rom)
	for i := len(rom); i < n; i++ {
		out[i] = 0xFF
	}
	return out
}

// Attach maps the cartridge into b and starts watching bank control writes.
func (c *Cartridge) Attach(b *bus.Bus) error {
	regions := []*memory.Region{c.rom0, c.romx}
	if c.eram != nil {
		regions = append(regions, c.eram)
	}
	if err := b.MapCartridge(c.rom[:bus.BootROMSize], regions...); err != nil {
		return fmt.Errorf("attach cartridge: %w", err)
	}
	b.Space().Watch(0x0000, 0x7FFF, c.mbc.control)
	return nil
}

// Path returns the file the cartridge was loaded from, if any.
func (c *Cartridge) Path() string { return c.path }

// Title returns the header title.
func (c *Cartridge) Title() string { return c.Header.Title }

// Controller names the bank controller.
func (c *Cartridge) Controller() string { return c.mbc.name() }

// ROMSize returns the size of the mapped ROM image.
func (c *Cartridge) ROMSize() int { return len(c.rom) }

// HasBattery reports whether external RAM survives power off.
func (c *Cartridge) HasBattery() bool { return c.battery && len(c.ram) > 0 }

// SaveRAM returns a copy of the external RAM.
func (c *Cartridge) SaveRAM() []byte {
	if len(c.ram) == 0 {
		return nil
	}
	out := make([]byte, len(c.ram))
	copy(out, c.ram)
	return out
}

// LoadRAM restores external RAM from data; extra bytes are ignored.
func (c *Cartridge) LoadRAM(data []byte) {
	copy(c.ram, data)
}

// SavePath returns the battery file that belongs to the cartridge: the ROM
// path with its extension replaced by .sav.
func (c *Cartridge) SavePath() string {
	if c.path == "" {
		return ""
	}
	return strings.TrimSuffix(c.path, filepath.Ext(c.path)) + ".sav"
}

// ReadSave loads the battery file if one exists. A missing file is not an error.
func (c *Cartridge) ReadSave() error {
	if !c.HasBattery() || c.SavePath() == "" {
		return nil
	}
	data, err := os.ReadFile(c.SavePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	c.LoadRAM(data)
	return nil
}

// WriteSave stores external RAM in the battery file.
func (c *Cartridge) WriteSave() error {
	if !c.HasBattery() || c.SavePath() == "" {
		return nil
	}
	return os.WriteFile(c.SavePath(), c.ram, 0o644)
}

// setRAMEnabled models the RAM enable register with the region lock flags.
func setRAMEnabled(eram *memory.Region, value byte) {
	if eram == nil {
		return
	}
	on := value&0x0F == 0x0A
	eram.SetReadLocked(!on)
	eram.SetWriteLocked(!on)
}

type romOnly struct{}

func (romOnly) name() string         { return "ROM ONLY" }
func (romOnly) control(uint16, byte) {}
