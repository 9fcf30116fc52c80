package cart

import "github.com/FabianRolfMatthiasNoll/gbsys/internal/memory"

// mbc5 switches up to 8 MiB of ROM through a 9-bit bank number and up to
// 128 KiB of RAM. Unlike MBC1 and MBC3, bank 0 can be mapped at $4000.
type mbc5 struct {
	romx, eram *memory.Region

	bank uint16
}

func (m *mbc5) name() string { return "MBC5" }

func (m *mbc5) control(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		setRAMEnabled(m.eram, value)
	case addr < 0x3000:
		m.bank = m.bank&0x100 | uint16(value)
		m.romx.SelectBank(int(m.bank))
	case addr < 0x4000:
		m.bank = m.bank&0xFF | uint16(value&0x01)<<8
		m.romx.SelectBank(int(m.bank))
	case addr < 0x6000:
		if m.eram != nil {
			m.eram.SelectBank(int(value & 0x0F))
		}
	}
}
