package cart

import "github.com/FabianRolfMatthiasNoll/gbsys/internal/memory"

// mbc3 switches up to 2 MiB of ROM and 32 KiB of RAM. The real-time clock is
// not present: selecting a clock register leaves RAM bank 0 mapped and the
// latch register is ignored.
type mbc3 struct {
	romx, eram *memory.Region

	bank byte
}

func (m *mbc3) name() string { return "MBC3" }

func (m *mbc3) control(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		setRAMEnabled(m.eram, value)
	case addr < 0x4000:
		m.bank = value & 0x7F
		if m.bank == 0 {
			m.bank = 1
		}
		m.romx.SelectBank(int(m.bank))
	case addr < 0x6000:
		if m.eram == nil {
			return
		}
		if value <= 0x03 {
			m.eram.SelectBank(int(value))
		} else {
			m.eram.SelectBank(0)
		}
	}
}
