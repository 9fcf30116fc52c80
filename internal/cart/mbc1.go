package cart

import "github.com/FabianRolfMatthiasNoll/gbsys/internal/memory"

// mbc1 switches up to 2 MiB of ROM and 32 KiB of RAM.
//
//	0000-1FFF RAM enable (low nibble $A)
//	2000-3FFF ROM bank, low 5 bits, 0 selects 1
//	4000-5FFF RAM bank or ROM bank bits 5-6
//	6000-7FFF banking mode: 0 ROM, 1 RAM
//
// The mode 1 remap of $0000-$3FFF used by large multicarts is not modelled.
type mbc1 struct {
	romx, eram *memory.Region

	low  byte
	high byte
	mode byte
}

func (m *mbc1) name() string { return "MBC1" }

func (m *mbc1) control(addr uint16, value byte) {
	switch {
	case addr < 0x2000:
		setRAMEnabled(m.eram, value)
	case addr < 0x4000:
		m.low = value & 0x1F
		if m.low == 0 {
			m.low = 1
		}
	case addr < 0x6000:
		m.high = value & 0x03
	default:
		m.mode = value & 0x01
	}
	m.romx.SelectBank(int(m.high<<5 | m.low))
	if m.eram != nil {
		if m.mode == 1 {
			m.eram.SelectBank(int(m.high))
		} else {
			m.eram.SelectBank(0)
		}
	}
}
