package cart

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
)

const headerEnd = 0x014F

var nintendoLogo = [48]byte{
	0xCE, 0xED, 0x66, 0x66, 0xCC, 0x0D, 0x00, 0x0B, 0x03, 0x73, 0x00, 0x83, 0x00, 0x0C, 0x00, 0x0D,
	0x00, 0x08, 0x11, 0x1F, 0x88, 0x89, 0x00, 0x0E, 0xDC, 0xCC, 0x6E, 0xE6, 0xDD, 0xDD, 0xD9, 0x99,
	0xBB, 0xBB, 0x67, 0x63, 0x6E, 0x0E, 0xEC, 0xCC, 0xDD, 0xDC, 0x99, 0x9F, 0xBB, 0xB9, 0x33, 0x3E,
}

// Header is the cartridge header at $0100-$014F.
type Header struct {
	Title          string // trimmed ASCII
	CGBFlag        byte   // 0x0143
	NewLicensee    string // 0x0144-0x0145, used when OldLicensee is 0x33
	SGBFlag        byte   // 0x0146
	CartType       byte   // 0x0147
	ROMSizeCode    byte   // 0x0148
	RAMSizeCode    byte   // 0x0149
	Destination    byte   // 0x014A
	OldLicensee    byte   // 0x014B
	ROMVersion     byte   // 0x014C
	HeaderChecksum byte   // 0x014D
	GlobalChecksum uint16 // 0x014E-0x014F

	// Decoded for diagnostics
	LogoOK       bool
	ROMSizeBytes int
	ROMBanks     int
	RAMSizeBytes int
	CartTypeStr  string
}

// ParseHeader decodes the header of rom. A missing boot logo is reported in
// LogoOK rather than failing, since test and homebrew ROMs often omit it.
func ParseHeader(rom []byte) (*Header, error) {
	if len(rom) < headerEnd+1 {
		return nil, errors.New("ROM too small to contain header")
	}

	h := &Header{
		Title:          strings.TrimRight(string(rom[0x0134:0x0144]), "\x00"),
		CGBFlag:        rom[0x0143],
		NewLicensee:    string(rom[0x0144:0x0146]),
		SGBFlag:        rom[0x0146],
		CartType:       rom[0x0147],
		ROMSizeCode:    rom[0x0148],
		RAMSizeCode:    rom[0x0149],
		Destination:    rom[0x014A],
		OldLicensee:    rom[0x014B],
		ROMVersion:     rom[0x014C],
		HeaderChecksum: rom[0x014D],
		GlobalChecksum: binary.BigEndian.Uint16(rom[0x014E:0x0150]),
		LogoOK:         bytes.Equal(rom[0x0104:0x0134], nintendoLogo[:]),
	}
	// CGB titles are 11 or 15 characters followed by flags
	if h.CGBFlag&0x80 != 0 {
		h.Title = strings.TrimRight(string(rom[0x0134:0x0143]), "\x00")
	}
	h.ROMSizeBytes, h.ROMBanks = decodeROMSize(h.ROMSizeCode)
	h.RAMSizeBytes = decodeRAMSize(h.RAMSizeCode)
	h.CartTypeStr = cartTypeString(h.CartType)
	return h, nil
}

// HeaderChecksumOK verifies the header checksum the boot ROM checks.
func HeaderChecksumOK(rom []byte) bool {
	if len(rom) < 0x014E {
		return false
	}
	var sum byte
	for addr := 0x0134; addr <= 0x014C; addr++ {
		sum = sum - rom[addr] - 1
	}
	return sum == rom[0x014D]
}

// HasRAM reports whether the cartridge type carries external RAM and the
// header declares a size for it.
func (h *Header) HasRAM() bool {
	switch h.CartType {
	case 0x02, 0x03, 0x08, 0x09, 0x10, 0x12, 0x13, 0x1A, 0x1B, 0x1D, 0x1E:
		return h.RAMSizeBytes > 0
	}
	return false
}

// HasBattery reports whether the cartridge type is battery backed.
func (h *Header) HasBattery() bool {
	switch h.CartType {
	case 0x03, 0x09, 0x0F, 0x10, 0x13, 0x1B, 0x1E:
		return true
	}
	return false
}

func decodeROMSize(code byte) (size, banks int) {
	switch {
	case code <= 0x08:
		banks = 2 << code
	case code == 0x52:
		banks = 72
	case code == 0x53:
		banks = 80
	case code == 0x54:
		banks = 96
	default:
		return 0, 0
	}
	return banks * romBankSize, banks
}

func decodeRAMSize(code byte) int {
	switch code {
	case 0x01:
		return 2 * 1024
	case 0x02:
		return 8 * 1024
	case 0x03:
		return 32 * 1024
	case 0x04:
		return 128 * 1024
	case 0x05:
		return 64 * 1024
	}
	return 0
}

func cartTypeString(code byte) string {
	switch code {
	case 0x00:
		return "ROM ONLY"
	case 0x01:
		return "MBC1"
	case 0x02:
		return "MBC1+RAM"
	case 0x03:
		return "MBC1+RAM+BATTERY"
	case 0x05, 0x06:
		return "MBC2"
	case 0x08:
		return "ROM+RAM"
	case 0x09:
		return "ROM+RAM+BATTERY"
	case 0x0F:
		return "MBC3+TIMER+BATTERY"
	case 0x10:
		return "MBC3+TIMER+RAM+BATTERY"
	case 0x11:
		return "MBC3"
	case 0x12:
		return "MBC3+RAM"
	case 0x13:
		return "MBC3+RAM+BATTERY"
	case 0x19, 0x1C:
		return "MBC5"
	case 0x1A, 0x1D:
		return "MBC5+RAM"
	case 0x1B, 0x1E:
		return "MBC5+RAM+BATTERY"
	}
	return "unknown"
}
