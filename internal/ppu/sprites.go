package ppu

import "sort"

// Sprite attribute bits
const (
	attrPalette  byte = 1 << 4
	attrFlipX    byte = 1 << 5
	attrFlipY    byte = 1 << 6
	attrBehindBG byte = 1 << 7
)

// Sprite is one OAM entry in screen coordinates (OAM X-8, Y-16).
type Sprite struct {
	X, Y     int
	Tile     byte
	Attr     byte
	OAMIndex int
}

// scanOAM returns the first ten sprites that overlap line ly, in OAM order.
func scanOAM(oam []byte, ly int, tall bool) []Sprite {
	height := 8
	if tall {
		height = 16
	}
	sprites := make([]Sprite, 0, maxLineObjs)
	for i := 0; i+oamEntrySize <= len(oam) && len(sprites) < maxLineObjs; i += oamEntrySize {
		y := int(oam[i]) - 16
		if ly < y || ly >= y+height {
			continue
		}
		sprites = append(sprites, Sprite{
			X:        int(oam[i+1]) - 8,
			Y:        y,
			Tile:     oam[i+2],
			Attr:     oam[i+3],
			OAMIndex: i / oamEntrySize,
		})
	}
	return sprites
}

// ComposeSpriteLine returns the sprite color indices of line ly, 0 meaning no sprite.
func ComposeSpriteLine(mem VRAMReader, sprites []Sprite, ly int, bgci [Width]byte, tall bool) [Width]byte {
	ci, _ := ComposeSpriteLineExt(mem, sprites, ly, bgci, tall)
	return ci
}

// ComposeSpriteLineExt is ComposeSpriteLine that also reports the palette
// (0 OBP0, 1 OBP1) of every pixel. On DMG the sprite with the lower X wins an
// overlap, ties going to the lower OAM index. A winning sprite behind a
// non-zero background pixel still hides the sprites below it.
func ComposeSpriteLineExt(mem VRAMReader, sprites []Sprite, ly int, bgci [Width]byte, tall bool) (ci, pal [Width]byte) {
	ordered := make([]Sprite, len(sprites))
	copy(ordered, sprites)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].X != ordered[j].X {
			return ordered[i].X < ordered[j].X
		}
		return ordered[i].OAMIndex < ordered[j].OAMIndex
	})

	height := 8
	if tall {
		height = 16
	}
	var claimed [Width]bool
	for _, s := range ordered {
		row := ly - s.Y
		if row < 0 || row >= height {
			continue
		}
		if s.Attr&attrFlipY != 0 {
			row = height - 1 - row
		}
		tile := s.Tile
		if tall {
			tile &^= 1
		}
		lo, hi := tileRow(mem, tileAddr(tile, true), byte(row))
		for px := 0; px < 8; px++ {
			x := s.X + px
			if x < 0 || x >= Width || claimed[x] {
				continue
			}
			bit := 7 - byte(px)
			if s.Attr&attrFlipX != 0 {
				bit = byte(px)
			}
			c := pixel(lo, hi, bit)
			if c == 0 {
				continue
			}
			claimed[x] = true
			if s.Attr&attrBehindBG != 0 && bgci[x] != 0 {
				continue
			}
			ci[x] = c
			if s.Attr&attrPalette != 0 {
				pal[x] = 1
			}
		}
	}
	return ci, pal
}
