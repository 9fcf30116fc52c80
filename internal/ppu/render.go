package ppu

// DMG grey levels for shades 0..3.
var shades = [4]byte{0xFF, 0xC0, 0x60, 0x00}

func shade(palette, ci byte) byte {
	return shades[(palette>>(ci*2))&0x03]
}

// renderLine draws scanline y from the registers captured when it entered
// pixel transfer.
func (p *PPU) renderLine(y int) {
	if y < 0 || y >= Height {
		return
	}
	lr := p.lineRegs[y]
	mem := regionReader{base: 0x8000, data: p.vram.Contents()}
	tileData8000 := lr.LCDC&lcdcTiles != 0

	var bgci [Width]byte
	if lr.LCDC&lcdcBG != 0 {
		mapBase := uint16(0x9800)
		if lr.LCDC&lcdcBGMap != 0 {
			mapBase = 0x9C00
		}
		bgci = renderBGScanlineUsingFetcher(mem, mapBase, tileData8000, lr.SCX, lr.SCY, byte(y))

		if lr.LCDC&lcdcWindow != 0 && byte(y) >= lr.WY && lr.WX <= 166 {
			winMap := uint16(0x9800)
			if lr.LCDC&lcdcWinMap != 0 {
				winMap = 0x9C00
			}
			start := int(lr.WX) - 7
			win := RenderWindowScanlineUsingFetcher(mem, winMap, tileData8000, start, lr.WinLine)
			if start < 0 {
				start = 0
			}
			copy(bgci[start:], win[start:])
		}
	}

	var objci, objpal [Width]byte
	if lr.LCDC&lcdcOBJ != 0 {
		tall := lr.LCDC&lcdcOBJTall != 0
		sprites := scanOAM(p.oam.Contents(), y, tall)
		objci, objpal = ComposeSpriteLineExt(mem, sprites, y, bgci, tall)
	}

	row := p.fb[y*Width*4 : (y+1)*Width*4]
	for x := 0; x < Width; x++ {
		var v byte
		switch {
		case objci[x] != 0 && objpal[x] == 1:
			v = shade(lr.OBP1, objci[x])
		case objci[x] != 0:
			v = shade(lr.OBP0, objci[x])
		case lr.LCDC&lcdcBG != 0:
			v = shade(lr.BGP, bgci[x])
		default:
			v = shades[0]
		}
		i := x * 4
		row[i], row[i+1], row[i+2], row[i+3] = v, v, v, 0xFF
	}
}
