package ppu

// renderBGScanlineUsingFetcher renders the 160 background color indices of line ly
// from the tile map at mapBase, scrolled by scx/scy. The map wraps at 32 tiles.
func renderBGScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, scx, scy, ly byte) [Width]byte {
	var out [Width]byte

	bgY := uint16(ly) + uint16(scy)
	fineY := byte(bgY & 7)
	mapY := (bgY >> 3) & 31

	tileX := (uint16(scx) >> 3) & 31
	fineX := int(scx & 7)

	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(tileData8000, mapBase+mapY*32+tileX, fineY)
	f.Fetch()
	for i := 0; i < fineX; i++ {
		_, _ = q.Pop()
	}

	for x := 0; x < Width; x++ {
		if q.Len() == 0 {
			tileX = (tileX + 1) & 31
			f.Configure(tileData8000, mapBase+mapY*32+tileX, fineY)
			f.Fetch()
		}
		out[x], _ = q.Pop()
	}
	return out
}

// RenderWindowScanlineUsingFetcher renders window line winLine starting at screen
// column startX (WX-7, possibly negative). Columns left of the window stay 0.
func RenderWindowScanlineUsingFetcher(mem VRAMReader, mapBase uint16, tileData8000 bool, startX int, winLine byte) [Width]byte {
	var out [Width]byte
	if startX >= Width {
		return out
	}

	mapY := uint16(winLine>>3) & 31
	fineY := winLine & 7
	var tileX uint16

	var q fifo
	f := newBGFetcher(mem, &q)
	f.Configure(tileData8000, mapBase+mapY*32, fineY)
	f.Fetch()
	// a window partly off the left edge skips its hidden columns
	for x := startX; x < 0; x++ {
		if q.Len() == 0 {
			tileX = (tileX + 1) & 31
			f.Configure(tileData8000, mapBase+mapY*32+tileX, fineY)
			f.Fetch()
		}
		_, _ = q.Pop()
	}

	x := startX
	if x < 0 {
		x = 0
	}
	for ; x < Width; x++ {
		if q.Len() == 0 {
			tileX = (tileX + 1) & 31
			f.Configure(tileData8000, mapBase+mapY*32+tileX, fineY)
			f.Fetch()
		}
		out[x], _ = q.Pop()
	}
	return out
}
