package ppu

// VRAMReader reads video memory bytes by CPU address, without access restrictions.
type VRAMReader interface {
	Read(addr uint16) byte
}

// regionReader reads VRAM straight out of the bus region storage.
type regionReader struct {
	base uint16
	data []byte
}

func (r regionReader) Read(addr uint16) byte {
	off := int(addr) - int(r.base)
	if off < 0 || off >= len(r.data) {
		return 0xFF
	}
	return r.data[off]
}

// fifo is a ring buffer of 2-bit color indices.
type fifo struct {
	buf  [32]byte
	head int
	tail int
	size int
}

func (q *fifo) Clear()   { q.head, q.tail, q.size = 0, 0, 0 }
func (q *fifo) Len() int { return q.size }

func (q *fifo) Push(ci byte) bool {
	if q.size == len(q.buf) {
		return false
	}
	q.buf[q.tail] = ci & 0x03
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
	return true
}

func (q *fifo) Pop() (byte, bool) {
	if q.size == 0 {
		return 0, false
	}
	v := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return v, true
}

// bgFetcher pulls one tile row (8 pixels) of a tile map into the FIFO.
type bgFetcher struct {
	mem           VRAMReader
	fifo          *fifo
	tileData8000  bool // false selects signed addressing around $9000
	tileIndexAddr uint16
	fineY         byte
}

func newBGFetcher(mem VRAMReader, f *fifo) *bgFetcher { return &bgFetcher{mem: mem, fifo: f} }

// Configure points the fetcher at the next tile map entry.
func (fch *bgFetcher) Configure(tileData8000 bool, tileIndexAddr uint16, fineY byte) {
	fch.tileData8000 = tileData8000
	fch.tileIndexAddr = tileIndexAddr
	fch.fineY = fineY & 7
}

// Fetch pushes the 8 color indices of the configured tile row.
func (fch *bgFetcher) Fetch() {
	tileNum := fch.mem.Read(fch.tileIndexAddr)
	lo, hi := tileRow(fch.mem, tileAddr(tileNum, fch.tileData8000), fch.fineY)
	for px := 0; px < 8; px++ {
		_ = fch.fifo.Push(pixel(lo, hi, 7-byte(px)))
	}
}

func tileAddr(tileNum byte, tileData8000 bool) uint16 {
	if tileData8000 {
		return 0x8000 + uint16(tileNum)*16
	}
	return uint16(0x9000 + int(int8(tileNum))*16)
}

func tileRow(mem VRAMReader, base uint16, row byte) (lo, hi byte) {
	addr := base + uint16(row)*2
	return mem.Read(addr), mem.Read(addr + 1)
}

func pixel(lo, hi, bit byte) byte {
	return (hi>>bit)&1<<1 | (lo>>bit)&1
}
