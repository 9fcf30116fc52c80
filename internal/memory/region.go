// Package memory models the banked, memory-mapped address space of the emulated
// machine. A Region is a fixed slice of the address space with its own storage and
// independent read and write locks; a Space routes addresses to the owning Region.
//
// Locked accesses are not errors. A read-locked region reads as 0x00 and a write to
// a write-locked region is discarded, which is how the hardware behaves when the
// CPU is shut out of a memory block (VRAM during pixel transfer, the boot ROM once
// it is unmapped, disabled cartridge RAM).
package memory

import "fmt"

// LockedValue is returned by reads from a read-locked region.
const LockedValue byte = 0x00

// Region is one contiguous, inclusive address range backed by dedicated storage.
// A region may hold several equally sized banks of which exactly one is visible.
type Region struct {
	name       string
	start, end uint16
	size       int

	data  []byte // every bank, back to back
	bank  int
	banks int

	// mirror regions alias the active bank of another region
	mirrorOf *Region

	readLocked  bool
	writeLocked bool
}

// Option configures a Region at construction.
type Option func(*Region)

// ReadLocked creates the region with reads locked.
func ReadLocked() Option { return func(r *Region) { r.readLocked = true } }

// WriteLocked creates the region with writes locked.
func WriteLocked() Option { return func(r *Region) { r.writeLocked = true } }

// Banks allocates n zeroed banks instead of one.
func Banks(n int) Option {
	return func(r *Region) {
		if n > 1 {
			r.banks = n
		}
	}
}

func newRegion(name string, start, end uint16) (*Region, error) {
	if start > end {
		return nil, fmt.Errorf("%w: %s $%04X-$%04X", ErrInvalidRange, name, start, end)
	}
	return &Region{
		name:  name,
		start: start,
		end:   end,
		size:  int(end) - int(start) + 1,
		banks: 1,
	}, nil
}

// NewRegion returns a zero-filled region covering [start, end].
func NewRegion(name string, start, end uint16, opts ...Option) (*Region, error) {
	r, err := newRegion(name, start, end)
	if err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(r)
	}
	r.data = make([]byte, r.size*r.banks)
	return r, nil
}

// NewBankedRegion returns a region whose banks are views onto data. The length of
// data must be a non-zero multiple of the region size. The slice is not copied.
func NewBankedRegion(name string, start, end uint16, data []byte, opts ...Option) (*Region, error) {
	r, err := newRegion(name, start, end)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%r.size != 0 {
		return nil, fmt.Errorf("%w: %s has %d bytes for %d byte banks", ErrBankSize, name, len(data), r.size)
	}
	for _, o := range opts {
		o(r)
	}
	r.data = data
	r.banks = len(data) / r.size
	return r, nil
}

// NewMirror returns a region that shares storage with the start of target. The
// mirror follows the target's bank selection but keeps its own lock flags.
func NewMirror(name string, start, end uint16, target *Region, opts ...Option) (*Region, error) {
	r, err := newRegion(name, start, end)
	if err != nil {
		return nil, err
	}
	if r.size > target.size {
		return nil, fmt.Errorf("%w: mirror %s is larger than %s", ErrInvalidRange, name, target.name)
	}
	for _, o := range opts {
		o(r)
	}
	r.mirrorOf = target
	return r, nil
}

// Contents returns the storage of the active bank. Hardware collaborators use it to
// read memory the way the hardware does, regardless of the CPU-facing locks.
func (r *Region) Contents() []byte {
	if r.mirrorOf != nil {
		return r.mirrorOf.Contents()[:r.size]
	}
	off := r.bank * r.size
	return r.data[off : off+r.size]
}

func (r *Region) offset(op string, addr uint16) (int, error) {
	if addr < r.start || addr > r.end {
		return 0, &AccessError{Op: op, Addr: addr, Region: r.name, Err: ErrOutOfRange}
	}
	return int(addr - r.start), nil
}

// Read returns the byte at addr, or LockedValue if the region is read-locked.
func (r *Region) Read(addr uint16) (byte, error) {
	off, err := r.offset("read", addr)
	if err != nil {
		return 0, err
	}
	if r.readLocked {
		return LockedValue, nil
	}
	return r.Contents()[off], nil
}

// Write stores value at addr. The write is dropped if the region is write-locked.
func (r *Region) Write(addr uint16, value byte) error {
	off, err := r.offset("write", addr)
	if err != nil {
		return err
	}
	if r.writeLocked {
		return nil
	}
	r.Contents()[off] = value
	return nil
}

// Poke stores value at addr ignoring the write lock.
func (r *Region) Poke(addr uint16, value byte) error {
	off, err := r.offset("poke", addr)
	if err != nil {
		return err
	}
	r.Contents()[off] = value
	return nil
}

// Peek returns the byte at addr ignoring the read lock.
func (r *Region) Peek(addr uint16) (byte, error) {
	off, err := r.offset("peek", addr)
	if err != nil {
		return 0, err
	}
	return r.Contents()[off], nil
}

func (r *Region) IsReadLocked() bool  { return r.readLocked }
func (r *Region) IsWriteLocked() bool { return r.writeLocked }

func (r *Region) SetReadLocked(v bool)  { r.readLocked = v }
func (r *Region) SetWriteLocked(v bool) { r.writeLocked = v }

func (r *Region) StartAddress() uint16 { return r.start }
func (r *Region) EndAddress() uint16   { return r.end }

// Name is the label used in errors and diagnostics.
func (r *Region) Name() string { return r.name }

// Size is the number of addresses the region covers.
func (r *Region) Size() int { return r.size }

// Contains reports whether addr falls within the region.
func (r *Region) Contains(addr uint16) bool { return addr >= r.start && addr <= r.end }

// Bank returns the active bank index.
func (r *Region) Bank() int {
	if r.mirrorOf != nil {
		return r.mirrorOf.Bank()
	}
	return r.bank
}

// BankCount returns the number of banks backing the region.
func (r *Region) BankCount() int {
	if r.mirrorOf != nil {
		return r.mirrorOf.BankCount()
	}
	return r.banks
}

// SelectBank makes bank n visible. Bank numbers wrap at the bank count, the same
// way unused high bank-select bits are ignored by cartridge hardware.
func (r *Region) SelectBank(n int) {
	if r.mirrorOf != nil || r.banks <= 1 {
		return
	}
	if n < 0 {
		n = -n
	}
	r.bank = n % r.banks
}

func (r *Region) String() string {
	return fmt.Sprintf("%s $%04X-$%04X", r.name, r.start, r.end)
}
