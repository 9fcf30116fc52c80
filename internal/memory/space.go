package memory

import (
	"fmt"
	"sort"
)

// WriteWatcher is called after the CPU writes to a watched address. It models
// register side effects: bank switching, timer resets, DMA, boot ROM unmapping.
type WriteWatcher func(addr uint16, value byte)

type watch struct {
	lo, hi uint16
	fn     WriteWatcher
}

// Space is an ordered, gapless and non-overlapping set of regions covering
// [0, max]. Every address belongs to exactly one region.
type Space struct {
	max     uint16
	regions []*Region
	watches []watch
}

// NewSpace assembles regions into a space covering [0, max]. Regions may be given
// in any order; they must neither overlap nor leave a gap.
func NewSpace(max uint16, regions ...*Region) (*Space, error) {
	rs := make([]*Region, len(regions))
	copy(rs, regions)
	sort.Slice(rs, func(i, j int) bool { return rs[i].start < rs[j].start })

	if len(rs) == 0 {
		return nil, fmt.Errorf("%w: no regions for $0000-$%04X", ErrGap, max)
	}
	if rs[0].start != 0 {
		return nil, fmt.Errorf("%w: $0000-$%04X unclaimed", ErrGap, rs[0].start-1)
	}
	for i := 1; i < len(rs); i++ {
		prev, cur := rs[i-1], rs[i]
		switch {
		case cur.start <= prev.end:
			return nil, fmt.Errorf("%w: %v and %v", ErrOverlap, prev, cur)
		case int(cur.start) != int(prev.end)+1:
			return nil, fmt.Errorf("%w: $%04X-$%04X unclaimed", ErrGap, prev.end+1, cur.start-1)
		}
	}
	last := rs[len(rs)-1]
	if last.end < max {
		return nil, fmt.Errorf("%w: $%04X-$%04X unclaimed", ErrGap, last.end+1, max)
	}
	if last.end > max {
		return nil, fmt.Errorf("%w: %v extends past $%04X", ErrInvalidRange, last, max)
	}

	return &Space{max: max, regions: rs}, nil
}

// Region returns the region owning addr.
func (s *Space) Region(addr uint16) (*Region, error) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].end >= addr })
	if i == len(s.regions) || s.regions[i].start > addr {
		return nil, &AccessError{Op: "lookup", Addr: addr, Err: ErrUnmapped}
	}
	return s.regions[i], nil
}

// Read reads addr through the owning region, honouring its read lock.
func (s *Space) Read(addr uint16) (byte, error) {
	r, err := s.Region(addr)
	if err != nil {
		return 0, &AccessError{Op: "read", Addr: addr, Err: ErrUnmapped}
	}
	return r.Read(addr)
}

// Write writes addr through the owning region, honouring its write lock, and
// then runs any watchers covering addr. Watchers run even when the write itself was
// discarded: a write to cartridge ROM is how the CPU talks to the bank controller.
func (s *Space) Write(addr uint16, value byte) error {
	r, err := s.Region(addr)
	if err != nil {
		return &AccessError{Op: "write", Addr: addr, Err: ErrUnmapped}
	}
	if err := r.Write(addr, value); err != nil {
		return err
	}
	for _, w := range s.watches {
		if addr >= w.lo && addr <= w.hi {
			w.fn(addr, value)
		}
	}
	return nil
}

// Peek reads addr ignoring read locks. For diagnostics and tracing.
func (s *Space) Peek(addr uint16) (byte, error) {
	r, err := s.Region(addr)
	if err != nil {
		return 0, err
	}
	return r.Peek(addr)
}

// Poke writes addr ignoring write locks and without running watchers.
func (s *Space) Poke(addr uint16, value byte) error {
	r, err := s.Region(addr)
	if err != nil {
		return err
	}
	return r.Poke(addr, value)
}

// Watch registers fn to run after every write to an address in [lo, hi].
func (s *Space) Watch(lo, hi uint16, fn WriteWatcher) {
	s.watches = append(s.watches, watch{lo: lo, hi: hi, fn: fn})
}

// Replace swaps the region covering exactly the same range as r for r. Used when a
// cartridge installs its banks over the placeholder regions of an empty slot.
func (s *Space) Replace(r *Region) error {
	for i, old := range s.regions {
		if old.start == r.start && old.end == r.end {
			s.regions[i] = r
			return nil
		}
	}
	return fmt.Errorf("%w: no region spans exactly %v", ErrInvalidRange, r)
}

// Regions returns the regions in address order.
func (s *Space) Regions() []*Region {
	out := make([]*Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// MaxAddress is the highest address covered by the space.
func (s *Space) MaxAddress() uint16 { return s.max }
