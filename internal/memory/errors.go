package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when a region is built with start > end.
	ErrInvalidRange = errors.New("invalid region range")
	// ErrBankSize is returned when banked backing storage is not a whole number of banks.
	ErrBankSize = errors.New("backing storage is not a multiple of the region size")
	// ErrOutOfRange is returned when an access falls outside a region's bounds.
	ErrOutOfRange = errors.New("address out of range")
	// ErrUnmapped is returned when no region of a space claims an address.
	ErrUnmapped = errors.New("unmapped address")
	// ErrOverlap is returned when two regions of a space claim the same address.
	ErrOverlap = errors.New("overlapping regions")
	// ErrGap is returned when the regions of a space leave an address unclaimed.
	ErrGap = errors.New("gap between regions")
)

// AccessError describes a failed byte access. Err is ErrOutOfRange or ErrUnmapped.
type AccessError struct {
	Op     string // "read", "write" or "poke"
	Addr   uint16
	Region string // empty for unmapped addresses
	Err    error
}

func (e *AccessError) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("memory: %s $%04X: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("memory: %s $%04X (%s): %v", e.Op, e.Addr, e.Region, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }
