// Package cpu implements the SM83 core used by the DMG.
//
// Opcodes are decoded by their bit fields (x = op[7:6], y = op[5:3], z = op[2:0],
// p = y[2:1], q = y[0]) rather than by a 256-entry table. All memory traffic goes
// through the Memory interface, so lock flags and register side effects of the
// address space apply to every CPU access.
package cpu

import (
	"errors"
	"fmt"
)

// Memory is the address space seen by the CPU.
type Memory interface {
	Read(addr uint16) (byte, error)
	Write(addr uint16, value byte) error
}

// ErrIllegalOpcode is wrapped by a Fault raised for one of the unused opcodes.
var ErrIllegalOpcode = errors.New("illegal opcode")

// Fault reports an instruction that could not execute.
type Fault struct {
	PC     uint16
	Opcode byte
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("cpu: fault at $%04X (opcode $%02X): %v", f.PC, f.Opcode, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

const (
	regIF uint16 = 0xFF0F
	regIE uint16 = 0xFFFF
)

// Flags
const (
	flagZ byte = 1 << 7
	flagN byte = 1 << 6
	flagH byte = 1 << 5
	flagC byte = 1 << 4
)

// CPU is an SM83 core.
type CPU struct {
	A, F byte
	B, C byte
	D, E byte
	H, L byte

	SP uint16
	PC uint16

	IME    bool
	halted bool
	// the byte after HALT is fetched twice when HALT runs with IME=0 and an
	// interrupt already pending
	haltBug bool
	// EI takes effect after the instruction following it
	eiDelay int

	mem Memory
	// first memory error raised during the current step
	memErr error
}

// New returns a CPU wired to mem with PC at the boot vector.
func New(mem Memory) *CPU {
	return &CPU{mem: mem, SP: 0xFFFE}
}

// SetPC sets the program counter.
func (c *CPU) SetPC(pc uint16) { c.PC = pc }

// Halted reports whether the core is waiting in HALT.
func (c *CPU) Halted() bool { return c.halted }

// ResetNoBoot loads the DMG register state left behind by the boot ROM.
func (c *CPU) ResetNoBoot() {
	c.A, c.F = 0x01, 0xB0
	c.B, c.C = 0x00, 0x13
	c.D, c.E = 0x00, 0xD8
	c.H, c.L = 0x01, 0x4D
	c.SP = 0xFFFE
	c.PC = 0x0100
	c.IME = false
	c.halted = false
	c.haltBug = false
	c.eiDelay = 0
}

// Registers is a snapshot of the register file.
type Registers struct {
	A, F, B, C, D, E, H, L byte
	SP, PC                 uint16
	IME, Halted            bool
}

func (r Registers) String() string {
	return fmt.Sprintf("A:%02X F:%02X B:%02X C:%02X D:%02X E:%02X H:%02X L:%02X SP:%04X PC:%04X",
		r.A, r.F, r.B, r.C, r.D, r.E, r.H, r.L, r.SP, r.PC)
}

// Registers returns a copy of the register file.
func (c *CPU) Registers() Registers {
	return Registers{
		A: c.A, F: c.F, B: c.B, C: c.C, D: c.D, E: c.E, H: c.H, L: c.L,
		SP: c.SP, PC: c.PC, IME: c.IME, Halted: c.halted,
	}
}

// Step executes one instruction, or services one interrupt, and returns the
// number of clock cycles it took. A failed step returns a *Fault; an illegal
// opcode leaves PC on the offending byte so the fault repeats.
func (c *CPU) Step() (cycles int, err error) {
	c.memErr = nil
	pc := c.PC
	cycles, op, err := c.step()
	if c.eiDelay > 0 {
		c.eiDelay--
		if c.eiDelay == 0 {
			c.IME = true
		}
	}
	if err != nil {
		c.PC = pc
		return cycles, &Fault{PC: pc, Opcode: op, Err: err}
	}
	if c.memErr != nil {
		return cycles, &Fault{PC: pc, Opcode: op, Err: c.memErr}
	}
	return cycles, nil
}

func (c *CPU) pending() byte {
	return c.read8(regIE) & c.read8(regIF) & 0x1F
}

// service dispatches the highest priority pending interrupt.
func (c *CPU) service(pending byte) int {
	var bit uint
	for bit = 0; bit < 5; bit++ {
		if pending&(1<<bit) != 0 {
			break
		}
	}
	c.write8(regIF, c.read8(regIF)&^(1<<bit))
	c.halted = false
	c.IME = false
	c.push16(c.PC)
	c.PC = 0x40 + uint16(bit)*8
	return 20
}

func (c *CPU) step() (int, byte, error) {
	if c.halted {
		if c.pending() == 0 {
			return 4, 0x76, nil
		}
		c.halted = false
	}
	if c.IME {
		if p := c.pending(); p != 0 {
			return c.service(p), 0, nil
		}
	}

	op := c.read8(c.PC)
	if c.haltBug {
		c.haltBug = false
	} else {
		c.PC++
	}

	x, y, z := op>>6, (op>>3)&7, op&7
	p, q := y>>1, y&1

	switch x {
	case 0:
		return c.execX0(op, y, z, p, q)
	case 1:
		if op == 0x76 {
			return c.halt(), op, nil
		}
		c.setR(y, c.getR(z))
		if y == 6 || z == 6 {
			return 8, op, nil
		}
		return 4, op, nil
	case 2:
		c.alu(y, c.getR(z))
		if z == 6 {
			return 8, op, nil
		}
		return 4, op, nil
	}
	return c.execX3(op, y, z, p, q)
}

func (c *CPU) halt() int {
	if !c.IME && c.pending() != 0 {
		c.haltBug = true
		return 4
	}
	c.halted = true
	return 4
}

func (c *CPU) execX0(op, y, z, p, q byte) (int, byte, error) {
	switch z {
	case 0:
		switch y {
		case 0: // NOP
			return 4, op, nil
		case 1: // LD (a16),SP
			c.write16(c.fetch16(), c.SP)
			return 20, op, nil
		case 2: // STOP; the following byte is consumed
			c.fetch8()
			return 4, op, nil
		case 3: // JR r8
			d := int8(c.fetch8())
			c.PC = uint16(int32(c.PC) + int32(d))
			return 12, op, nil
		default: // JR cc,r8
			d := int8(c.fetch8())
			if c.cond(y - 4) {
				c.PC = uint16(int32(c.PC) + int32(d))
				return 12, op, nil
			}
			return 8, op, nil
		}
	case 1:
		if q == 0 { // LD rp,d16
			c.setRP(p, c.fetch16())
			return 12, op, nil
		}
		// ADD HL,rp
		hl, v := c.getHL(), c.getRP(p)
		r := uint32(hl) + uint32(v)
		h := (hl&0x0FFF)+(v&0x0FFF) > 0x0FFF
		c.setHL(uint16(r))
		c.setZNHC(c.F&flagZ != 0, false, h, r > 0xFFFF)
		return 8, op, nil
	case 2:
		addr := c.indirect(p)
		if q == 0 {
			c.write8(addr, c.A)
		} else {
			c.A = c.read8(addr)
		}
		return 8, op, nil
	case 3:
		if q == 0 {
			c.setRP(p, c.getRP(p)+1)
		} else {
			c.setRP(p, c.getRP(p)-1)
		}
		return 8, op, nil
	case 4: // INC r
		v := c.getR(y)
		r := v + 1
		c.setR(y, r)
		c.setZNHC(r == 0, false, v&0x0F == 0x0F, c.F&flagC != 0)
		if y == 6 {
			return 12, op, nil
		}
		return 4, op, nil
	case 5: // DEC r
		v := c.getR(y)
		r := v - 1
		c.setR(y, r)
		c.setZNHC(r == 0, true, v&0x0F == 0, c.F&flagC != 0)
		if y == 6 {
			return 12, op, nil
		}
		return 4, op, nil
	case 6: // LD r,d8
		c.setR(y, c.fetch8())
		if y == 6 {
			return 12, op, nil
		}
		return 8, op, nil
	}
	c.accumulatorOp(y)
	return 4, op, nil
}

// accumulatorOp runs RLCA RRCA RLA RRA DAA CPL SCF CCF.
func (c *CPU) accumulatorOp(y byte) {
	cf := c.F&flagC != 0
	switch y {
	case 0:
		out := c.A >> 7
		c.A = c.A<<1 | out
		c.setZNHC(false, false, false, out == 1)
	case 1:
		out := c.A & 1
		c.A = c.A>>1 | out<<7
		c.setZNHC(false, false, false, out == 1)
	case 2:
		out := c.A >> 7
		c.A = c.A<<1 | b2u(cf)
		c.setZNHC(false, false, false, out == 1)
	case 3:
		out := c.A & 1
		c.A = c.A>>1 | b2u(cf)<<7
		c.setZNHC(false, false, false, out == 1)
	case 4:
		c.daa()
	case 5: // CPL
		c.A = ^c.A
		c.F = c.F&(flagZ|flagC) | flagN | flagH
	case 6: // SCF
		c.F = c.F&flagZ | flagC
	case 7: // CCF
		c.F = c.F & flagZ
		if !cf {
			c.F |= flagC
		}
	}
}

func (c *CPU) daa() {
	n := c.F&flagN != 0
	carry := c.F&flagC != 0
	var adj byte
	if c.F&flagH != 0 || (!n && c.A&0x0F > 0x09) {
		adj |= 0x06
	}
	if carry || (!n && c.A > 0x99) {
		adj |= 0x60
		carry = true
	}
	if n {
		c.A -= adj
	} else {
		c.A += adj
	}
	c.setZNHC(c.A == 0, n, false, carry)
}

func (c *CPU) execX3(op, y, z, p, q byte) (int, byte, error) {
	switch z {
	case 0:
		switch {
		case y < 4: // RET cc
			if c.cond(y) {
				c.PC = c.pop16()
				return 20, op, nil
			}
			return 8, op, nil
		case y == 4: // LDH (a8),A
			c.write8(0xFF00|uint16(c.fetch8()), c.A)
			return 12, op, nil
		case y == 5: // ADD SP,r8
			c.SP = c.addSP(c.fetch8())
			return 16, op, nil
		case y == 6: // LDH A,(a8)
			c.A = c.read8(0xFF00 | uint16(c.fetch8()))
			return 12, op, nil
		default: // LD HL,SP+r8
			c.setHL(c.addSP(c.fetch8()))
			return 12, op, nil
		}
	case 1:
		if q == 0 { // POP rp2
			c.setRP2(p, c.pop16())
			return 12, op, nil
		}
		switch p {
		case 0: // RET
			c.PC = c.pop16()
			return 16, op, nil
		case 1: // RETI
			c.PC = c.pop16()
			c.IME = true
			c.eiDelay = 0
			return 16, op, nil
		case 2: // JP HL
			c.PC = c.getHL()
			return 4, op, nil
		default: // LD SP,HL
			c.SP = c.getHL()
			return 8, op, nil
		}
	case 2:
		switch {
		case y < 4: // JP cc,a16
			addr := c.fetch16()
			if c.cond(y) {
				c.PC = addr
				return 16, op, nil
			}
			return 12, op, nil
		case y == 4: // LD (C),A
			c.write8(0xFF00|uint16(c.C), c.A)
			return 8, op, nil
		case y == 5: // LD (a16),A
			c.write8(c.fetch16(), c.A)
			return 16, op, nil
		case y == 6: // LD A,(C)
			c.A = c.read8(0xFF00 | uint16(c.C))
			return 8, op, nil
		default: // LD A,(a16)
			c.A = c.read8(c.fetch16())
			return 16, op, nil
		}
	case 3:
		switch y {
		case 0: // JP a16
			c.PC = c.fetch16()
			return 16, op, nil
		case 1:
			return c.execCB(), op, nil
		case 6: // DI
			c.IME = false
			c.eiDelay = 0
			return 4, op, nil
		case 7: // EI
			if !c.IME && c.eiDelay == 0 {
				c.eiDelay = 2
			}
			return 4, op, nil
		}
		return 4, op, ErrIllegalOpcode
	case 4:
		if y >= 4 {
			return 4, op, ErrIllegalOpcode
		}
		// CALL cc,a16
		addr := c.fetch16()
		if c.cond(y) {
			c.push16(c.PC)
			c.PC = addr
			return 24, op, nil
		}
		return 12, op, nil
	case 5:
		if q == 0 { // PUSH rp2
			c.push16(c.getRP2(p))
			return 16, op, nil
		}
		if p != 0 {
			return 4, op, ErrIllegalOpcode
		}
		// CALL a16
		addr := c.fetch16()
		c.push16(c.PC)
		c.PC = addr
		return 24, op, nil
	case 6: // ALU A,d8
		c.alu(y, c.fetch8())
		return 8, op, nil
	}
	// RST
	c.push16(c.PC)
	c.PC = uint16(y) * 8
	return 16, op, nil
}

func (c *CPU) execCB() int {
	cb := c.fetch8()
	x, y, z := cb>>6, (cb>>3)&7, cb&7
	v := c.getR(z)

	switch x {
	case 0:
		c.setR(z, c.rotate(y, v))
	case 1: // BIT
		c.F = c.F&flagC | flagH
		if v&(1<<y) == 0 {
			c.F |= flagZ
		}
		if z == 6 {
			return 12
		}
		return 8
	case 2: // RES
		c.setR(z, v&^(1<<y))
	case 3: // SET
		c.setR(z, v|1<<y)
	}
	if z == 6 {
		return 16
	}
	return 8
}

// rotate runs RLC RRC RL RR SLA SRA SWAP SRL on v.
func (c *CPU) rotate(y, v byte) byte {
	cf := b2u(c.F&flagC != 0)
	var r, out byte
	switch y {
	case 0:
		out = v >> 7
		r = v<<1 | out
	case 1:
		out = v & 1
		r = v>>1 | out<<7
	case 2:
		out = v >> 7
		r = v<<1 | cf
	case 3:
		out = v & 1
		r = v>>1 | cf<<7
	case 4:
		out = v >> 7
		r = v << 1
	case 5:
		out = v & 1
		r = v>>1 | v&0x80
	case 6:
		r = v<<4 | v>>4
	case 7:
		out = v & 1
		r = v >> 1
	}
	c.setZNHC(r == 0, false, false, out == 1)
	return r
}

// alu runs ADD ADC SUB SBC AND XOR OR CP against A.
func (c *CPU) alu(y, v byte) {
	cf := c.F&flagC != 0
	switch y {
	case 0:
		r, h, cy := add8(c.A, v, false)
		c.A = r
		c.setZNHC(r == 0, false, h, cy)
	case 1:
		r, h, cy := add8(c.A, v, cf)
		c.A = r
		c.setZNHC(r == 0, false, h, cy)
	case 2:
		r, h, cy := sub8(c.A, v, false)
		c.A = r
		c.setZNHC(r == 0, true, h, cy)
	case 3:
		r, h, cy := sub8(c.A, v, cf)
		c.A = r
		c.setZNHC(r == 0, true, h, cy)
	case 4:
		c.A &= v
		c.setZNHC(c.A == 0, false, true, false)
	case 5:
		c.A ^= v
		c.setZNHC(c.A == 0, false, false, false)
	case 6:
		c.A |= v
		c.setZNHC(c.A == 0, false, false, false)
	case 7:
		r, h, cy := sub8(c.A, v, false)
		c.setZNHC(r == 0, true, h, cy)
	}
}

func add8(a, b byte, carryIn bool) (res byte, h, cy bool) {
	ci := b2u(carryIn)
	r := uint16(a) + uint16(b) + uint16(ci)
	return byte(r), (a&0x0F)+(b&0x0F)+ci > 0x0F, r > 0xFF
}

func sub8(a, b byte, carryIn bool) (res byte, h, cy bool) {
	ci := b2u(carryIn)
	r := int16(a) - int16(b) - int16(ci)
	return byte(r), int16(a&0x0F)-int16(b&0x0F)-int16(ci) < 0, r < 0
}

// addSP adds a signed offset to SP; H and C come from the low byte.
func (c *CPU) addSP(raw byte) uint16 {
	off := int8(raw)
	h := (c.SP&0x0F)+uint16(raw&0x0F) > 0x0F
	cy := (c.SP&0xFF)+uint16(raw) > 0xFF
	c.setZNHC(false, false, h, cy)
	return uint16(int32(c.SP) + int32(off))
}

func (c *CPU) cond(cc byte) bool {
	switch cc {
	case 0:
		return c.F&flagZ == 0
	case 1:
		return c.F&flagZ != 0
	case 2:
		return c.F&flagC == 0
	}
	return c.F&flagC != 0
}

func (c *CPU) setZNHC(z, n, h, carry bool) {
	var f byte
	if z {
		f |= flagZ
	}
	if n {
		f |= flagN
	}
	if h {
		f |= flagH
	}
	if carry {
		f |= flagC
	}
	c.F = f
}

func b2u(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// getR and setR address B C D E H L (HL) A by index.
func (c *CPU) getR(i byte) byte {
	switch i {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return c.read8(c.getHL())
	}
	return c.A
}

func (c *CPU) setR(i, v byte) {
	switch i {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		c.write8(c.getHL(), v)
	default:
		c.A = v
	}
}

// getRP and setRP address BC DE HL SP.
func (c *CPU) getRP(p byte) uint16 {
	switch p {
	case 0:
		return c.getBC()
	case 1:
		return c.getDE()
	case 2:
		return c.getHL()
	}
	return c.SP
}

func (c *CPU) setRP(p byte, v uint16) {
	switch p {
	case 0:
		c.setBC(v)
	case 1:
		c.setDE(v)
	case 2:
		c.setHL(v)
	default:
		c.SP = v
	}
}

// getRP2 and setRP2 address BC DE HL AF.
func (c *CPU) getRP2(p byte) uint16 {
	if p == 3 {
		return c.getAF()
	}
	return c.getRP(p)
}

func (c *CPU) setRP2(p byte, v uint16) {
	if p == 3 {
		c.setAF(v)
		return
	}
	c.setRP(p, v)
}

// indirect resolves (BC) (DE) (HL+) (HL-).
func (c *CPU) indirect(p byte) uint16 {
	switch p {
	case 0:
		return c.getBC()
	case 1:
		return c.getDE()
	case 2:
		hl := c.getHL()
		c.setHL(hl + 1)
		return hl
	}
	hl := c.getHL()
	c.setHL(hl - 1)
	return hl
}

func (c *CPU) getAF() uint16  { return uint16(c.A)<<8 | uint16(c.F&0xF0) }
func (c *CPU) setAF(v uint16) { c.A = byte(v >> 8); c.F = byte(v) & 0xF0 }
func (c *CPU) getBC() uint16  { return uint16(c.B)<<8 | uint16(c.C) }
func (c *CPU) setBC(v uint16) { c.B = byte(v >> 8); c.C = byte(v) }
func (c *CPU) getDE() uint16  { return uint16(c.D)<<8 | uint16(c.E) }
func (c *CPU) setDE(v uint16) { c.D = byte(v >> 8); c.E = byte(v) }
func (c *CPU) getHL() uint16  { return uint16(c.H)<<8 | uint16(c.L) }
func (c *CPU) setHL(v uint16) { c.H = byte(v >> 8); c.L = byte(v) }

func (c *CPU) read8(addr uint16) byte {
	v, err := c.mem.Read(addr)
	if err != nil {
		if c.memErr == nil {
			c.memErr = err
		}
		return 0xFF
	}
	return v
}

func (c *CPU) write8(addr uint16, v byte) {
	if err := c.mem.Write(addr, v); err != nil && c.memErr == nil {
		c.memErr = err
	}
}

func (c *CPU) fetch8() byte {
	b := c.read8(c.PC)
	c.PC++
	return b
}

func (c *CPU) fetch16() uint16 {
	lo := uint16(c.fetch8())
	hi := uint16(c.fetch8())
	return lo | hi<<8
}

func (c *CPU) read16(addr uint16) uint16 {
	lo := uint16(c.read8(addr))
	hi := uint16(c.read8(addr + 1))
	return lo | hi<<8
}

func (c *CPU) write16(addr uint16, v uint16) {
	c.write8(addr, byte(v))
	c.write8(addr+1, byte(v>>8))
}

func (c *CPU) push16(v uint16) {
	c.SP -= 2
	c.write16(c.SP, v)
}

func (c *CPU) pop16() uint16 {
	v := c.read16(c.SP)
	c.SP += 2
	return v
}
