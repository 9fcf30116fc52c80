package emu

// Config contains settings that affect emulation behavior.
type Config struct {
	BootROM   []byte // DMG boot ROM; without one execution starts at $0100
	SaveRAM   bool   // read and write <rom>.sav for battery backed cartridges
	DumpPath  string // file the teardown dump is written to; empty logs it instead
	DumpGraph string // graphviz file of the teardown snapshot
	Trace     bool   // log every instruction
}

// Defaults returns the configuration used by the command line front ends.
func Defaults() Config {
	return Config{SaveRAM: true}
}
