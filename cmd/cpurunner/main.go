package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/cpu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/emu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
)

// traceEntry is one executed instruction.
type traceEntry struct {
	op    byte
	step  int
	regs  cpu.Registers
	ifreg byte
	iereg byte
}

func (te traceEntry) String() string {
	return fmt.Sprintf("OP=%02X step=%d %s IME=%t IF=%02X IE=%02X",
		te.op, te.step, te.regs, te.regs.IME, te.ifreg, te.iereg)
}

// traceRing keeps the most recent entries.
type traceRing struct {
	entries []traceEntry
	next    int
	fill    int
}

func (r *traceRing) add(te traceEntry) {
	if len(r.entries) == 0 {
		return
	}
	r.entries[r.next] = te
	r.next = (r.next + 1) % len(r.entries)
	if r.fill < len(r.entries) {
		r.fill++
	}
}

func (r *traceRing) dump(w io.Writer) {
	start := (r.next - r.fill + len(r.entries)) % len(r.entries)
	for i := 0; i < r.fill; i++ {
		fmt.Fprintln(w, r.entries[(start+i)%len(r.entries)])
	}
}

func main() {
	romPath := flag.String("rom", "", "path to ROM (.gb, or an archive holding one)")
	bootPath := flag.String("bootrom", "", "optional DMG boot ROM to run from 0x0000 until FF50 disables it")
	steps := flag.Int("steps", 5_000_000, "max CPU steps to run")
	trace := flag.Bool("trace", false, "print every instruction")
	until := flag.String("until", "Passed", "stop when serial output contains this substring (case-insensitive); empty to disable")
	auto := flag.Bool("auto", false, "auto-detect 'Passed' or 'Failed N tests' in serial output and exit with code 0/1")
	timeout := flag.Duration("timeout", 0, "optional wall-clock timeout (e.g. 30s, 2m); 0 disables")
	traceOnFail := flag.Bool("traceOnFail", false, "when -auto detects failure, print a recent trace window (slows down)")
	traceWindow := flag.Int("traceWindow", 200, "number of recent instructions to include in 'traceOnFail' dump")
	flag.Parse()

	logger.SetEcho(os.Stderr, logger.Info)
	if *romPath == "" {
		log.Fatal("-rom is required")
	}

	cfg := emu.Config{}
	if *bootPath != "" {
		boot, err := os.ReadFile(*bootPath)
		if err != nil {
			log.Fatalf("read bootrom: %v", err)
		}
		cfg.BootROM = boot
	}

	m := emu.New(cfg)
	var ser bytes.Buffer
	m.SetSerialWriter(io.MultiWriter(os.Stdout, &ser))
	if err := m.LoadROM(*romPath); err != nil {
		log.Fatal(err)
	}
	// single instruction stepping needs a paused run
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	if err := m.Pause(); err != nil {
		log.Fatal(err)
	}

	start := time.Now()
	var deadline time.Time
	if *timeout > 0 {
		deadline = start.Add(*timeout)
	}
	failRe := regexp.MustCompile(`(?i)failed\s+(\d+)\s+tests?`)
	stageRe := regexp.MustCompile(`\b(\d{2}:\d{2})\b`)
	lastStage := ""

	ring := &traceRing{}
	if *traceOnFail && *traceWindow > 0 {
		ring.entries = make([]traceEntry, *traceWindow)
	}
	done := func(i int, code int) {
		if lastStage != "" {
			fmt.Printf("Last stage seen: %s\n", lastStage)
		}
		fmt.Printf("\nDone: steps=%d elapsed=%s\n", i, time.Since(start).Truncate(time.Millisecond))
		m.Close()
		os.Exit(code)
	}

	b := m.Bus()
	for i := 0; i < *steps; i++ {
		var te traceEntry
		if *trace || *traceOnFail {
			pc := m.Registers().PC
			te.op, _ = b.Space().Peek(pc)
		}
		if err := m.Step(); err != nil {
			fmt.Printf("\n%v\n", err)
			if *traceOnFail {
				ring.dump(os.Stdout)
			}
			done(i+1, 3)
		}
		if *trace || *traceOnFail {
			te.step = i
			te.regs = m.Registers()
			te.ifreg, _ = b.Space().Peek(0xFF0F)
			te.iereg, _ = b.Space().Peek(0xFFFF)
			if *trace {
				fmt.Println(te)
			}
			ring.add(te)
		}

		if *auto {
			s := ser.String()
			if mm := stageRe.FindAllString(s, -1); len(mm) > 0 {
				lastStage = mm[len(mm)-1]
			}
			if strings.Contains(strings.ToLower(s), "passed") {
				fmt.Printf("\nDetected PASS in serial output.\n")
				done(i+1, 0)
			}
			if f := failRe.FindStringSubmatch(s); f != nil {
				fmt.Printf("\nDetected %s in serial output.\n", f[0])
				if ring.fill > 0 {
					fmt.Printf("\n--- recent trace (last %d instructions) ---\n", ring.fill)
					ring.dump(os.Stdout)
					fmt.Printf("--- end trace ---\n")
				}
				done(i+1, 1)
			}
		} else if *until != "" {
			if strings.Contains(strings.ToLower(ser.String()), strings.ToLower(*until)) {
				fmt.Printf("\nDetected '%s' in serial output.\n", *until)
				done(i+1, 0)
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			fmt.Printf("\nTimeout after %s.\n", time.Since(start).Truncate(time.Millisecond))
			done(i+1, 2)
		}
	}
	done(*steps, 0)
}
