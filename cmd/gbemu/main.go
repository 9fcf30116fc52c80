package main

import (
	"context"
	"flag"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/emu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/loop"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/sdlhost"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/statsview"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/termhost"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/ui"
)

// SDL and ebiten both want the main thread.
func init() { runtime.LockOSThread() }

type CLIFlags struct {
	ROMPath string
	BootROM string
	Host    string // ebiten, sdl or term
	Scale   int
	Title   string
	FPS     float64
	DropDir string // where dropped ROMs and their saves live
	Trace   bool
	SaveRAM bool // persist battery RAM next to ROM (.sav)

	DumpPath  string
	DumpGraph string
	StatsView bool

	// headless
	Headless bool
	Frames   int
	PNGOut   string
	Expect   string // expected framebuffer CRC32 hex (e.g., "1a2b3c4d")
}

func parseFlags(args []string) (CLIFlags, error) {
	var f CLIFlags
	fs := flag.NewFlagSet("gbemu", flag.ContinueOnError)
	fs.StringVar(&f.ROMPath, "rom", "", "path to ROM (.gb, .zip, .7z, .rar, .tar.gz)")
	fs.StringVar(&f.BootROM, "bootrom", "", "optional DMG boot ROM")
	fs.StringVar(&f.Host, "host", "ebiten", "window host: ebiten, sdl or term")
	fs.IntVar(&f.Scale, "scale", 3, "window scale")
	fs.StringVar(&f.DropDir, "dropdir", "", "keep ROMs dropped on the ebiten window and their saves here; default is a temp dir removed on exit")
	fs.StringVar(&f.Title, "title", "gbemu", "window title")
	fs.Float64Var(&f.FPS, "fps", loop.Defaults().FrameRate, "target frame rate; 0 runs unpaced")
	fs.BoolVar(&f.Trace, "trace", false, "CPU trace log")
	fs.BoolVar(&f.SaveRAM, "save", true, "persist battery RAM to ROM.sav on exit and load on start")
	fs.StringVar(&f.DumpPath, "dump", "", "write the system dump to this file on exit")
	fs.StringVar(&f.DumpGraph, "dumpgraph", "", "write a graphviz dump of the system to this file on exit")
	fs.BoolVar(&f.StatsView, "statsview", false, "serve runtime statistics on "+statsview.URL(""))

	// headless options
	fs.BoolVar(&f.Headless, "headless", false, "run without a window")
	fs.IntVar(&f.Frames, "frames", 300, "frames to run in headless mode")
	fs.StringVar(&f.PNGOut, "outpng", "", "write last framebuffer to PNG at path")
	fs.StringVar(&f.Expect, "expect", "", "assert framebuffer CRC32 (hex)")
	err := flag.Parse(args)
	return f, err
}

// loopConfig paces the execution loop at the requested frame rate.
func (f CLIFlags) loopConfig() loop.Config {
	return loop.Config{FrameRate: f.FPS}
}

func runHeadless(m *emu.Machine, f CLIFlags) error {
	if f.ROMPath == "" {
		return fmt.Errorf("headless mode needs -rom")
	}
	if err := m.LoadROM(f.ROMPath); err != nil {
		return err
	}
	if err := m.Start(); err != nil {
		return err
	}
	frames := f.Frames
	if frames <= 0 {
		frames = 1
	}

	start := time.Now()
	for i := 0; i < frames; i++ {
		if err := m.RunFrame(); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	dur := time.Since(start)

	fb := m.Framebuffer()
	crc := crc32.ChecksumIEEE(fb)
	fps := float64(frames) / dur.Seconds()

	log.Printf("headless: frames=%d elapsed=%s fps=%.2f fb_crc32=%08x",
		frames, dur.Truncate(time.Millisecond), fps, crc)

	if f.PNGOut != "" {
		if err := savePNG(fb, f.PNGOut); err != nil {
			return fmt.Errorf("write PNG: %w", err)
		}
		log.Printf("wrote %s", f.PNGOut)
	}

	if f.Expect != "" {
		// allow with/without 0x, upper/lowercase
		want := strings.TrimPrefix(strings.ToLower(f.Expect), "0x")
		got := fmt.Sprintf("%08x", crc)
		if got != want {
			return fmt.Errorf("checksum mismatch: got %s, want %s", got, want)
		}
	}
	return nil
}

func savePNG(fb []byte, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ui.WritePNG(f, fb); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func mustRead(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	return b
}

func status(m *emu.Machine) termhost.Status {
	return func() string {
		switch {
		case !m.Loaded():
			return "no cartridge"
		case m.IsPaused():
			r := m.Registers()
			return fmt.Sprintf("paused  PC:%04X SP:%04X", r.PC, r.SP)
		case m.IsRunning():
			return "running  " + m.Title()
		}
		return "stopped"
	}
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	sev := logger.Info
	if f.Trace {
		sev = logger.Debug
	}
	logger.SetEcho(os.Stderr, sev)

	if f.StatsView {
		statsview.Launch(statsview.Address, os.Stderr)
	}

	cfg := emu.Defaults()
	cfg.BootROM = mustRead(f.BootROM)
	cfg.SaveRAM = f.SaveRAM
	cfg.DumpPath = f.DumpPath
	cfg.DumpGraph = f.DumpGraph
	cfg.Trace = f.Trace
	m := emu.New(cfg)

	if f.Headless {
		err := runHeadless(m, f)
		m.Close()
		if err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lcfg := f.loopConfig()
	switch f.Host {
	case "ebiten":
		app := ui.NewApp(ui.Config{Title: f.Title, Scale: f.Scale, TPS: int(f.FPS), DropDir: f.DropDir}, m)
		s := loop.New(m, app, lcfg)
		if f.ROMPath != "" {
			s.Load(f.ROMPath)
		}
		if err := app.Run(ctx, s); err != nil {
			log.Fatal(err)
		}
	case "sdl":
		h, err := sdlhost.New(f.Title, f.Scale)
		if err != nil {
			log.Fatal(err)
		}
		defer h.Destroy()
		s := loop.New(m, h, lcfg)
		if f.ROMPath != "" {
			s.Load(f.ROMPath)
		}
		s.Run(ctx)
	case "term":
		h, err := termhost.New(os.Stdin, os.Stderr, int(f.FPS))
		if err != nil {
			log.Fatal(err)
		}
		defer h.Restore()
		h.SetStatus(status(m))
		s := loop.New(m, h, lcfg)
		if f.ROMPath != "" {
			s.Load(f.ROMPath)
		}
		s.Run(ctx)
	default:
		log.Fatalf("unknown host %q", f.Host)
	}
}
