// Package ui is the ebiten window host of the execution loop. Ebiten's tick
// scheduler paces the loop: every Update runs one loop iteration.
package ui

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/emu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/loop"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/ppu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/romfile"
)

// debug keys, the same in every window host
var actionKeys = []struct {
	key    ebiten.Key
	action loop.Action
}{
	{ebiten.KeyEscape, loop.ActionTogglePause},
	{ebiten.KeyF3, loop.ActionStepInstruction},
	{ebiten.KeyF5, loop.ActionStepFrame},
	{ebiten.KeyF9, loop.ActionResume},
}

type App struct {
	ctx     context.Context
	cfg     Config
	m       *emu.Machine
	session *loop.Session
	tex     *ebiten.Image
	frame   []byte

	// drop directory created by the app, removed when Run returns
	tempDrop string
}

func NewApp(cfg Config, m *emu.Machine) *App {
	cfg.Defaults()
	ebiten.SetWindowTitle(cfg.Title)
	ebiten.SetWindowSize(ppu.Width*cfg.Scale, ppu.Height*cfg.Scale)
	ebiten.SetTPS(cfg.TPS)
	ebiten.SetWindowClosingHandled(true)
	return &App{cfg: cfg, m: m, frame: make([]byte, ppu.Width*ppu.Height*4)}
}

// Run drives s from ebiten's game loop until it requests exit or ctx is
// cancelled, then tears the system down.
func (a *App) Run(ctx context.Context, s *loop.Session) error {
	a.ctx = ctx
	a.session = s
	defer a.removeDropDir()
	defer s.Close()
	err := ebiten.RunGame(a)
	if err == ebiten.Termination {
		return nil
	}
	return err
}

func (a *App) Update() error {
	if inpututil.IsKeyJustPressed(ebiten.KeyF12) {
		if name, err := a.saveScreenshot(); err != nil {
			logger.Logf(logger.Error, "screenshot: %v", err)
		} else {
			logger.Logf(logger.Info, "screenshot saved to %s", name)
		}
	}
	if a.ctx.Err() != nil {
		a.session.RequestExit()
	}
	a.session.Iterate()
	if a.session.ExitRequested() {
		return ebiten.Termination
	}
	return nil
}

// PollEvents implements loop.Host.
func (a *App) PollEvents() []loop.Event {
	var evs []loop.Event
	if ebiten.IsWindowBeingClosed() {
		evs = append(evs, loop.Quit())
	}
	if dropped := ebiten.DroppedFiles(); dropped != nil {
		paths, err := copyDropped(dropped, a.dropDir())
		if err != nil {
			logger.Logf(logger.Error, "dropped file: %v", err)
		}
		for _, p := range paths {
			evs = append(evs, loop.DropFile(p))
		}
	}
	for _, k := range actionKeys {
		if inpututil.IsKeyJustPressed(k.key) {
			evs = append(evs, loop.Key(k.action))
		}
	}
	return evs
}

// Buttons implements loop.ButtonSource.
func (a *App) Buttons() emu.Buttons {
	return emu.Buttons{
		Right:  ebiten.IsKeyPressed(ebiten.KeyArrowRight),
		Left:   ebiten.IsKeyPressed(ebiten.KeyArrowLeft),
		Up:     ebiten.IsKeyPressed(ebiten.KeyArrowUp),
		Down:   ebiten.IsKeyPressed(ebiten.KeyArrowDown),
		A:      ebiten.IsKeyPressed(ebiten.KeyZ),
		B:      ebiten.IsKeyPressed(ebiten.KeyX),
		Start:  ebiten.IsKeyPressed(ebiten.KeyEnter),
		Select: ebiten.IsKeyPressed(ebiten.KeyShiftRight),
	}
}

// Present implements loop.Host. The frame is uploaded in Draw.
func (a *App) Present(fb []byte) error {
	if len(fb) != len(a.frame) {
		return fmt.Errorf("framebuffer is %d bytes, want %d", len(fb), len(a.frame))
	}
	copy(a.frame, fb)
	return nil
}

func (a *App) Draw(screen *ebiten.Image) {
	if a.tex == nil {
		a.tex = ebiten.NewImage(ppu.Width, ppu.Height)
	}
	a.tex.WritePixels(a.frame)
	screen.DrawImage(a.tex, nil)

	switch {
	case !a.m.Loaded():
		ebitenutil.DebugPrintAt(screen, "drop a ROM here", 8, 64)
	case a.m.IsPaused():
		r := a.m.Registers()
		ebitenutil.DebugPrintAt(screen, fmt.Sprintf("PAUSED PC:%04X SP:%04X", r.PC, r.SP), 4, 4)
	}
}

func (a *App) Layout(outW, outH int) (int, int) { return ppu.Width, ppu.Height }

func (a *App) dropDir() string {
	if a.cfg.DropDir == "" {
		dir, err := os.MkdirTemp("", "gbemu-drop-")
		if err != nil {
			return os.TempDir()
		}
		a.cfg.DropDir = dir
		a.tempDrop = dir
	}
	return a.cfg.DropDir
}

// removeDropDir deletes a temporary drop directory together with the battery
// saves written into it. A configured DropDir is left alone.
func (a *App) removeDropDir() {
	if a.tempDrop == "" {
		return
	}
	if err := os.RemoveAll(a.tempDrop); err != nil {
		logger.Logf(logger.Error, "drop dir: %v", err)
	}
	a.cfg.DropDir = ""
	a.tempDrop = ""
}

// copyDropped copies the ROMs and archives of a drop to dir, so the machine
// can load them by path.
func copyDropped(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dst := filepath.Join(dir, e.Name())
		if err := copyFile(fsys, e.Name(), dst); err != nil {
			return out, err
		}
		out = append(out, dst)
	}
	return out, nil
}

func copyFile(fsys fs.FS, name, dst string) error {
	src, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, io.LimitReader(src, romfile.MaxSize+1)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (a *App) saveScreenshot() (string, error) {
	ts := time.Now().Format("20060102_150405")
	name := filepath.Join(a.cfg.ScreenshotDir, fmt.Sprintf("screenshot_%s.png", ts))
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	if err := WritePNG(f, a.frame); err != nil {
		f.Close()
		return "", err
	}
	return name, f.Close()
}

// WritePNG encodes a 160x144 RGBA framebuffer as PNG.
func WritePNG(w io.Writer, fb []byte) error {
	img := &image.RGBA{
		Pix:    make([]byte, len(fb)),
		Stride: 4 * ppu.Width,
		Rect:   image.Rect(0, 0, ppu.Width, ppu.Height),
	}
	copy(img.Pix, fb)
	return png.Encode(w, img)
}
