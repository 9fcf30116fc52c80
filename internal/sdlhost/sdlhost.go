// Package sdlhost is an SDL2 window host for the execution loop. Unlike the
// ebiten host it leaves pacing to loop.Session.Run.
package sdlhost

import (
	"fmt"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/emu"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/loop"
	"github.com/FabianRolfMatthiasNoll/gbsys/internal/ppu"
)

const depth = 4

// Host owns the SDL window, renderer and the streaming texture frames are
// copied to.
type Host struct {
	window   *sdl.Window
	renderer *sdl.Renderer
	texture  *sdl.Texture
}

// New initialises SDL and opens a window scale times the LCD size.
func New(title string, scale int) (*Host, error) {
	if scale <= 0 {
		scale = 3
	}
	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return nil, fmt.Errorf("sdl: %w", err)
	}
	h := &Host{}
	var err error
	h.window, err = sdl.CreateWindow(title, int32(sdl.WINDOWPOS_CENTERED), int32(sdl.WINDOWPOS_CENTERED),
		int32(ppu.Width*scale), int32(ppu.Height*scale), uint32(sdl.WINDOW_SHOWN))
	if err != nil {
		h.Destroy()
		return nil, fmt.Errorf("sdl: %w", err)
	}
	h.renderer, err = sdl.CreateRenderer(h.window, -1, uint32(sdl.RENDERER_ACCELERATED))
	if err != nil {
		h.Destroy()
		return nil, fmt.Errorf("sdl: %w", err)
	}
	h.texture, err = h.renderer.CreateTexture(uint32(sdl.PIXELFORMAT_ABGR8888), int(sdl.TEXTUREACCESS_STREAMING), ppu.Width, ppu.Height)
	if err != nil {
		h.Destroy()
		return nil, fmt.Errorf("sdl: %w", err)
	}
	sdl.EventState(sdl.DROPFILE, sdl.ENABLE)
	return h, nil
}

// Destroy releases the SDL resources.
func (h *Host) Destroy() {
	if h.texture != nil {
		_ = h.texture.Destroy()
		h.texture = nil
	}
	if h.renderer != nil {
		_ = h.renderer.Destroy()
		h.renderer = nil
	}
	if h.window != nil {
		_ = h.window.Destroy()
		h.window = nil
	}
	sdl.Quit()
}

// PollEvents implements loop.Host.
func (h *Host) PollEvents() []loop.Event {
	var evs []loop.Event
	for ev := sdl.PollEvent(); ev != nil; ev = sdl.PollEvent() {
		if e, ok := translate(ev); ok {
			evs = append(evs, e)
		}
	}
	return evs
}

// translate maps an SDL event to a loop event.
func translate(ev sdl.Event) (loop.Event, bool) {
	switch ev := ev.(type) {
	case *sdl.QuitEvent:
		return loop.Quit(), true
	case *sdl.DropEvent:
		if ev.Type == sdl.DROPFILE && ev.File != "" {
			return loop.DropFile(ev.File), true
		}
	case *sdl.KeyboardEvent:
		if ev.Type != sdl.KEYDOWN || ev.Repeat != 0 {
			break
		}
		if a, ok := actionFor(ev.Keysym.Scancode); ok {
			return loop.Key(a), true
		}
	}
	return loop.Event{}, false
}

func actionFor(sc sdl.Scancode) (loop.Action, bool) {
	switch sc {
	case sdl.SCANCODE_ESCAPE:
		return loop.ActionTogglePause, true
	case sdl.SCANCODE_F3:
		return loop.ActionStepInstruction, true
	case sdl.SCANCODE_F5:
		return loop.ActionStepFrame, true
	case sdl.SCANCODE_F9:
		return loop.ActionResume, true
	}
	return 0, false
}

// Buttons implements loop.ButtonSource.
func (h *Host) Buttons() emu.Buttons {
	return buttons(sdl.GetKeyboardState())
}

func buttons(state []uint8) emu.Buttons {
	down := func(sc sdl.Scancode) bool { return int(sc) < len(state) && state[sc] != 0 }
	return emu.Buttons{
		Right:  down(sdl.SCANCODE_RIGHT),
		Left:   down(sdl.SCANCODE_LEFT),
		Up:     down(sdl.SCANCODE_UP),
		Down:   down(sdl.SCANCODE_DOWN),
		A:      down(sdl.SCANCODE_Z),
		B:      down(sdl.SCANCODE_X),
		Start:  down(sdl.SCANCODE_RETURN),
		Select: down(sdl.SCANCODE_RSHIFT),
	}
}

// Present implements loop.Host.
func (h *Host) Present(fb []byte) error {
	if err := h.texture.Update(nil, fb, ppu.Width*depth); err != nil {
		return err
	}
	if err := h.renderer.Clear(); err != nil {
		return err
	}
	if err := h.renderer.Copy(h.texture, nil, nil); err != nil {
		return err
	}
	h.renderer.Present()
	return nil
}
