package ui

// Config contains window and input related settings.
type Config struct {
	Title         string // window title
	Scale         int    // integer upscaling factor
	TPS           int    // ticks per second, one emulated frame per tick
	ScreenshotDir string // directory F12 screenshots are written to
	DropDir       string // directory dropped ROMs and their saves are kept in; empty uses a temp dir removed on exit
}

// Defaults fills missing fields with reasonable defaults.
func (c *Config) Defaults() {
	if c.Title == "" {
		c.Title = "gbemu"
	}
	if c.Scale <= 0 {
		c.Scale = 3
	}
	if c.TPS <= 0 {
		c.TPS = 60
	}
	if c.ScreenshotDir == "" {
		c.ScreenshotDir = "."
	}
}
