// Package statsview serves live runtime statistics (heap, goroutines, GC
// pauses) of the emulator process as charts in a browser.
package statsview

import (
	"fmt"
	"io"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"

	"github.com/FabianRolfMatthiasNoll/gbsys/internal/logger"
)

// Address is the default listen address of the stats server.
const Address = "localhost:12600"

const path = "/debug/statsview"

// URL returns the page the stats server at addr serves.
func URL(addr string) string {
	if addr == "" {
		addr = Address
	}
	return fmt.Sprintf("http://%s%s", addr, path)
}

// Launch starts the stats server on a new goroutine and tells output where to
// find it.
func Launch(addr string, output io.Writer) {
	if addr == "" {
		addr = Address
	}
	go func() {
		viewer.SetConfiguration(viewer.WithAddr(addr))
		mgr := statsview.New()
		if err := mgr.Start(); err != nil {
			logger.Logf(logger.Error, "stats server: %v", err)
		}
	}()
	fmt.Fprintf(output, "stats server available at %s\n", URL(addr))
}
