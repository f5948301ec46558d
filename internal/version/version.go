package version

import (
	"fmt"
	goruntime "runtime"

	"github.com/ddn0/cloudpickle-generators/pickle"
	"github.com/ddn0/cloudpickle-generators/runtime"
)

// Set at build time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// GetVersionInfo returns the one-line version banner, including the stream
// protocol and frame data version this build reads and writes.
func GetVersionInfo() string {
	return fmt.Sprintf("genpickle v%s (built: %s, %s/%s, protocol %d, frame data v%d)",
		Version,
		BuildTime,
		goruntime.GOOS,
		goruntime.GOARCH,
		pickle.Protocol,
		runtime.FrameDataVersion,
	)
}
