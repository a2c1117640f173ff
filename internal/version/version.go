// ABOUTME: Build identity reported by the CLI
// ABOUTME: Version is settable at link time via -ldflags -X
package version

// Product names the binary in help output and log banners.
const Product = "bark"

// Version is the release version. Settable at build time:
//
//	go build -ldflags "-X github.com/haileys/bark/internal/version.Version=1.2.3"
var Version = "0.1.0"
