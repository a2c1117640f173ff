// ABOUTME: Node identity carried in stats replies
// ABOUTME: Hostname and username resolution plus the user@host label
package stats

import (
	"os"
	"os/user"
	"strconv"

	"github.com/haileys/bark/internal/protocol"
)

// LocalNode resolves this machine's identity for stats replies. Names
// longer than the wire field are truncated on encode.
func LocalNode() protocol.NodeStats {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return protocol.NodeStats{
		Hostname: host,
		Username: localUsername(),
	}
}

func localUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return strconv.Itoa(os.Getuid())
}

// NodeLabel renders an identity as user@host.
func NodeLabel(n protocol.NodeStats) string {
	return n.Username + "@" + n.Hostname
}
