// ABOUTME: Tests for node identity resolution
// ABOUTME: Local lookup fallbacks and label rendering
package stats

import (
	"testing"

	"github.com/haileys/bark/internal/protocol"
)

func TestLocalNodeResolves(t *testing.T) {
	n := LocalNode()
	if n.Hostname == "" {
		t.Error("hostname empty")
	}
	if n.Username == "" {
		t.Error("username empty")
	}
}

func TestNodeLabel(t *testing.T) {
	got := NodeLabel(protocol.NodeStats{Hostname: "den", Username: "amy"})
	if got != "amy@den" {
		t.Errorf("label = %q, want amy@den", got)
	}
}
