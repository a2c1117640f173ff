// ABOUTME: Live stats table for every node on the group
// ABOUTME: Bubbletea model fed by poller replies, plus a one-shot printer
package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/haileys/bark/internal/protocol"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	nodeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	sourceStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
)

// RunTUI renders a live table of every node answering on the group
// until the user quits or ctx ends.
func RunTUI(ctx context.Context, poller *Poller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(newModel(poller.group.String()), tea.WithAltScreen())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer program.Quit()
		return poller.Watch(ctx, DefaultRequestInterval, func(r Reply) {
			program.Send(replyMsg(r))
		})
	})

	g.Go(func() error {
		defer cancel()
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("stats tui: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Print runs one collection round and writes a plain table, for
// scripts and terminals that want a snapshot instead of a screen.
func Print(ctx context.Context, poller *Poller, wait time.Duration, out io.Writer) error {
	replies, err := poller.Collect(ctx, wait)
	if err != nil {
		return err
	}
	if len(replies) == 0 {
		fmt.Fprintln(out, "no replies")
		return nil
	}
	nodeW, addrW := columnWidths(replies)
	for _, r := range replies {
		fmt.Fprintln(out, plainRow(r, nodeW, addrW))
	}
	return nil
}

type entry struct {
	reply Reply
	seen  time.Time
}

type model struct {
	group    string
	entries  map[string]entry
	width    int
	quitting bool
}

type replyMsg Reply
type expireMsg time.Time

func newModel(group string) model {
	return model{group: group, entries: make(map[string]entry)}
}

func expireTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return expireMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return expireTick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case replyMsg:
		r := Reply(msg)
		m.entries[r.Key()] = entry{reply: r, seen: time.Now()}

	case expireMsg:
		now := time.Time(msg)
		for k, e := range m.entries {
			if now.Sub(e.seen) > DefaultEntryExpiry {
				delete(m.entries, k)
			}
		}
		return m, expireTick()
	}

	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("bark stats"))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(m.group))
	b.WriteString("\n\n")

	rows := m.rows()
	if len(rows) == 0 {
		b.WriteString(dimStyle.Render("  waiting for replies..."))
		b.WriteString("\n")
	} else {
		nodeW, addrW := columnWidths(rows)
		for _, r := range rows {
			b.WriteString(renderRow(r, nodeW, addrW))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q quits"))
	return b.String()
}

// rows returns the live entries, sources first.
func (m model) rows() []Reply {
	replies := make([]Reply, 0, len(m.entries))
	for _, e := range m.entries {
		replies = append(replies, e.reply)
	}
	sortReplies(replies)
	return replies
}

func renderRow(r Reply, nodeW, addrW int) string {
	var b strings.Builder
	b.WriteString(nodeStyle.Render(fmt.Sprintf("%-*s", nodeW, NodeLabel(r.Packet.Node))))
	b.WriteString("  ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-*s", addrW, r.Addr.String())))
	b.WriteString(" ")
	if r.IsSource() {
		b.WriteString(sourceStyle.Render(" stream source"))
		return b.String()
	}
	rep := r.Packet.Receiver
	b.WriteString(stateStyle(rep.State).Render(stateChip(rep.State)))
	b.WriteString(receiverFields(rep))
	b.WriteString(dimStyle.Render(counterFields(rep)))
	return b.String()
}

func plainRow(r Reply, nodeW, addrW int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s  %-*s ", nodeW, NodeLabel(r.Packet.Node), addrW, r.Addr.String())
	if r.IsSource() {
		b.WriteString(" stream source")
		return b.String()
	}
	rep := r.Packet.Receiver
	b.WriteString(stateChip(rep.State))
	b.WriteString(receiverFields(rep))
	b.WriteString(counterFields(rep))
	return b.String()
}

func columnWidths(replies []Reply) (nodeW, addrW int) {
	for _, r := range replies {
		if n := len(NodeLabel(r.Packet.Node)); n > nodeW {
			nodeW = n
		}
		if n := len(r.Addr.String()); n > addrW {
			addrW = n
		}
	}
	return nodeW, addrW
}

func stateChip(s protocol.StreamState) string {
	return fmt.Sprintf(" %-6s", strings.ToUpper(s.String()))
}

func stateStyle(s protocol.StreamState) lipgloss.Style {
	chip := lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Bold(true)
	switch s {
	case protocol.StatePlaying:
		return chip.Background(lipgloss.Color("2"))
	case protocol.StateUnderrun, protocol.StateBuffering:
		return chip.Background(lipgloss.Color("3"))
	case protocol.StateStalled:
		return chip.Background(lipgloss.Color("1"))
	}
	return dimStyle
}

func receiverFields(r protocol.ReceiverReport) string {
	var b strings.Builder
	b.WriteString(msField("Audio", float64(r.AudioOffsetMicros)))
	b.WriteString(msField("Buffer", float64(r.BufferLengthMicros)))
	b.WriteString(msField("Output", float64(r.OutputLatencyMicros)))
	b.WriteString(msField("Network", float64(r.NetworkLatencyMicros)))
	b.WriteString(msField("Predict", float64(r.PredictOffsetMicros)))
	return b.String()
}

func counterFields(r protocol.ReceiverReport) string {
	return fmt.Sprintf("  rx:%d lost:%d late:%d drop:%d under:%d over:%d reset:%d x%.4f",
		r.PacketsReceived, r.PacketsLost, r.PacketsLate, r.PacketsDropped,
		r.BufferUnderruns, r.BufferOverruns, r.StreamResets, r.SlewRate)
}

func msField(name string, micros float64) string {
	return fmt.Sprintf("  %s:[%8.3f ms]", name, micros/1000.0)
}
