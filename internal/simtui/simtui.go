// Package simtui renders a live dashboard over an embedded automation
// core: scheduler stats, world state, and the tail of the event history.
package simtui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/orrery-sim/orrery/internal/bus"
	"github.com/orrery-sim/orrery/internal/models"
	"github.com/orrery-sim/orrery/internal/scheduler"
	"github.com/orrery-sim/orrery/internal/sim"
)

const (
	defaultRefreshInterval = 500 * time.Millisecond
	eventTailLines         = 10
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	pausedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Config controls dashboard behavior.
type Config struct {
	RefreshInterval time.Duration
}

// Core bundles the running pieces the dashboard observes and controls.
type Core struct {
	Bus    *bus.Bus
	Frames *scheduler.Scheduler
	World  *sim.World
}

// Run starts the dashboard over an already-assembled core.
func Run(core Core, cfg Config) error {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}

	model := newModel(core, cfg)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}

type refreshMsg time.Time

type model struct {
	core Core
	cfg  Config

	width  int
	height int

	stats     scheduler.Snapshot
	resources []sim.ResourceAmount
	entities  []sim.EntityRow
	events    []models.Event
}

func newModel(core Core, cfg Config) *model {
	return &model{core: core, cfg: cfg}
}

func (m *model) Init() tea.Cmd {
	return m.refreshTick()
}

func (m *model) refreshTick() tea.Cmd {
	return tea.Tick(m.cfg.RefreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case refreshMsg:
		m.snapshot()
		return m, m.refreshTick()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			m.togglePause()
			m.snapshot()
			return m, nil
		case "c":
			m.core.Bus.ClearHistory()
			m.snapshot()
			return m, nil
		}
	}
	return m, nil
}

func (m *model) snapshot() {
	m.stats = m.core.Frames.Stats()
	m.resources = m.core.World.Resources()
	m.entities = m.core.World.Entities()

	history := m.core.Bus.History()
	if len(history) > eventTailLines {
		history = history[len(history)-eventTailLines:]
	}
	m.events = history
}

func (m *model) togglePause() {
	if m.core.Frames.IsRunning() {
		_ = m.core.Frames.Stop()
		return
	}
	_ = m.core.Frames.Start(context.Background())
}

func (m *model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("orrery"))
	b.WriteString("  ")
	if m.core.Frames.IsRunning() {
		b.WriteString(activeStyle.Render("running"))
	} else {
		b.WriteString(pausedStyle.Render("paused"))
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf("  %.1f fps  frame %d", m.stats.FPS, m.stats.FrameCount)))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Resources"))
	b.WriteString("\n")
	if len(m.resources) == 0 {
		b.WriteString(dimStyle.Render("  (none)"))
		b.WriteString("\n")
	}
	for _, r := range m.resources {
		b.WriteString(fmt.Sprintf("  %-14s %10.1f\n", r.Name, r.Amount))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Entities"))
	b.WriteString("\n")
	for _, e := range m.entities {
		state := activeStyle.Render("active")
		if !e.Active {
			state = dimStyle.Render("inactive")
		}
		b.WriteString(fmt.Sprintf("  %-14s %-18s tier %d  %s\n", e.ID, state, e.Tier, dimStyle.Render(e.Status)))
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Events"))
	b.WriteString("\n")
	for _, ev := range m.events {
		line := fmt.Sprintf("  %s  %-24s %s",
			ev.Timestamp.Format("15:04:05"), ev.Kind, ev.SourceID)
		if ev.Kind == models.EventTypeError || ev.Kind == models.EventTypeResourceShortage {
			line = errorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q quit · p pause/resume · c clear history"))

	return b.String()
}
