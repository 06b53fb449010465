package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/aboveme/internal/status"
	"github.com/unklstewy/aboveme/pkg/geomath"
)

type model struct {
	baseURL  string
	client   *http.Client
	interval time.Duration

	alarms   status.AlarmsResponse
	health   *status.HealthResponse
	selected int
	updated  time.Time
	err      error
}

type tickMsg time.Time

type alarmsMsg struct {
	alarms status.AlarmsResponse
	health *status.HealthResponse
	at     time.Time
}

type errMsg struct{ err error }

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var out alarmsMsg
		if err := getJSON(ctx, m.client, m.baseURL+"/api/v1/alarms", &out.alarms); err != nil {
			return errMsg{err}
		}
		// health is informational; a 503 still carries a body
		var h status.HealthResponse
		if err := getJSON(ctx, m.client, m.baseURL+"/healthz", &h); err == nil {
			out.health = &h
		}
		out.at = time.Now()
		return out
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.alarms.Alarms)-1 {
				m.selected++
			}
		case "r":
			return m, m.fetch()
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), tick(m.interval))
	case alarmsMsg:
		m.alarms = msg.alarms
		m.health = msg.health
		m.updated = msg.at
		m.err = nil
		if m.selected >= len(m.alarms.Alarms) {
			m.selected = max(len(m.alarms.Alarms)-1, 0)
		}
	case errMsg:
		m.err = msg.err
	}
	return m, nil
}

func (m model) View() string {
	var s strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)
	s.WriteString(titleStyle.Render("aboveme alarm monitor"))
	s.WriteString("\n\n")

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	if m.health != nil {
		healthStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
		if m.health.Status != "ok" {
			healthStyle = healthStyle.Foreground(lipgloss.Color("226"))
		}
		s.WriteString(healthStyle.Render(fmt.Sprintf("● %s", m.health.Status)))
		s.WriteString(dim.Render(fmt.Sprintf("  cycles %d  uptime %s", m.health.Loop.Cycles, m.health.Uptime)))
		s.WriteString("\n")
	}
	if m.err != nil {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		s.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	s.WriteString(headerStyle.Render(fmt.Sprintf("Tracked aircraft: %d", m.alarms.Count)))
	s.WriteString("\n")
	if len(m.alarms.Alarms) == 0 {
		s.WriteString(dim.Render("  Nothing in the alarm zone"))
		s.WriteString("\n")
	} else {
		s.WriteString(dim.Render(fmt.Sprintf("  %-7s %-9s %7s %6s %7s %4s %6s %4s", "HEX", "IDENT", "BEST", "EL", "ALT", "HDG", "MISSES", "UPD")))
		s.WriteString("\n")
	}

	for i, rec := range m.alarms.Alarms {
		missStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
		if rec.Misses > 0 {
			// on its way out
			missStyle = missStyle.Foreground(lipgloss.Color("226"))
		}
		line := fmt.Sprintf("  %-7s %-9s %6.2fmi %6.1f %7.0f %4s %s %4d",
			rec.Hex,
			rec.Best.Ident(),
			rec.Best.Distance,
			rec.Best.Elevation,
			rec.Best.Altitude,
			geomath.HeadingLabel(rec.Best.Track),
			missStyle.Render(fmt.Sprintf("%6d", rec.Misses)),
			rec.Updates)
		if i == m.selected {
			line = lipgloss.NewStyle().Background(lipgloss.Color("237")).Render(line)
		}
		s.WriteString(line)
		s.WriteString("\n")
	}

	if m.selected < len(m.alarms.Alarms) {
		rec := m.alarms.Alarms[m.selected]
		s.WriteString("\n")
		s.WriteString(dim.Render(fmt.Sprintf("episode %s  started %s", rec.Episode, rec.Started.Local().Format("15:04:05"))))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	if !m.updated.IsZero() {
		s.WriteString(dim.Render(fmt.Sprintf("Updated %s  ", m.updated.Format("15:04:05"))))
	}
	s.WriteString(dim.Render("↑/↓: Select  R: Refresh  Q: Quit"))
	s.WriteString("\n")
	return s.String()
}

// alarm-monitor shows the alarm table of a running aboveme instance.
func main() {
	url := flag.String("url", "http://localhost:8080", "Base URL of the aboveme status server")
	interval := flag.Duration("interval", 2*time.Second, "Refresh interval")
	flag.Parse()

	m := model{
		baseURL:  strings.TrimRight(*url, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: *interval,
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
