package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alarmsBody = `{"count":2,"alarms":[
	{"hex":"ABC123","best":{"hex":"ABC123","callsign":"KLM1234 ","altitude_ft":3000,"vert_rate_fpm":0,"track":45,"messages":10,"rssi":-10,"distance_mi":0.42,"azimuth":10,"elevation":53.5,"timestamp":1706360400},"misses":0,"episode":"ep-1","started":"2024-01-27T13:00:00Z","updates":3},
	{"hex":"DEF456","best":{"hex":"DEF456","altitude_ft":9000,"vert_rate_fpm":0,"messages":4,"rssi":-20,"distance_mi":1.8,"azimuth":200,"elevation":40,"timestamp":1706360400},"misses":2,"episode":"ep-2","started":"2024-01-27T13:00:05Z","updates":1}
]}`

func newTestModel(t *testing.T) model {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/alarms":
			w.Write([]byte(alarmsBody))
		case "/healthz":
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"stale","uptime":"1h0m0s","loop":{"cycles":42}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return model{baseURL: server.URL, client: server.Client(), interval: time.Second}
}

func TestFetchAndView(t *testing.T) {
	m := newTestModel(t)

	msg := m.fetch()()
	require.IsType(t, alarmsMsg{}, msg)

	updated, _ := m.Update(msg)
	m = updated.(model)
	require.NoError(t, m.err)
	assert.Equal(t, 2, m.alarms.Count)
	require.NotNil(t, m.health)
	assert.Equal(t, uint64(42), m.health.Loop.Cycles)

	view := m.View()
	assert.Contains(t, view, "Tracked aircraft: 2")
	assert.Contains(t, view, "KLM1234")
	assert.Contains(t, view, "DEF456")
	assert.Contains(t, view, "stale")
	assert.Contains(t, view, "episode ep-1")
}

func TestSelectionClamped(t *testing.T) {
	m := newTestModel(t)
	updated, _ := m.Update(m.fetch()())
	m = updated.(model)

	for i := 0; i < 5; i++ {
		updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
		m = updated.(model)
	}
	assert.Equal(t, 1, m.selected)

	// the table shrinks under the selection
	updated, _ = m.Update(alarmsMsg{at: time.Now()})
	m = updated.(model)
	assert.Equal(t, 0, m.selected)
	assert.Contains(t, m.View(), "Nothing in the alarm zone")
}

func TestFetchError(t *testing.T) {
	m := model{baseURL: "http://127.0.0.1:1", client: &http.Client{Timeout: time.Second}, interval: time.Second}
	msg := m.fetch()()
	require.IsType(t, errMsg{}, msg)

	updated, _ := m.Update(msg)
	assert.Contains(t, updated.(model).View(), "Error:")
}
