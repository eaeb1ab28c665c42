package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nestbridge/internal/clock"
	"nestbridge/internal/thermostat"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource []thermostat.Snapshot

func (s staticSource) Snapshots() []thermostat.Snapshot { return s }

func newTestServer(t *testing.T, source SnapshotSource) (*Server, *Hub) {
	logger, _ := zap.NewDevelopment()
	hub := NewHub(logger)
	t.Cleanup(hub.Close)
	return NewServer(source, hub, logger, 8081), hub
}

func TestHandleGetThermostats(t *testing.T) {
	server, _ := newTestServer(t, staticSource{
		{
			DeviceID:     "abc123",
			Name:         "Hallway",
			SerialNumber: "09AA01AC",
			Connected:    true,
			State: thermostat.State{
				CurrentMode:        thermostat.ModeHeat,
				CurrentTemperature: 19.5,
				TargetMode:         thermostat.ModeHeat,
				TargetTemperature:  21,
				DisplayUnits:       thermostat.UnitsCelsius,
			},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/thermostats", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response ThermostatsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response.Thermostats, 1)

	got := response.Thermostats[0]
	assert.Equal(t, "abc123", got.DeviceID)
	assert.Equal(t, "Hallway", got.Name)
	assert.True(t, got.Connected)
	assert.Equal(t, 19.5, got.CurrentTemperature)
	assert.Equal(t, 21.0, got.TargetTemperature)
	assert.Equal(t, thermostat.ModeHeat, got.TargetMode)
}

func TestHandleGetThermostatsEmpty(t *testing.T) {
	server, _ := newTestServer(t, staticSource(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/thermostats", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"thermostats":[]}`, w.Body.String())
}

func TestHandleGetThermostatsMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t, staticSource(nil))

	req := httptest.NewRequest(http.MethodPost, "/api/thermostats", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t, staticSource(nil))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleSitemap(t *testing.T) {
	server, _ := newTestServer(t, staticSource(nil))

	t.Run("html", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/html")
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Body.String(), "/api/thermostats")
	})

	t.Run("plain", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "application/json")
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
		for _, ep := range endpoints {
			assert.Contains(t, w.Body.String(), ep.Path)
		}
	})

	t.Run("unknown path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nope", nil)
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEventStream(t *testing.T) {
	server, hub := newTestServer(t, staticSource(nil))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	now := time.Date(2024, 1, 15, 8, 30, 0, 0, time.UTC)
	hub.SetClock(clock.NewMockClock(now))

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.UpdateCharacteristic("abc123", thermostat.TargetTemperature, 22.5)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update Update
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "abc123", update.DeviceID)
	assert.Equal(t, thermostat.TargetTemperature.String(), update.Characteristic)
	assert.Equal(t, 22.5, update.Value)
	assert.True(t, now.Equal(update.Timestamp))
}

func TestEventStreamDisconnect(t *testing.T) {
	server, hub := newTestServer(t, staticSource(nil))
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 10*time.Millisecond)
}
