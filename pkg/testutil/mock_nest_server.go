// Package testutil provides testing utilities for nestbridge.
// It contains a mock of Google's OAuth token endpoint and the Smart Device
// Management REST API backed by net/http/httptest.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"
)

const executeCommandSuffix = ":executeCommand"

// MockNestServer simulates the OAuth token endpoint and the SDM device API
type MockNestServer struct {
	server *httptest.Server

	mu             sync.Mutex
	accessToken    string
	tokenFailure   *failure
	tokenForms     []url.Values
	devices        map[string]map[string]interface{}
	deviceGets     int
	commandFailure *failure
	commands       []CommandCall
}

type failure struct {
	status int
	body   string
}

// NewMockNestServer starts a mock server. Call Close when done.
func NewMockNestServer() *MockNestServer {
	m := &MockNestServer{
		accessToken: "ya29.mock-access-token",
		devices:     make(map[string]map[string]interface{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/v4/token", m.handleToken)
	mux.HandleFunc("/v1/", m.handleDevice)
	m.server = httptest.NewServer(mux)
	return m
}

// Close shuts the server down
func (m *MockNestServer) Close() {
	m.server.Close()
}

// URL returns the server root URL
func (m *MockNestServer) URL() string {
	return m.server.URL
}

// TokenURL returns the OAuth token endpoint
func (m *MockNestServer) TokenURL() string {
	return m.server.URL + "/oauth2/v4/token"
}

// SDMBaseURL returns the SDM API base URL, including the trailing slash
func (m *MockNestServer) SDMBaseURL() string {
	return m.server.URL + "/"
}

// SetAccessToken sets the token issued by subsequent refreshes
func (m *MockNestServer) SetAccessToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken = token
}

// FailTokenRequests makes the token endpoint answer with status and body.
// A zero status restores normal behavior.
func (m *MockNestServer) FailTokenRequests(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		m.tokenFailure = nil
		return
	}
	m.tokenFailure = &failure{status: status, body: body}
}

// TokenRequests returns the number of token requests received
func (m *MockNestServer) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokenForms)
}

// LastTokenForm returns the form of the most recent token request
func (m *MockNestServer) LastTokenForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokenForms) == 0 {
		return nil
	}
	return m.tokenForms[len(m.tokenForms)-1]
}

// SetDevice registers device traits under the full resource name
// (enterprises/{project}/devices/{id}).
func (m *MockNestServer) SetDevice(name string, traits map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[name] = traits
}

// DeviceGets returns the number of device GET requests received
func (m *MockNestServer) DeviceGets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceGets
}

// FailCommands makes executeCommand answer with status and body.
// A zero status restores normal behavior.
func (m *MockNestServer) FailCommands(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		m.commandFailure = nil
		return
	}
	m.commandFailure = &failure{status: status, body: body}
}

// Commands returns a copy of all commands received
func (m *MockNestServer) Commands() []CommandCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]CommandCall, len(m.commands))
	copy(calls, m.commands)
	return calls
}

func (m *MockNestServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.tokenForms = append(m.tokenForms, r.PostForm)
	fail := m.tokenFailure
	token := m.accessToken
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail != nil {
		w.WriteHeader(fail.status)
		fmt.Fprint(w, fail.body)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": token,
		"expires_in":   3599,
		"scope":        "https://www.googleapis.com/auth/sdm.service",
		"token_type":   "Bearer",
	})
}

func (m *MockNestServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	authorization := r.Header.Get("Authorization")
	if !strings.HasPrefix(authorization, "Bearer ") {
		writeGoogleError(w, http.StatusUnauthorized, "Request had invalid authentication credentials.", "UNAUTHENTICATED")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodGet:
		m.handleGetDevice(w, name)
	case r.Method == http.MethodPost && strings.HasSuffix(name, executeCommandSuffix):
		m.handleExecuteCommand(w, r, strings.TrimSuffix(name, executeCommandSuffix), authorization)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *MockNestServer) handleGetDevice(w http.ResponseWriter, name string) {
	m.mu.Lock()
	m.deviceGets++
	traits, ok := m.devices[name]
	m.mu.Unlock()

	if !ok {
		writeGoogleError(w, http.StatusNotFound, "Device not found.", "NOT_FOUND")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"name":   name,
		"type":   "sdm.devices.types.THERMOSTAT",
		"traits": traits,
	})
}

func (m *MockNestServer) handleExecuteCommand(w http.ResponseWriter, r *http.Request, name, authorization string) {
	var req struct {
		Command string                 `json:"command"`
		Params  map[string]interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGoogleError(w, http.StatusBadRequest, "Invalid JSON payload.", "INVALID_ARGUMENT")
		return
	}

	m.mu.Lock()
	m.commands = append(m.commands, CommandCall{
		Timestamp:     time.Now(),
		DeviceName:    name,
		Command:       req.Command,
		Params:        req.Params,
		Authorization: authorization,
	})
	fail := m.commandFailure
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if fail != nil {
		w.WriteHeader(fail.status)
		fmt.Fprint(w, fail.body)
		return
	}
	fmt.Fprint(w, "{}")
}

func writeGoogleError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
			"status":  code,
		},
	})
}

// ThermostatTraits builds the trait payload the SDM API returns for a thermostat.
func ThermostatTraits(mode, hvacStatus, scale string, ambient, heat, cool float64) map[string]interface{} {
	return map[string]interface{}{
		"sdm.devices.traits.Info": map[string]interface{}{
			"customName": "",
		},
		"sdm.devices.traits.ThermostatMode": map[string]interface{}{
			"mode":           mode,
			"availableModes": []string{"HEAT", "COOL", "HEATCOOL", "OFF"},
		},
		"sdm.devices.traits.Temperature": map[string]interface{}{
			"ambientTemperatureCelsius": ambient,
		},
		"sdm.devices.traits.ThermostatHvac": map[string]interface{}{
			"status": hvacStatus,
		},
		"sdm.devices.traits.ThermostatTemperatureSetpoint": map[string]interface{}{
			"heatCelsius": heat,
			"coolCelsius": cool,
		},
		"sdm.devices.traits.Settings": map[string]interface{}{
			"temperatureScale": scale,
		},
	}
}
