package thermostat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"nestbridge/internal/auth"
	"nestbridge/internal/clock"
	"nestbridge/internal/config"
	"nestbridge/internal/events"
	"nestbridge/internal/sdm"
	"nestbridge/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var hallway = config.Thermostat{DeviceID: "abc123", Name: "Hallway", SerialNumber: "09AA01AC"}

const hallwayName = "enterprises/project-abc/devices/abc123"

type pushed struct {
	deviceID string
	c        Characteristic
	value    float64
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []pushed
}

func (r *recordingPublisher) UpdateCharacteristic(deviceID string, c Characteristic, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, pushed{deviceID, c, value})
}

func (r *recordingPublisher) all() []pushed {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pushed, len(r.updates))
	copy(out, r.updates)
	return out
}

type fakeSubscriber struct {
	resource string
	handler  events.Handler
	err      error
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, resourceName string, handler events.Handler) (events.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.resource = resourceName
	f.handler = handler
	return f, nil
}

func (f *fakeSubscriber) Unsubscribe() error {
	f.handler = nil
	return nil
}

type testEnv struct {
	server    *testutil.MockNestServer
	thermo    *Thermostat
	publisher *recordingPublisher
	events    *fakeSubscriber
	logs      *observer.ObservedLogs
}

func newTestEnv(t *testing.T, applyEvents bool) *testEnv {
	server := testutil.NewMockNestServer()
	t.Cleanup(server.Close)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	provider := auth.NewProvider(auth.Credentials{
		ClientID:     "client-123",
		ClientSecret: "secret-456",
		RefreshToken: "refresh-789",
		TokenURL:     server.TokenURL(),
	}, nil, nil, clock.NewRealClock(), logger)

	api, err := sdm.NewClient(context.Background(), server.SDMBaseURL(), "project-abc", provider, logger)
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	subscriber := &fakeSubscriber{}
	thermo := New(hallway, Options{
		API:         api,
		Events:      subscriber,
		Publisher:   publisher,
		ApplyEvents: applyEvents,
	}, logger)

	return &testEnv{server: server, thermo: thermo, publisher: publisher, events: subscriber, logs: logs}
}

func TestDefaultState(t *testing.T) {
	env := newTestEnv(t, false)

	assert.Equal(t, 0, env.thermo.CurrentMode())
	assert.Equal(t, -270.0, env.thermo.CurrentTemperature())
	assert.Equal(t, 0, env.thermo.TargetMode())
	assert.Equal(t, 10.0, env.thermo.TargetTemperature())
	assert.Equal(t, 0, env.thermo.DisplayUnits())
	assert.False(t, env.thermo.Snapshot().Connected)
}

func TestConnect(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.SetDevice(hallwayName, testutil.ThermostatTraits("COOL", "COOLING", "FAHRENHEIT", 24.5, 18.0, 22.0))

	require.NoError(t, env.thermo.Connect(context.Background()))

	assert.Equal(t, ModeCool, env.thermo.CurrentMode())
	assert.Equal(t, 24.5, env.thermo.CurrentTemperature())
	assert.Equal(t, StatusCooling, env.thermo.TargetMode())
	assert.Equal(t, 22.0, env.thermo.TargetTemperature())
	assert.Equal(t, UnitsFahrenheit, env.thermo.DisplayUnits())

	assert.Equal(t, []pushed{
		{"abc123", CurrentHeatingCoolingState, 2},
		{"abc123", CurrentTemperature, 24.5},
		{"abc123", TargetHeatingCoolingState, 2},
		{"abc123", TargetTemperature, 22.0},
		{"abc123", TemperatureDisplayUnits, 1},
	}, env.publisher.all())

	assert.Equal(t, hallwayName, env.events.resource)
	assert.NotNil(t, env.events.handler)
	assert.True(t, env.thermo.Snapshot().Connected)
}

func TestConnectHeatOnlySetpoint(t *testing.T) {
	env := newTestEnv(t, false)
	traits := testutil.ThermostatTraits("HEAT", "OFF", "CELSIUS", 19.5, 20.0, 0)
	traits["sdm.devices.traits.ThermostatTemperatureSetpoint"] = map[string]interface{}{"heatCelsius": 20.0}
	env.server.SetDevice(hallwayName, traits)

	require.NoError(t, env.thermo.Connect(context.Background()))
	assert.Equal(t, 20.0, env.thermo.TargetTemperature())
}

func TestConnectFailureKeepsState(t *testing.T) {
	env := newTestEnv(t, false)

	err := env.thermo.Connect(context.Background())
	require.Error(t, err)

	assert.Equal(t, DefaultState(), env.thermo.Snapshot().State)
	assert.Empty(t, env.publisher.all())
	assert.Nil(t, env.events.handler)

	entries := env.logs.FilterMessage("Unable to fetch device").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Device not found.", entries[0].ContextMap()["reason"])
}

func TestConnectAuthFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.SetDevice(hallwayName, testutil.ThermostatTraits("HEAT", "OFF", "CELSIUS", 19.5, 20.0, 0))
	env.server.FailTokenRequests(http.StatusBadRequest, `{"error_description":"invalid_grant"}`)

	err := env.thermo.Connect(context.Background())
	require.Error(t, err)

	var authErr *auth.AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Equal(t, 0, env.server.DeviceGets())
	assert.Equal(t, DefaultState(), env.thermo.Snapshot().State)
}

func TestConnectSubscribeFailureIsLogged(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.SetDevice(hallwayName, testutil.ThermostatTraits("HEAT", "OFF", "CELSIUS", 19.5, 20.0, 21.0))
	env.events.err = errors.New("permission denied")

	require.NoError(t, env.thermo.Connect(context.Background()))
	assert.Equal(t, 1, env.logs.FilterMessage("Unable to subscribe to device events").Len())
	assert.Equal(t, ModeHeat, env.thermo.CurrentMode())
}

func TestSetTargetMode(t *testing.T) {
	env := newTestEnv(t, false)

	require.NoError(t, env.thermo.SetTargetMode(context.Background(), ModeAuto))

	calls := env.server.Commands()
	require.Len(t, calls, 1)
	assert.Equal(t, sdm.CommandSetMode, calls[0].Command)
	assert.Equal(t, map[string]interface{}{"mode": "HEATCOOL"}, calls[0].Params)

	assert.Equal(t, ModeAuto, env.thermo.CurrentMode())
	assert.Equal(t, ModeAuto, env.thermo.TargetMode())
	assert.Equal(t, []pushed{
		{"abc123", CurrentHeatingCoolingState, 3},
		{"abc123", TargetHeatingCoolingState, 3},
	}, env.publisher.all())
}

func TestSetTargetModeFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.FailCommands(http.StatusBadRequest,
		`{"error":{"code":400,"message":"Invalid mode.","status":"INVALID_ARGUMENT"}}`)

	err := env.thermo.SetTargetMode(context.Background(), ModeHeat)
	require.Error(t, err)

	assert.Equal(t, ModeOff, env.thermo.CurrentMode())
	assert.Equal(t, ModeOff, env.thermo.TargetMode())
	assert.Empty(t, env.publisher.all())

	entries := env.logs.FilterMessage("Unable to set target heating cooling state").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Invalid mode.", entries[0].ContextMap()["reason"])
}

func TestSetTargetModeOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		mode int
	}{
		{name: "above auto", mode: 7},
		{name: "just above auto", mode: ModeAuto + 1},
		{name: "negative", mode: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, false)

			err := env.thermo.SetTargetMode(context.Background(), tt.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidMode))

			assert.Empty(t, env.server.Commands())
			assert.Equal(t, ModeOff, env.thermo.CurrentMode())
			assert.Equal(t, ModeOff, env.thermo.TargetMode())
			assert.Empty(t, env.publisher.all())
			assert.Equal(t, 1, env.logs.FilterMessage("Unable to set target heating cooling state").Len())
		})
	}
}

func TestSetTargetTemperatureRangeMode(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, env.thermo.SetTargetMode(context.Background(), ModeAuto))

	require.NoError(t, env.thermo.SetTargetTemperature(context.Background(), 21.5))

	call := testutil.LastCommandForDevice(env.server.Commands(), hallwayName)
	require.NotNil(t, call)
	assert.Equal(t, sdm.CommandSetRange, call.Command)
	assert.Equal(t, map[string]interface{}{"heatCelsius": 21.5, "coolCelsius": 21.5}, call.Params)
	assert.Equal(t, 21.5, env.thermo.TargetTemperature())
}

func TestSetTargetTemperatureHeatMode(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, env.thermo.SetTargetMode(context.Background(), ModeHeat))

	require.NoError(t, env.thermo.SetTargetTemperature(context.Background(), 19.0))

	call := testutil.LastCommandForDevice(env.server.Commands(), hallwayName)
	require.NotNil(t, call)
	assert.Equal(t, sdm.CommandSetHeat, call.Command)
	assert.Equal(t, map[string]interface{}{"heatCelsius": 19.0}, call.Params)

	updates := env.publisher.all()
	assert.Equal(t, pushed{"abc123", TargetTemperature, 19.0}, updates[len(updates)-1])
}

func TestSetTargetTemperatureFailure(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.FailCommands(http.StatusBadRequest, `{"error":{"code":400,"message":"Command not supported.","status":"FAILED_PRECONDITION"}}`)

	err := env.thermo.SetTargetTemperature(context.Background(), 25)
	require.Error(t, err)
	assert.Equal(t, 10.0, env.thermo.TargetTemperature())

	entries := env.logs.FilterMessage("Unable to set target temperature").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Command not supported.", entries[0].ContextMap()["reason"])
}

func TestSetTargetTemperatureUnreachableDevice(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, env.thermo.SetTargetMode(context.Background(), ModeHeat))
	env.server.Close()

	err := env.thermo.SetTargetTemperature(context.Background(), 20)
	require.Error(t, err)

	var cmdErr *sdm.DeviceCommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.NotEqual(t, "An unknown error occurred", cmdErr.Message)

	entries := env.logs.FilterMessage("Unable to set target temperature").All()
	require.Len(t, entries, 1)
	assert.Equal(t, cmdErr.Message, entries[0].ContextMap()["reason"])
	assert.Equal(t, 10.0, env.thermo.TargetTemperature())
}

func TestTemperatureCommand(t *testing.T) {
	tests := []struct {
		name        string
		currentMode int
		targetMode  int
		wantCommand string
		wantParams  map[string]interface{}
	}{
		{"heat", ModeHeat, ModeOff, sdm.CommandSetHeat, map[string]interface{}{"heatCelsius": 20.0}},
		{"cool", ModeCool, ModeHeat, sdm.CommandSetCool, map[string]interface{}{"coolCelsius": 20.0}},
		{"range", ModeAuto, ModeOff, sdm.CommandSetRange, map[string]interface{}{"heatCelsius": 20.0, "coolCelsius": 20.0}},
		{"off falls back to target heat", ModeOff, StatusHeating, sdm.CommandSetHeat, map[string]interface{}{}},
		{"off falls back to target cool", ModeOff, StatusCooling, sdm.CommandSetCool, map[string]interface{}{}},
		{"off and idle", ModeOff, StatusOff, "", map[string]interface{}{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := temperatureCommand(tt.currentMode, tt.targetMode, 20.0)
			assert.Equal(t, tt.wantCommand, cmd.Name)
			assert.Equal(t, tt.wantParams, cmd.Params)
		})
	}
}

func TestSetDisplayUnits(t *testing.T) {
	env := newTestEnv(t, false)

	env.thermo.SetDisplayUnits(UnitsFahrenheit)

	assert.Equal(t, UnitsFahrenheit, env.thermo.DisplayUnits())
	assert.Empty(t, env.server.Commands())
	assert.Equal(t, []pushed{{"abc123", TemperatureDisplayUnits, 1}}, env.publisher.all())
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, false)
	env.thermo.SetDisplayUnits(UnitsFahrenheit)

	snap := env.thermo.Snapshot()
	assert.Equal(t, "abc123", snap.DeviceID)
	assert.Equal(t, "Hallway", snap.Name)
	assert.Equal(t, "09AA01AC", snap.SerialNumber)
	assert.Equal(t, UnitsFahrenheit, snap.DisplayUnits)
	assert.Equal(t, -270.0, snap.CurrentTemperature)
}

func temperatureEvent(ts time.Time, celsius float64) events.Event {
	return events.Event{
		EventID:   "evt",
		Timestamp: ts,
		ResourceUpdate: &events.ResourceUpdate{
			Name: hallwayName,
			Traits: sdm.Traits{
				Temperature: &sdm.Temperature{AmbientTemperatureCelsius: celsius},
			},
		},
	}
}

func TestEventsAreLoggedOnlyByDefault(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.SetDevice(hallwayName, testutil.ThermostatTraits("HEAT", "HEATING", "CELSIUS", 19.5, 20.0, 21.0))
	require.NoError(t, env.thermo.Connect(context.Background()))

	env.events.handler(context.Background(), temperatureEvent(time.Now(), 23.0))

	assert.Equal(t, 19.5, env.thermo.CurrentTemperature())
	assert.Equal(t, 1, env.logs.FilterMessage("Device event").Len())
}

func TestEventsAppliedWhenEnabled(t *testing.T) {
	env := newTestEnv(t, true)
	env.server.SetDevice(hallwayName, testutil.ThermostatTraits("HEAT", "HEATING", "CELSIUS", 19.5, 20.0, 21.0))
	require.NoError(t, env.thermo.Connect(context.Background()))

	env.events.handler(context.Background(), temperatureEvent(time.Now(), 23.0))

	assert.Equal(t, 23.0, env.thermo.CurrentTemperature())
	updates := env.publisher.all()
	assert.Equal(t, pushed{"abc123", CurrentTemperature, 23.0}, updates[len(updates)-1])
}

func TestApplyEvent(t *testing.T) {
	env := newTestEnv(t, true)
	cool := 24.0
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	env.thermo.ApplyEvent(events.Event{
		Timestamp: now,
		ResourceUpdate: &events.ResourceUpdate{
			Name: hallwayName,
			Traits: sdm.Traits{
				ThermostatMode:      &sdm.ThermostatMode{Mode: "COOL"},
				ThermostatHvac:      &sdm.ThermostatHvac{Status: "COOLING"},
				TemperatureSetpoint: &sdm.TemperatureSetpoint{CoolCelsius: &cool},
				Settings:            &sdm.Settings{TemperatureScale: "FAHRENHEIT"},
			},
		},
	})

	snap := env.thermo.Snapshot()
	assert.Equal(t, ModeCool, snap.CurrentMode)
	assert.Equal(t, StatusCooling, snap.TargetMode)
	assert.Equal(t, 24.0, snap.TargetTemperature)
	assert.Equal(t, UnitsFahrenheit, snap.DisplayUnits)
	assert.Equal(t, -270.0, snap.CurrentTemperature)
	assert.Equal(t, now, snap.LastEvent)
	assert.Len(t, env.publisher.all(), 4)

	// Older events are ignored
	env.thermo.ApplyEvent(temperatureEvent(now.Add(-time.Minute), 30.0))
	assert.Equal(t, -270.0, env.thermo.CurrentTemperature())

	env.thermo.ApplyEvent(temperatureEvent(now.Add(time.Minute), 21.0))
	assert.Equal(t, 21.0, env.thermo.CurrentTemperature())
}

func TestClose(t *testing.T) {
	env := newTestEnv(t, false)
	env.server.SetDevice(hallwayName, testutil.ThermostatTraits("HEAT", "HEATING", "CELSIUS", 19.5, 20.0, 21.0))
	require.NoError(t, env.thermo.Connect(context.Background()))

	require.NoError(t, env.thermo.Close())
	assert.Nil(t, env.events.handler)
	require.NoError(t, env.thermo.Close())
}
