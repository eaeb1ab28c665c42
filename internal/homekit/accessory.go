package homekit

import (
	"context"
	"encoding/binary"

	"nestbridge/internal/config"
	"nestbridge/internal/thermostat"

	"github.com/brutella/hap/accessory"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	manufacturer = "Nest"
	model        = "Learning Thermostat"
)

// accessoryNamespace scopes device ids when deriving accessory UUIDs.
var accessoryNamespace = uuid.MustParse("6f1a4c1e-2d0b-4a59-9d7e-5b3c2a18e0f4")

// AccessoryUUID derives the stable accessory UUID for a device id.
func AccessoryUUID(deviceID string) uuid.UUID {
	return uuid.NewSHA1(accessoryNamespace, []byte(deviceID))
}

// hapID maps a UUID to a HAP accessory id. Id 1 belongs to the bridge.
func hapID(id uuid.UUID) uint64 {
	aid := uint64(binary.BigEndian.Uint32(id[:4]))
	if aid < 2 {
		aid += 2
	}
	return aid
}

// Adapter is the thermostat behavior an accessory exposes over HAP.
type Adapter interface {
	CurrentMode() int
	TargetMode() int
	CurrentTemperature() float64
	TargetTemperature() float64
	DisplayUnits() int
	SetTargetMode(ctx context.Context, mode int) error
	SetTargetTemperature(ctx context.Context, celsius float64) error
	SetDisplayUnits(units int)
	AddPublisher(p thermostat.Publisher)
}

// Accessory is a host-owned handle for one thermostat. Its HAP values
// mirror the attached adapter.
type Accessory struct {
	UUID        uuid.UUID
	DisplayName string
	Device      config.Thermostat

	hap    *accessory.Thermostat
	logger *zap.Logger
}

// NewAccessory creates a handle with the device descriptor as its context.
func NewAccessory(displayName string, id uuid.UUID, device config.Thermostat, logger *zap.Logger) *Accessory {
	a := accessory.NewThermostat(accessory.Info{
		Name:         displayName,
		Manufacturer: manufacturer,
		Model:        model,
		SerialNumber: device.SerialNumber,
	})
	a.A.Id = hapID(id)
	a.Thermostat.CurrentTemperature.SetMinValue(-270)

	return &Accessory{
		UUID:        id,
		DisplayName: displayName,
		Device:      device,
		hap:         a,
		logger:      logger.Named("homekit").With(zap.String("device_id", device.DeviceID)),
	}
}

// HAP returns the underlying HAP accessory.
func (a *Accessory) HAP() *accessory.A {
	return a.hap.A
}

// Bind copies the adapter's state into the HAP characteristics, routes remote
// writes to the adapter and registers the accessory for adapter pushes.
func (a *Accessory) Bind(adapter Adapter) {
	a.seed(adapter)

	t := a.hap.Thermostat
	t.TargetHeatingCoolingState.OnValueRemoteUpdate(func(mode int) {
		a.setTargetMode(adapter, mode)
	})
	t.TargetTemperature.OnValueRemoteUpdate(func(celsius float64) {
		a.setTargetTemperature(adapter, celsius)
	})
	t.TemperatureDisplayUnits.OnValueRemoteUpdate(func(units int) {
		adapter.SetDisplayUnits(units)
	})

	adapter.AddPublisher(a)
}

func (a *Accessory) seed(adapter Adapter) {
	id := a.Device.DeviceID
	a.UpdateCharacteristic(id, thermostat.CurrentHeatingCoolingState, float64(adapter.CurrentMode()))
	a.UpdateCharacteristic(id, thermostat.TargetHeatingCoolingState, float64(adapter.TargetMode()))
	a.UpdateCharacteristic(id, thermostat.CurrentTemperature, adapter.CurrentTemperature())
	a.UpdateCharacteristic(id, thermostat.TargetTemperature, adapter.TargetTemperature())
	a.UpdateCharacteristic(id, thermostat.TemperatureDisplayUnits, float64(adapter.DisplayUnits()))
}

// setTargetMode forwards a remote write. A rejected write restores the
// adapter's value.
func (a *Accessory) setTargetMode(adapter Adapter, mode int) {
	a.logger.Info("Target heating cooling state changed via HomeKit", zap.Int("mode", mode))
	if err := adapter.SetTargetMode(context.Background(), mode); err != nil {
		a.UpdateCharacteristic(a.Device.DeviceID, thermostat.TargetHeatingCoolingState, float64(adapter.TargetMode()))
	}
}

func (a *Accessory) setTargetTemperature(adapter Adapter, celsius float64) {
	a.logger.Info("Target temperature changed via HomeKit", zap.Float64("celsius", celsius))
	if err := adapter.SetTargetTemperature(context.Background(), celsius); err != nil {
		a.UpdateCharacteristic(a.Device.DeviceID, thermostat.TargetTemperature, adapter.TargetTemperature())
	}
}

// UpdateCharacteristic implements thermostat.Publisher.
func (a *Accessory) UpdateCharacteristic(deviceID string, c thermostat.Characteristic, value float64) {
	t := a.hap.Thermostat

	var err error
	switch c {
	case thermostat.CurrentHeatingCoolingState:
		err = t.CurrentHeatingCoolingState.SetValue(int(value))
	case thermostat.TargetHeatingCoolingState:
		err = t.TargetHeatingCoolingState.SetValue(int(value))
	case thermostat.CurrentTemperature:
		t.CurrentTemperature.SetValue(value)
	case thermostat.TargetTemperature:
		t.TargetTemperature.SetValue(value)
	case thermostat.TemperatureDisplayUnits:
		err = t.TemperatureDisplayUnits.SetValue(int(value))
	}
	if err != nil {
		a.logger.Debug("HAP rejected characteristic value",
			zap.Stringer("characteristic", c),
			zap.Float64("value", value),
			zap.Error(err))
	}
}
