// Package sdm wraps the Google Smart Device Management REST API for thermostats.
package sdm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	smartdevicemanagement "google.golang.org/api/smartdevicemanagement/v1"
)

// Thermostat commands.
const (
	CommandSetMode  = "sdm.devices.commands.ThermostatMode.SetMode"
	CommandSetHeat  = "sdm.devices.commands.ThermostatTemperatureSetpoint.SetHeat"
	CommandSetCool  = "sdm.devices.commands.ThermostatTemperatureSetpoint.SetCool"
	CommandSetRange = "sdm.devices.commands.ThermostatTemperatureSetpoint.SetRange"
)

// Command is a device command and its parameters.
type Command struct {
	Name   string
	Params map[string]interface{}
}

// Client issues device reads and commands for one SDM project.
type Client struct {
	svc       *smartdevicemanagement.Service
	baseURL   string
	projectID string
	logger    *zap.Logger
}

// NewClient creates an SDM client. Every request carries a bearer token
// taken from tokens.
func NewClient(ctx context.Context, baseURL, projectID string, tokens oauth2.TokenSource, logger *zap.Logger) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}

	svc, err := smartdevicemanagement.NewService(ctx,
		option.WithHTTPClient(oauth2.NewClient(ctx, tokens)),
		option.WithEndpoint(baseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create SDM service: %w", err)
	}

	return &Client{
		svc:       svc,
		baseURL:   baseURL,
		projectID: projectID,
		logger:    logger.Named("sdm"),
	}, nil
}

// DeviceName returns the resource name of a device in this project.
func (c *Client) DeviceName(deviceID string) string {
	return fmt.Sprintf("enterprises/%s/devices/%s", c.projectID, deviceID)
}

// DeviceURL returns the REST URL of a device.
func (c *Client) DeviceURL(deviceID string) string {
	return c.baseURL + "v1/" + c.DeviceName(deviceID)
}

// GetDevice fetches the device and decodes its traits.
func (c *Client) GetDevice(ctx context.Context, deviceID string) (*Traits, error) {
	c.logger.Debug("Fetching device", zap.String("url", c.DeviceURL(deviceID)))

	device, err := c.svc.Enterprises.Devices.Get(c.DeviceName(deviceID)).Context(ctx).Do()
	if err != nil {
		return nil, newDeviceCommandError(OpGetDevice, deviceID, err)
	}

	var traits Traits
	if err := json.Unmarshal(device.Traits, &traits); err != nil {
		return nil, &DeviceCommandError{Op: OpGetDevice, DeviceID: deviceID, Message: "malformed device traits", Err: err}
	}
	if err := traits.Complete(); err != nil {
		return nil, &DeviceCommandError{Op: OpGetDevice, DeviceID: deviceID, Message: err.Error(), Err: err}
	}
	return &traits, nil
}

// ExecuteCommand posts cmd to the device. Nil params are sent as {}.
func (c *Client) ExecuteCommand(ctx context.Context, deviceID string, cmd Command) error {
	params := cmd.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return &DeviceCommandError{Op: OpExecuteCommand, DeviceID: deviceID, Message: "invalid command params", Err: err}
	}

	c.logger.Debug("Executing command",
		zap.String("url", c.DeviceURL(deviceID)),
		zap.String("command", cmd.Name),
		zap.ByteString("params", encoded))

	req := &smartdevicemanagement.GoogleHomeEnterpriseSdmV1ExecuteDeviceCommandRequest{
		Command: cmd.Name,
		Params:  encoded,
	}
	if _, err := c.svc.Enterprises.Devices.ExecuteCommand(c.DeviceName(deviceID), req).Context(ctx).Do(); err != nil {
		return newDeviceCommandError(OpExecuteCommand, deviceID, err)
	}
	return nil
}
