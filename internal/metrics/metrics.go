// Package metrics emits thermostat characteristics as DogStatsD gauges.
package metrics

import (
	"fmt"

	"nestbridge/internal/thermostat"

	"github.com/DataDog/datadog-go/statsd"
	"go.uber.org/zap"
)

var gauges = map[thermostat.Characteristic]string{
	thermostat.CurrentTemperature:         "thermostat.current_temperature",
	thermostat.TargetTemperature:          "thermostat.target_temperature",
	thermostat.CurrentHeatingCoolingState: "thermostat.current_mode",
	thermostat.TargetHeatingCoolingState:  "thermostat.target_mode",
}

// Client publishes characteristic updates to a DogStatsD agent. It
// implements thermostat.Publisher.
type Client struct {
	statsd *statsd.Client
	logger *zap.Logger
}

// New creates a client for the agent at addr.
func New(addr, namespace string, logger *zap.Logger) (*Client, error) {
	c, err := statsd.New(addr, statsd.WithNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client: %w", err)
	}

	logger = logger.Named("metrics")
	logger.Info("Metrics initialized",
		zap.String("addr", addr),
		zap.String("namespace", namespace))

	return &Client{statsd: c, logger: logger}, nil
}

// UpdateCharacteristic emits the matching gauge. Display units are not reported.
func (c *Client) UpdateCharacteristic(deviceID string, ch thermostat.Characteristic, value float64) {
	name, ok := gauges[ch]
	if !ok {
		return
	}
	if err := c.statsd.Gauge(name, value, []string{"device:" + deviceID}, 1); err != nil {
		c.logger.Warn("Failed to emit gauge metric",
			zap.String("metric", name),
			zap.Error(err))
	}
}

// Flush sends any buffered metrics.
func (c *Client) Flush() error {
	return c.statsd.Flush()
}

// Close flushes and closes the client.
func (c *Client) Close() error {
	return c.statsd.Close()
}
