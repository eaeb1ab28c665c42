// Package platform discovers configured thermostats, matches them against
// cached accessories and attaches a thermostat adapter to each.
package platform

import (
	"context"
	"sync"

	"nestbridge/internal/config"
	"nestbridge/internal/homekit"
	"nestbridge/internal/thermostat"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Host registers new accessories.
type Host interface {
	RegisterPlatformAccessories(ctx context.Context, accs ...*homekit.Accessory) error
}

// TokenSource issues access tokens.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Options configures discovery.
type Options struct {
	Thermostats []config.Thermostat
	Tokens      TokenSource
	// Adapter is shared by every thermostat adapter.
	Adapter thermostat.Options
}

// Platform is the device registry.
type Platform struct {
	host   Host
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	accessories []*homekit.Accessory
	thermostats []*thermostat.Thermostat
	launched    bool
}

// New creates a platform.
func New(host Host, opts Options, logger *zap.Logger) *Platform {
	return &Platform{
		host:   host,
		opts:   opts,
		logger: logger.Named("platform"),
	}
}

// ConfigureAccessory records an accessory restored from the cache.
func (p *Platform) ConfigureAccessory(acc *homekit.Accessory) {
	p.logger.Info("Loading accessory from cache", zap.String("name", acc.DisplayName))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessories = append(p.accessories, acc)
}

// DidFinishLaunching runs discovery once. Restored accessories are reused,
// others are created and registered with the host. Nothing is unregistered.
// A token failure aborts the cycle and a later call may retry.
func (p *Platform) DidFinishLaunching(ctx context.Context) error {
	p.mu.Lock()
	if p.launched {
		p.mu.Unlock()
		return nil
	}
	p.launched = true
	p.mu.Unlock()

	if _, err := p.opts.Tokens.AccessToken(ctx); err != nil {
		p.logger.Error("Unable to discover devices", zap.Error(err))
		p.mu.Lock()
		p.launched = false
		p.mu.Unlock()
		return err
	}

	for _, device := range p.opts.Thermostats {
		id := homekit.AccessoryUUID(device.DeviceID)

		if existing := p.find(id); existing != nil {
			p.logger.Info("Restoring existing accessory from cache", zap.String("name", existing.DisplayName))
			p.attach(ctx, existing)
			continue
		}

		p.logger.Info("Adding new accessory", zap.String("name", device.Name))
		acc := homekit.NewAccessory(device.Name, id, device, p.logger)
		p.attach(ctx, acc)
		if err := p.host.RegisterPlatformAccessories(ctx, acc); err != nil {
			p.logger.Error("Unable to register accessory",
				zap.String("name", device.Name),
				zap.Error(err))
		}
	}
	return nil
}

func (p *Platform) find(id uuid.UUID) *homekit.Accessory {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acc := range p.accessories {
		if acc.UUID == id {
			return acc
		}
	}
	return nil
}

// attach binds a new adapter to acc and connects it. Connect failures are
// logged by the adapter, which keeps its default state.
func (p *Platform) attach(ctx context.Context, acc *homekit.Accessory) {
	t := thermostat.New(acc.Device, p.opts.Adapter, p.logger)
	acc.Bind(t)

	p.mu.Lock()
	p.thermostats = append(p.thermostats, t)
	p.mu.Unlock()

	_ = t.Connect(ctx)
}

// Thermostats returns the attached adapters.
func (p *Platform) Thermostats() []*thermostat.Thermostat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*thermostat.Thermostat, len(p.thermostats))
	copy(out, p.thermostats)
	return out
}

// Snapshots returns the state of every attached adapter.
func (p *Platform) Snapshots() []thermostat.Snapshot {
	thermostats := p.Thermostats()
	out := make([]thermostat.Snapshot, 0, len(thermostats))
	for _, t := range thermostats {
		out = append(out, t.Snapshot())
	}
	return out
}

// Close releases every adapter's event subscription.
func (p *Platform) Close() error {
	for _, t := range p.Thermostats() {
		if err := t.Close(); err != nil {
			p.logger.Warn("Failed to close thermostat",
				zap.String("device_id", t.Device().DeviceID),
				zap.Error(err))
		}
	}
	return nil
}
