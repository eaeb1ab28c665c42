// Package homekit is the host for thermostat accessories. It keeps the
// accessory cache and serves the accessories over HAP behind a bridge.
package homekit

import (
	"context"
	"fmt"
	"sync"

	"nestbridge/internal/config"
	"nestbridge/internal/store"

	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccessoryStore persists accessory handles across restarts.
type AccessoryStore interface {
	ListAccessories(ctx context.Context) ([]store.AccessoryRecord, error)
	SaveAccessory(ctx context.Context, record store.AccessoryRecord) error
}

// Restorer receives every accessory loaded from the cache.
type Restorer interface {
	ConfigureAccessory(acc *Accessory)
}

// Config configures the HAP bridge.
type Config struct {
	Name        string
	Pin         string
	Port        int
	StoragePath string
}

// Bridge owns all accessory handles and the HAP server.
type Bridge struct {
	cfg    Config
	store  AccessoryStore
	logger *zap.Logger

	mu          sync.Mutex
	accessories []*Accessory
	serving     bool
}

// NewBridge creates a bridge host.
func NewBridge(cfg Config, store AccessoryStore, logger *zap.Logger) *Bridge {
	return &Bridge{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("homekit"),
	}
}

// Restore loads cached accessories and hands each one to r.
func (b *Bridge) Restore(ctx context.Context, r Restorer) error {
	records, err := b.store.ListAccessories(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accessory cache: %w", err)
	}

	for _, record := range records {
		id, err := uuid.Parse(record.UUID)
		if err != nil {
			b.logger.Warn("Skipping cached accessory with invalid UUID",
				zap.String("uuid", record.UUID),
				zap.Error(err))
			continue
		}

		device := config.Thermostat{
			DeviceID:     record.DeviceID,
			Name:         record.Name,
			SerialNumber: record.SerialNumber,
		}
		acc := NewAccessory(record.DisplayName, id, device, b.logger)

		b.mu.Lock()
		b.accessories = append(b.accessories, acc)
		b.mu.Unlock()

		r.ConfigureAccessory(acc)
	}
	return nil
}

// RegisterPlatformAccessories persists new accessories and adds them to the
// set served over HAP.
func (b *Bridge) RegisterPlatformAccessories(ctx context.Context, accs ...*Accessory) error {
	for _, acc := range accs {
		record := store.AccessoryRecord{
			UUID:         acc.UUID.String(),
			DisplayName:  acc.DisplayName,
			DeviceID:     acc.Device.DeviceID,
			Name:         acc.Device.Name,
			SerialNumber: acc.Device.SerialNumber,
		}
		if err := b.store.SaveAccessory(ctx, record); err != nil {
			return fmt.Errorf("failed to cache accessory %s: %w", acc.UUID, err)
		}

		b.mu.Lock()
		b.accessories = append(b.accessories, acc)
		serving := b.serving
		b.mu.Unlock()

		if serving {
			b.logger.Warn("Accessory registered after HAP server start, restart to publish it",
				zap.String("name", acc.DisplayName))
		}
	}
	return nil
}

// Accessories returns every restored or registered accessory.
func (b *Bridge) Accessories() []*Accessory {
	b.mu.Lock()
	defer b.mu.Unlock()
	accs := make([]*Accessory, len(b.accessories))
	copy(accs, b.accessories)
	return accs
}

// ListenAndServe serves all accessories until ctx is cancelled.
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	bridge := accessory.NewBridge(accessory.Info{
		Name:         b.cfg.Name,
		Manufacturer: manufacturer,
	})
	bridge.A.Id = 1

	accs := b.Accessories()
	has := make([]*accessory.A, 0, len(accs))
	for _, acc := range accs {
		has = append(has, acc.HAP())
	}

	server, err := hap.NewServer(hap.NewFsStore(b.cfg.StoragePath), bridge.A, has...)
	if err != nil {
		return fmt.Errorf("failed to create HAP server: %w", err)
	}
	server.Pin = b.cfg.Pin
	server.Addr = fmt.Sprintf(":%d", b.cfg.Port)

	b.mu.Lock()
	b.serving = true
	b.mu.Unlock()

	b.logger.Info("Starting HAP server",
		zap.String("name", b.cfg.Name),
		zap.String("addr", server.Addr),
		zap.Int("accessories", len(has)))
	return server.ListenAndServe(ctx)
}
