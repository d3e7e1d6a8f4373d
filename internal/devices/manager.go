package devices

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/KevinKickass/RegisterMapper/internal/mapping"
	"github.com/KevinKickass/RegisterMapper/internal/metrics"
	"github.com/KevinKickass/RegisterMapper/internal/modbus"
	"github.com/KevinKickass/RegisterMapper/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TransportFactory opens the transport of one device.
type TransportFactory func(address string, unitID byte, timeout time.Duration, logger *zap.Logger) modbus.Transport

func tcpTransport(address string, unitID byte, timeout time.Duration, logger *zap.Logger) modbus.Transport {
	return modbus.NewTCPTransport(address, unitID, timeout, logger)
}

type Option func(*Manager)

// WithTransportFactory replaces the Modbus TCP transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.newTransport = f }
}

// DeviceInfo describes a configured device.
type DeviceInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Mapping string `json:"mapping"`
	Mode    string `json:"mode"`
	State   string `json:"state"`
}

// StateNotConnected is reported for devices whose client was not created yet.
const StateNotConnected = "NOT_CONNECTED"

// Manager owns the device clients of the configured hosts. Clients are
// created on first use and kept until StopAll.
type Manager struct {
	cfg          config.ModbusConfig
	mode         modbus.Mode
	hosts        map[string]config.HostConfig
	loader       *mapping.ProfileLoader
	locks        *modbus.LockGroup
	newTransport TransportFactory
	metrics      *metrics.Metrics
	group        singleflight.Group
	devices      map[string]*modbus.Device
	pollers      map[string]*modbus.Poller
	mu           sync.RWMutex
	logger       *zap.Logger
}

func NewManager(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger, opts ...Option) (*Manager, error) {
	loader, err := mapping.NewProfileLoader(cfg.Devices.SearchPaths)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile loader: %w", err)
	}

	mode, err := modbus.ParseMode(cfg.Modbus.Mode)
	if err != nil {
		return nil, err
	}

	hosts := make(map[string]config.HostConfig, len(cfg.Devices.Hosts))
	for _, h := range cfg.Devices.Hosts {
		hosts[h.Key()] = h
	}

	mgr := &Manager{
		cfg:          cfg.Modbus,
		mode:         mode,
		hosts:        hosts,
		loader:       loader,
		locks:        modbus.NewLockGroup(),
		newTransport: tcpTransport,
		metrics:      m,
		devices:      make(map[string]*modbus.Device),
		pollers:      make(map[string]*modbus.Poller),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr, nil
}

// Device returns the client of the named device, creating it on first use.
// A failed creation is not cached.
func (m *Manager) Device(ctx context.Context, name string) (*modbus.Device, error) {
	m.mu.RLock()
	device, exists := m.devices[name]
	m.mu.RUnlock()
	if exists {
		return device, nil
	}

	host, ok := m.hosts[name]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "device '%s' not configured", name)
	}

	v, err, _ := m.group.Do(name, func() (any, error) {
		m.mu.RLock()
		device, exists := m.devices[name]
		m.mu.RUnlock()
		if exists {
			return device, nil
		}
		return m.open(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.(*modbus.Device), nil
}

func (m *Manager) open(ctx context.Context, host config.HostConfig) (*modbus.Device, error) {
	schema, err := m.loader.Load(host.Mapping)
	if err != nil {
		return nil, err
	}

	unitID := host.UnitID
	if unitID == 0 {
		unitID = m.cfg.UnitID
	}
	address := host.Address(m.cfg.Port)
	transport := m.newTransport(address, byte(unitID), m.cfg.Timeout, m.logger)

	device, err := modbus.NewDevice(ctx, modbus.DeviceConfig{
		Name:    host.Key(),
		Schema:  schema,
		Mode:    m.mode,
		Timeout: m.cfg.TimeoutConnect,
	}, transport, m.locks, m.logger)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.devices[host.Key()] = device
	open := len(m.devices)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Devices.Set(float64(open))
	}
	m.logger.Info("Device loaded",
		zap.String("name", host.Key()),
		zap.String("mapping", host.Mapping),
		zap.String("address", address))

	return device, nil
}

// Read returns the full readout of the named device.
func (m *Manager) Read(ctx context.Context, name string) (*types.ReadResult, error) {
	start := time.Now()
	result, err := m.read(ctx, name)
	m.observe(name, "read", start, err)
	if err == nil && m.metrics != nil {
		m.metrics.Records.WithLabelValues(name).Set(float64(len(result.Data)))
	}
	return result, err
}

func (m *Manager) read(ctx context.Context, name string) (*types.ReadResult, error) {
	device, err := m.Device(ctx, name)
	if err != nil {
		return nil, err
	}
	defer m.serialize(device)()
	return device.ReadAll(ctx)
}

// Write stores values on the named device.
func (m *Manager) Write(ctx context.Context, name string, values map[string]any) (*types.WriteResult, error) {
	start := time.Now()
	result, err := m.write(ctx, name, values)
	m.observe(name, "write", start, err)
	return result, err
}

func (m *Manager) write(ctx context.Context, name string, values map[string]any) (*types.WriteResult, error) {
	device, err := m.Device(ctx, name)
	if err != nil {
		return nil, err
	}
	defer m.serialize(device)()
	return device.Write(ctx, values)
}

// serialize queues overlapping calls on an async device. Sync devices hold
// the same lock inside every call already.
func (m *Manager) serialize(device *modbus.Device) func() {
	if m.mode != modbus.ModeAsync {
		return func() {}
	}
	return m.locks.Lock(device.Name)
}

func (m *Manager) observe(name, op string, start time.Time, err error) {
	m.logger.Debug("Device call finished",
		zap.String("device", name),
		zap.String("op", op),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("ok", err == nil))
	if m.metrics != nil {
		m.metrics.Observe(name, op, start, err)
	}
}

// ListDevices returns the configured devices sorted by name.
func (m *Manager) ListDevices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(m.hosts))
	for name, h := range m.hosts {
		state := StateNotConnected
		if d, ok := m.devices[name]; ok {
			state = d.State().String()
		}
		infos = append(infos, DeviceInfo{
			Name:    name,
			Address: h.Address(m.cfg.Port),
			Mapping: h.Mapping,
			Mode:    string(m.mode),
			State:   state,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// StartPollers polls every configured device into sink.
func (m *Manager) StartPollers(sink modbus.Sink, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.hosts {
		if _, running := m.pollers[name]; running {
			continue
		}
		poller := modbus.NewPoller(name, deviceReader{m, name}, sink, interval, m.logger)
		if err := poller.Start(); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
		m.pollers[name] = poller
	}
	return nil
}

// StopAll stops all pollers and closes all device clients.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	pollers := m.pollers
	m.pollers = make(map[string]*modbus.Poller)
	m.mu.Unlock()

	for _, poller := range pollers {
		poller.Stop()
	}

	m.mu.Lock()
	devices := m.devices
	m.devices = make(map[string]*modbus.Device)
	m.mu.Unlock()

	for name, device := range devices {
		if err := device.Close(); err != nil {
			m.logger.Error("Failed to close device",
				zap.String("device", name),
				zap.Error(err))
		}
	}

	if m.metrics != nil {
		m.metrics.Devices.Set(0)
	}
	return nil
}

// deviceReader feeds a poller through the manager.
type deviceReader struct {
	m    *Manager
	name string
}

func (r deviceReader) ReadAll(ctx context.Context) (*types.ReadResult, error) {
	return r.m.Read(ctx, r.name)
}
