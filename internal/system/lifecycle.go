package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/api/rest"
	"github.com/KevinKickass/RegisterMapper/internal/api/websocket"
	"github.com/KevinKickass/RegisterMapper/internal/auth"
	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/KevinKickass/RegisterMapper/internal/devices"
	"github.com/KevinKickass/RegisterMapper/internal/interfaces"
	"github.com/KevinKickass/RegisterMapper/internal/metrics"
	"github.com/KevinKickass/RegisterMapper/internal/modbus"
	"github.com/KevinKickass/RegisterMapper/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

type LifecycleManager struct {
	config        *config.Config
	registry      *prometheus.Registry
	deviceManager *devices.Manager
	authService   *auth.Service
	influx        *storage.InfluxClient
	wsHub         *websocket.Hub
	stopHub       context.CancelFunc
	logger        *zap.Logger

	restServer *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownOnce sync.Once
}

func NewLifecycleManager(cfg *config.Config, logger *zap.Logger, opts ...devices.Option) (*LifecycleManager, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deviceManager, err := devices.NewManager(cfg, metrics.New(registry), logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device manager: %w", err)
	}

	authService, err := auth.NewService(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth service: %w", err)
	}

	return &LifecycleManager{
		config:        cfg,
		registry:      registry,
		deviceManager: deviceManager,
		authService:   authService,
		wsHub:         websocket.NewHub(authService, logger),
		logger:        logger,
		currentState:  StateInitializing,
	}, nil
}

func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) DeviceManager() interfaces.DeviceService {
	return lm.deviceManager
}

// Start starts pollers and the REST API
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting register mapper",
		zap.String("mode", lm.config.Modbus.Mode),
		zap.Int("devices", len(lm.config.Devices.Hosts)))

	hubCtx, stopHub := context.WithCancel(context.Background())
	lm.stopHub = stopHub
	go lm.wsHub.Run(hubCtx)

	if lm.config.Poller.Enabled {
		if err := lm.startPollers(ctx); err != nil {
			lm.setError(fmt.Errorf("failed to start pollers: %w", err))
			return err
		}
	}

	if err := lm.startRESTServer(); err != nil {
		lm.setError(fmt.Errorf("failed to start REST API: %w", err))
		return err
	}

	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.Bool("poller_enabled", lm.config.Poller.Enabled),
		zap.Bool("auth_enabled", lm.authService.Enabled()))

	return nil
}

// startPollers feeds readouts to the websocket hub and, when configured,
// to InfluxDB.
func (lm *LifecycleManager) startPollers(ctx context.Context) error {
	sinks := modbus.MultiSink{lm.wsHub}
	if lm.config.Influx.URL != "" {
		influx, err := storage.NewInfluxClient(ctx, lm.config.Influx, lm.logger)
		if err != nil {
			return err
		}
		lm.influx = influx
		sinks = append(sinks, influx)
	}
	return lm.startPollersWith(sinks)
}

func (lm *LifecycleManager) startPollersWith(sink modbus.Sink) error {
	return lm.deviceManager.StartPollers(sink, lm.config.Poller.Interval)
}

func (lm *LifecycleManager) startRESTServer() error {
	lm.restServer = rest.NewServer(lm, lm.registry, lm.authService, lm.wsHub, lm.logger)
	return lm.restServer.Start()
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.setState(StateStopping)

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.setState(StateStopped)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	var wg sync.WaitGroup
	errChan := make(chan error, 2)

	// 1. Stop pollers and close device clients, then the sink they feed
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lm.deviceManager.StopAll(ctx); err != nil {
			errChan <- fmt.Errorf("device manager stop failed: %w", err)
		}
		if lm.influx != nil {
			lm.influx.Close()
		}
	}()

	// 2. REST API Server graceful shutdown
	if lm.restServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("rest api shutdown failed: %w", err)
			}
		}()
	}

	// Wait for all shutdowns
	done := make(chan struct{})
	go func() {
		wg.Wait()
		// 3. Disconnect websocket clients once nothing broadcasts anymore
		if lm.stopHub != nil {
			lm.stopHub()
		}
		close(done)
	}()

	select {
	case <-done:
		select {
		case err := <-errChan:
			return err
		default:
		}
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Warn("Unexpected system state change", zap.Error(err))
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.broadcastStatus()
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

// State returns the current system state.
func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	state := lm.State()

	infos := lm.deviceManager.ListDevices()
	connected := 0
	for _, d := range infos {
		if d.State != devices.StateNotConnected && d.State != modbus.StateClosed.String() {
			connected++
		}
	}

	return interfaces.SystemStatus{
		State:            state.String(),
		DeviceCount:      len(infos),
		ConnectedDevices: connected,
	}
}
