package system

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/KevinKickass/RegisterMapper/internal/devices"
	"github.com/KevinKickass/RegisterMapper/internal/modbus"
	"github.com/KevinKickass/RegisterMapper/internal/modbus/modbustest"
	"github.com/KevinKickass/RegisterMapper/internal/types"
	"go.uber.org/zap"
)

type sink chan *types.ReadResult

func (s sink) WriteReadout(ctx context.Context, result *types.ReadResult) error {
	select {
	case s <- result:
	default:
	}
	return nil
}

func newTestLifecycle(t *testing.T) *LifecycleManager {
	t.Helper()
	dir := t.TempDir()
	mappingFile := `{"mapping": {"40001": {"parameter": "Speed", "function": "decode_16bit_uint"}}}`
	if err := os.WriteFile(filepath.Join(dir, "pump.json"), []byte(mappingFile), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Server: config.ServerConfig{HTTPPort: 0, ShutdownTimeout: time.Second},
		Modbus: config.ModbusConfig{Mode: "sync", Port: 502, UnitID: 1, TimeoutConnect: time.Second, Timeout: time.Second},
		Devices: config.DevicesConfig{
			SearchPaths: []string{dir},
			Hosts:       []config.HostConfig{{Name: "pump", Host: "10.0.0.1", Mapping: "pump"}},
		},
		Poller: config.PollerConfig{Interval: 10 * time.Millisecond},
	}

	bank := modbustest.NewBank()
	bank.SetHoldingRegisters(1, 1450)
	factory := func(string, byte, time.Duration, *zap.Logger) modbus.Transport {
		return modbustest.NewMemory(bank)
	}

	lm, err := NewLifecycleManager(cfg, zap.NewNop(), devices.WithTransportFactory(factory))
	if err != nil {
		t.Fatal(err)
	}
	return lm
}

func TestLifecycle(t *testing.T) {
	lm := newTestLifecycle(t)
	ctx := context.Background()

	status := lm.GetCurrentStatus()
	if status.State != "INITIALIZING" || status.DeviceCount != 1 || status.ConnectedDevices != 0 {
		t.Fatalf("initial status = %+v", status)
	}

	if err := lm.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if lm.State() != StateRunning {
		t.Fatalf("state = %s", lm.State())
	}

	result, err := lm.DeviceManager().Read(ctx, "pump")
	if err != nil {
		t.Fatal(err)
	}
	if result.Data[0].Value != int64(1450) {
		t.Fatalf("value = %v (%T)", result.Data[0].Value, result.Data[0].Value)
	}
	if status := lm.GetCurrentStatus(); status.ConnectedDevices != 1 {
		t.Fatalf("status after read = %+v", status)
	}

	if err := lm.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if lm.State() != StateStopped {
		t.Fatalf("state = %s", lm.State())
	}
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if status := lm.GetCurrentStatus(); status.ConnectedDevices != 0 {
		t.Fatalf("status after shutdown = %+v", status)
	}
}

func TestLifecyclePollers(t *testing.T) {
	lm := newTestLifecycle(t)
	readouts := make(sink, 1)
	if err := lm.startPollersWith(readouts); err != nil {
		t.Fatal(err)
	}
	defer lm.Shutdown(context.Background())

	select {
	case r := <-readouts:
		if r.DeviceID != "pump" || len(r.Data) != 1 {
			t.Fatalf("readout = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no readout")
	}
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to SystemState
		ok       bool
	}{
		{StateInitializing, StateRunning, true},
		{StateRunning, StateStopping, true},
		{StateStopping, StateStopped, true},
		{StateError, StateStopping, true},
		{StateRunning, StateInitializing, false},
		{StateStopped, StateRunning, false},
		{SystemState(42), StateRunning, false},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if (err == nil) != tc.ok {
			t.Errorf("%s -> %s: err = %v", tc.from, tc.to, err)
		}
	}
}
