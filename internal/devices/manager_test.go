package devices

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/config"
	"github.com/KevinKickass/RegisterMapper/internal/metrics"
	"github.com/KevinKickass/RegisterMapper/internal/modbus"
	"github.com/KevinKickass/RegisterMapper/internal/modbus/modbustest"
	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const pumpMapping = `{
  "mapping": {
    "40001": {"parameter": "Speed", "function": "decode_16bit_uint", "unit": "rpm", "max": 3000},
    "00001": {"parameter": "Run"}
  }
}`

// fakeNet hands out in-memory transports, one bank per address.
type fakeNet struct {
	mu         sync.Mutex
	banks      map[string]*modbustest.Bank
	transports []*modbustest.Memory
	connectErr error
	readDelay  time.Duration
}

func (f *fakeNet) factory(address string, _ byte, _ time.Duration, _ *zap.Logger) modbus.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.banks == nil {
		f.banks = make(map[string]*modbustest.Bank)
	}
	bank, ok := f.banks[address]
	if !ok {
		bank = modbustest.NewBank()
		f.banks[address] = bank
	}
	mem := modbustest.NewMemory(bank)
	mem.ConnectErr = f.connectErr
	mem.ReadDelay = f.readDelay
	f.transports = append(f.transports, mem)
	return mem
}

func (f *fakeNet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeNet) bank(address string) *modbustest.Bank {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banks[address]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pump.json"), []byte(pumpMapping), 0o644); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Modbus: config.ModbusConfig{
			Mode:           "sync",
			Port:           502,
			UnitID:         1,
			TimeoutConnect: time.Second,
			Timeout:        time.Second,
		},
		Devices: config.DevicesConfig{
			SearchPaths: []string{dir},
			Hosts: []config.HostConfig{
				{Name: "pump", Host: "10.0.0.1", Mapping: "pump"},
				{Host: "10.0.0.2", Port: 5020, Mapping: "missing"},
			},
		},
	}
}

func newTestManager(t *testing.T, net *fakeNet, m *metrics.Metrics) *Manager {
	t.Helper()
	return newManagerWith(t, testConfig(t), net, m)
}

func newManagerWith(t *testing.T, cfg *config.Config, net *fakeNet, m *metrics.Metrics) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg, m, zap.NewNop(), WithTransportFactory(net.factory))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mgr.StopAll(context.Background()) })
	return mgr
}

func kindOf(err error) types.ErrorKind {
	var e *types.Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func TestManagerCreatesDevicesLazily(t *testing.T) {
	net := &fakeNet{}
	mgr := newTestManager(t, net, nil)

	infos := mgr.ListDevices()
	if len(infos) != 2 || infos[0].Name != "10.0.0.2" || infos[1].Name != "pump" {
		t.Fatalf("devices = %+v", infos)
	}
	if infos[0].Address != "10.0.0.2:5020" || infos[1].Address != "10.0.0.1:502" {
		t.Errorf("addresses = %s %s", infos[0].Address, infos[1].Address)
	}
	if infos[1].State != "NOT_CONNECTED" || net.count() != 0 {
		t.Fatal("device created before first use")
	}

	for i := 0; i < 3; i++ {
		if _, err := mgr.Read(context.Background(), "pump"); err != nil {
			t.Fatal(err)
		}
	}
	if net.count() != 1 {
		t.Errorf("transports = %d, want 1", net.count())
	}
	if state := mgr.ListDevices()[1].State; state != "READY" {
		t.Errorf("state = %s", state)
	}
}

func TestManagerConcurrentFirstUse(t *testing.T) {
	net := &fakeNet{}
	mgr := newTestManager(t, net, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Read(context.Background(), "pump"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if net.count() != 1 {
		t.Errorf("transports = %d, want 1", net.count())
	}
}

func TestManagerUnknownDevice(t *testing.T) {
	mgr := newTestManager(t, &fakeNet{}, nil)

	_, err := mgr.Read(context.Background(), "boiler")
	if kindOf(err) != types.KindNotFound {
		t.Errorf("error = %v", err)
	}
}

func TestManagerMissingMapping(t *testing.T) {
	net := &fakeNet{}
	mgr := newTestManager(t, net, nil)

	_, err := mgr.Read(context.Background(), "10.0.0.2")
	if kindOf(err) != types.KindConfiguration {
		t.Errorf("error = %v", err)
	}
	if net.count() != 0 {
		t.Error("transport opened without a mapping")
	}
}

func TestManagerConnectFailureNotCached(t *testing.T) {
	net := &fakeNet{connectErr: errors.New("refused")}
	mgr := newTestManager(t, net, nil)

	_, err := mgr.Read(context.Background(), "pump")
	if kindOf(err) != types.KindConnection {
		t.Fatalf("error = %v", err)
	}

	net.mu.Lock()
	net.connectErr = nil
	net.mu.Unlock()

	if _, err := mgr.Read(context.Background(), "pump"); err != nil {
		t.Fatal(err)
	}
	if net.count() != 2 {
		t.Errorf("transports = %d, want 2", net.count())
	}
}

func TestManagerReadWrite(t *testing.T) {
	net := &fakeNet{}
	m := metrics.New(prometheus.NewRegistry())
	mgr := newTestManager(t, net, m)
	ctx := context.Background()

	res, err := mgr.Write(ctx, "pump", map[string]any{"Speed": 1500.0, "Run": true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated["Speed"] != 1500.0 || res.Updated["Run"] != true {
		t.Errorf("updated = %v", res.Updated)
	}

	_, err = mgr.Write(ctx, "pump", map[string]any{"Speed": 5000})
	if kindOf(err) != types.KindValidation {
		t.Errorf("error = %v", err)
	}

	read, err := mgr.Read(ctx, "pump")
	if err != nil {
		t.Fatal(err)
	}
	if read.DeviceID != "pump" || len(read.Data) != 2 {
		t.Fatalf("readout = %+v", read)
	}
	if read.Data[0].Value != true || read.Data[1].Value != int64(1500) || read.Data[1].Unit != "rpm" {
		t.Errorf("records = %+v", read.Data)
	}
	if got := net.bank("10.0.0.1:502").HoldingRegisters(1, 1); got[0] != 1500 {
		t.Errorf("register = %d", got[0])
	}
}

func TestManagerAsyncCallsQueue(t *testing.T) {
	cfg := testConfig(t)
	cfg.Modbus.Mode = "async"
	net := &fakeNet{readDelay: 100 * time.Millisecond}
	mgr := newManagerWith(t, cfg, net, nil)
	ctx := context.Background()

	if _, err := mgr.Device(ctx, "pump"); err != nil {
		t.Fatal(err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := mgr.Read(ctx, "pump")
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	res, err := mgr.Write(ctx, "pump", map[string]any{"Speed": 10})
	if err != nil {
		t.Fatalf("write during read: %v", err)
	}
	if res.Updated["Speed"] != 10 {
		t.Errorf("updated = %v", res.Updated)
	}
	if err := <-readErr; err != nil {
		t.Errorf("read: %v", err)
	}
}

type sinkFunc func(ctx context.Context, r *types.ReadResult) error

func (f sinkFunc) WriteReadout(ctx context.Context, r *types.ReadResult) error { return f(ctx, r) }

func TestManagerPollers(t *testing.T) {
	net := &fakeNet{}
	mgr := newTestManager(t, net, nil)

	got := make(chan string, 64)
	sink := sinkFunc(func(_ context.Context, r *types.ReadResult) error {
		select {
		case got <- r.DeviceID:
		default:
		}
		return nil
	})
	if err := mgr.StartPollers(sink, 5*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-got:
		if id != "pump" {
			t.Errorf("readout from %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no readout polled")
	}

	if err := mgr.StopAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	net.mu.Lock()
	defer net.mu.Unlock()
	for _, tr := range net.transports {
		if tr.Connected() {
			t.Error("transport left open after StopAll")
		}
	}
}
