package modbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/mapping"
	"github.com/KevinKickass/RegisterMapper/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mode selects how a device client schedules its transport requests.
type Mode string

const (
	// ModeSync connects once and serializes every call on the device lock.
	ModeSync Mode = "sync"
	// ModeAsync connects per call and fans requests out concurrently.
	ModeAsync Mode = "async"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeSync:
		return ModeSync, nil
	case ModeAsync:
		return ModeAsync, nil
	}
	return "", fmt.Errorf("unknown modbus mode %q", s)
}

const writeSuccess = "write success"

// DeviceConfig describes one device client.
type DeviceConfig struct {
	// Name is the device identity, usually the host address. It keys the
	// device lock and is reported as device_id.
	Name    string
	Schema  *mapping.Schema
	Mode    Mode
	Timeout time.Duration // connect timeout
}

// Device reads and writes one device through its validated schema.
type Device struct {
	ID        uuid.UUID
	Name      string
	mode      Mode
	timeout   time.Duration
	schema    *mapping.Schema
	transport Transport
	locks     *LockGroup
	sessions  []*Session
	logger    *zap.Logger

	mu    sync.Mutex
	state State
}

// NewDevice builds the per-class sessions of the schema. In sync mode the
// transport is connected before NewDevice returns.
func NewDevice(ctx context.Context, cfg DeviceConfig, transport Transport, locks *LockGroup, logger *zap.Logger) (*Device, error) {
	if cfg.Schema == nil || cfg.Schema.Len() == 0 {
		return nil, types.NewError(types.KindConfiguration, "empty register mapping for device '%s'", cfg.Name)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	if locks == nil {
		locks = NewLockGroup()
	}

	d := &Device{
		ID:        uuid.New(),
		Name:      cfg.Name,
		mode:      cfg.Mode,
		timeout:   cfg.Timeout,
		schema:    cfg.Schema,
		transport: transport,
		locks:     locks,
		logger:    logger.With(zap.String("device", cfg.Name)),
		state:     StateConstructing,
	}
	for _, class := range types.RegisterTypes {
		d.sessions = append(d.sessions, newSession(class, cfg.Schema, transport, d.logger))
	}

	if d.mode == ModeSync {
		if err := d.connect(ctx); err != nil {
			d.setState(StateClosed)
			return nil, d.fail("Connect", err)
		}
	}

	d.setState(StateReady)
	d.logger.Info("Device client ready",
		zap.String("id", d.ID.String()),
		zap.String("mode", string(d.mode)),
		zap.Int("registers", cfg.Schema.Len()))
	return d, nil
}

func (d *Device) Mode() Mode { return d.mode }

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// begin moves the device into an operation state.
func (d *Device) begin(op State) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.state == StateClosed:
		return types.NewError(types.KindClosed, "device '%s' is closed", d.Name)
	case d.state.Busy():
		return types.NewError(types.KindBusy, "device '%s' is busy (%s)", d.Name, d.state)
	}
	if err := ValidateTransition(d.state, op); err != nil {
		return types.NewError(types.KindBusy, "device '%s': %v", d.Name, err)
	}
	d.state = op
	return nil
}

func (d *Device) end() {
	d.mu.Lock()
	if d.state.Busy() {
		d.state = StateReady
	}
	d.mu.Unlock()
}

// acquire serializes the call on the device lock in sync mode and moves the
// device into op. The returned function undoes both.
func (d *Device) acquire(op State) (func(), error) {
	unlock := func() {}
	if d.mode == ModeSync {
		unlock = d.locks.Lock(d.Name)
	}
	if err := d.begin(op); err != nil {
		unlock()
		return nil, err
	}
	return func() {
		d.end()
		unlock()
	}, nil
}

func (d *Device) connect(ctx context.Context) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.transport.Connect(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return types.NewError(types.KindTimeout, "Timeout connecting to MODBUS server: IP=%s, try to increase timeout_connect", d.Name).Wrap(err)
		}
		return types.NewError(types.KindConnection, "Could not connect to MODBUS server: IP=%s", d.Name).Wrap(err)
	}
	return nil
}

// ReadAll reads every mapped register, classes in prefix order and tokens in
// ascending address order.
func (d *Device) ReadAll(ctx context.Context) (*types.ReadResult, error) {
	release, err := d.acquire(StateReading)
	if err != nil {
		return nil, d.fail("Read", err)
	}
	defer release()

	start := time.Now()
	if d.mode == ModeAsync {
		if err := d.connect(ctx); err != nil {
			return nil, d.fail("Read", err)
		}
		defer d.transport.Close()
	}

	results := make([][]types.Record, len(d.sessions))
	if d.mode == ModeAsync {
		g, gctx := errgroup.WithContext(ctx)
		for i, s := range d.sessions {
			i := i
			s := s
			g.Go(func() error {
				recs, err := s.Readout(gctx, true)
				results[i] = recs
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, d.fail("Read", err)
		}
	} else {
		for i, s := range d.sessions {
			recs, err := s.Readout(ctx, false)
			if err != nil {
				return nil, d.fail("Read", err)
			}
			results[i] = recs
		}
	}

	data := make([]types.Record, 0, d.schema.Len())
	for _, recs := range results {
		data = append(data, recs...)
	}

	d.logger.Debug("Device read", zap.Int("records", len(data)), zap.Duration("elapsed", time.Since(start)))
	return &types.ReadResult{
		Timestamp: time.Now().UTC(),
		DeviceID:  d.Name,
		Data:      data,
	}, nil
}

// Write stores values keyed by parameter. Every parameter must be mapped;
// otherwise nothing is written. Coil parameters are written before holding
// register parameters. A failure reports the parameters committed so far.
func (d *Device) Write(ctx context.Context, values map[string]any) (*types.WriteResult, error) {
	release, err := d.acquire(StateWriting)
	if err != nil {
		return nil, d.fail("Write", err)
	}
	defer release()

	for _, s := range d.sessions {
		s.resetUpdated()
	}

	if missing := d.unmapped(values); len(missing) > 0 {
		err := types.NewError(types.KindValidation, "Parameter '%s' not mapped to register", strings.Join(missing, "', '"))
		return nil, d.fail("Write", err.WithUpdated(nil))
	}

	start := time.Now()
	if d.mode == ModeAsync {
		if err := d.connect(ctx); err != nil {
			return nil, d.fail("Write", toError(err).WithUpdated(nil))
		}
		defer d.transport.Close()
	}

	concurrent := d.mode == ModeAsync
	for _, s := range d.sessions {
		if err := s.Write(ctx, values, concurrent); err != nil {
			return nil, d.fail("Write", toError(err).WithUpdated(d.updated()))
		}
	}

	updated := d.updated()
	d.logger.Debug("Device written", zap.Int("parameters", len(updated)), zap.Duration("elapsed", time.Since(start)))
	return &types.WriteResult{Status: writeSuccess, Updated: updated}, nil
}

func (d *Device) unmapped(values map[string]any) []string {
	var missing []string
	for parameter := range values {
		if _, _, ok := d.schema.Find(parameter); !ok {
			missing = append(missing, parameter)
		}
	}
	sort.Strings(missing)
	return missing
}

func (d *Device) updated() map[string]any {
	out := make(map[string]any)
	for _, s := range d.sessions {
		for k, v := range s.Updated() {
			out[k] = v
		}
	}
	return out
}

// Close releases the transport. A closed device rejects further calls.
func (d *Device) Close() error {
	unlock := func() {}
	if d.mode == ModeSync {
		unlock = d.locks.Lock(d.Name)
	}
	defer unlock()

	d.mu.Lock()
	if d.state == StateClosed {
		d.mu.Unlock()
		return nil
	}
	if err := ValidateTransition(d.state, StateClosed); err != nil {
		d.mu.Unlock()
		return types.NewError(types.KindBusy, "device '%s': %v", d.Name, err)
	}
	d.state = StateClosed
	d.mu.Unlock()

	d.logger.Info("Device client closed")
	return d.transport.Close()
}

func (d *Device) fail(op string, err error) *types.Error {
	e := toError(err)
	d.logger.Error(op+" failed",
		zap.String("kind", string(e.Kind)),
		zap.Int("status", e.Status),
		zap.Error(e))
	return e
}

// toError converts any failure into a typed error.
func toError(err error) *types.Error {
	var e *types.Error
	if errors.As(err, &e) {
		return e
	}
	if ctxErr := contextError(err); ctxErr != nil {
		errors.As(ctxErr, &e)
		return e
	}
	return types.NewError(types.KindConnection, "%v", err).Wrap(err)
}

// contextError maps context expiry to a timeout error and returns nil for
// any other error.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.NewError(types.KindTimeout, "Timeout: try to increase timeout_connect").Wrap(err)
	}
	return nil
}
