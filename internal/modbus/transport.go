package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("not connected")

// Transport is the register transport a device client drives.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error)
	ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error)
	WriteCoil(ctx context.Context, address uint16, value bool) error
	WriteRegisters(ctx context.Context, address uint16, payload []byte) error
}

// TCPTransport is a Modbus TCP transport on top of goburrow/modbus. The
// goburrow client is not safe for concurrent use, so every request is
// serialized on mu.
type TCPTransport struct {
	address   string
	unitID    byte
	timeout   time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
}

func NewTCPTransport(address string, unitID byte, timeout time.Duration, logger *zap.Logger) *TCPTransport {
	return &TCPTransport{
		address: address,
		unitID:  unitID,
		timeout: timeout,
		logger:  logger,
	}
}

// Connect opens the TCP connection. The attempt is abandoned when ctx ends.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	handler := modbus.NewTCPClientHandler(t.address)
	handler.Timeout = t.timeout
	handler.SlaveId = t.unitID

	done := make(chan error, 1)
	go func() {
		done <- handler.Connect()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				handler.Close()
			}
		}()
		return fmt.Errorf("connection to %s aborted: %w", t.address, ctx.Err())
	}

	t.handler = handler
	t.client = modbus.NewClient(handler)
	t.connected = true

	t.logger.Debug("Connected to Modbus device", zap.String("address", t.address))
	return nil
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	err := t.handler.Close()
	t.connected = false
	t.handler = nil
	t.client = nil

	t.logger.Debug("Closed Modbus connection", zap.String("address", t.address))
	return err
}

func (t *TCPTransport) do(ctx context.Context, op func(modbus.Client) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil, ErrNotConnected
	}
	return op(t.client)
}

func (t *TCPTransport) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	data, err := t.do(ctx, func(c modbus.Client) ([]byte, error) { return c.ReadCoils(address, quantity) })
	if err != nil {
		return nil, err
	}
	return codec.UnpackBits(data, int(quantity)), nil
}

func (t *TCPTransport) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error) {
	data, err := t.do(ctx, func(c modbus.Client) ([]byte, error) { return c.ReadDiscreteInputs(address, quantity) })
	if err != nil {
		return nil, err
	}
	return codec.UnpackBits(data, int(quantity)), nil
}

func (t *TCPTransport) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	return t.do(ctx, func(c modbus.Client) ([]byte, error) { return c.ReadInputRegisters(address, quantity) })
}

func (t *TCPTransport) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	return t.do(ctx, func(c modbus.Client) ([]byte, error) { return c.ReadHoldingRegisters(address, quantity) })
}

func (t *TCPTransport) WriteCoil(ctx context.Context, address uint16, value bool) error {
	var raw uint16
	if value {
		raw = 0xFF00
	}
	_, err := t.do(ctx, func(c modbus.Client) ([]byte, error) { return c.WriteSingleCoil(address, raw) })
	return err
}

func (t *TCPTransport) WriteRegisters(ctx context.Context, address uint16, payload []byte) error {
	if len(payload) == 0 || len(payload)%2 != 0 {
		return fmt.Errorf("payload of %d bytes is not a whole number of registers", len(payload))
	}
	_, err := t.do(ctx, func(c modbus.Client) ([]byte, error) {
		return c.WriteMultipleRegisters(address, uint16(len(payload)/2), payload)
	})
	return err
}
