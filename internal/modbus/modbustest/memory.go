package modbustest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var errNotConnected = errors.New("not connected")

// Memory is an in-process transport backed by a Bank.
type Memory struct {
	Bank *Bank

	// ConnectErr is returned by Connect when set.
	ConnectErr error
	// ConnectDelay delays Connect until it passes or the context ends.
	ConnectDelay time.Duration
	// ReadDelay delays every read.
	ReadDelay time.Duration

	mu        sync.Mutex
	connected bool
	connects  atomic.Int32
	closes    atomic.Int32
	inFlight  atomic.Int32
	peak      atomic.Int32
	requests  []string
}

func NewMemory(bank *Bank) *Memory {
	if bank == nil {
		bank = NewBank()
	}
	return &Memory{Bank: bank}
}

func (m *Memory) Connect(ctx context.Context) error {
	m.connects.Add(1)
	if m.ConnectDelay > 0 {
		select {
		case <-time.After(m.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.closes.Add(1)
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// Connected reports whether the transport is open.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Connects() int { return int(m.connects.Load()) }

func (m *Memory) Closes() int { return int(m.closes.Load()) }

// PeakConcurrency is the largest number of requests seen in flight at once.
func (m *Memory) PeakConcurrency() int { return int(m.peak.Load()) }

// Requests lists the requests served, e.g. "read_holding 1 2".
func (m *Memory) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

func (m *Memory) enter(ctx context.Context, request string, delay time.Duration) (func(), error) {
	n := m.inFlight.Add(1)
	for {
		peak := m.peak.Load()
		if n <= peak || m.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	done := func() { m.inFlight.Add(-1) }

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			done()
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		done()
		return nil, errNotConnected
	}
	m.requests = append(m.requests, request)
	return done, nil
}

func (m *Memory) ReadCoils(ctx context.Context, address, quantity uint16) ([]bool, error) {
	done, err := m.enter(ctx, request("read_coils", address, quantity), m.ReadDelay)
	if err != nil {
		return nil, err
	}
	defer done()
	return m.Bank.readBits(m.Bank.coils, address, quantity)
}

func (m *Memory) ReadDiscreteInputs(ctx context.Context, address, quantity uint16) ([]bool, error) {
	done, err := m.enter(ctx, request("read_discrete", address, quantity), m.ReadDelay)
	if err != nil {
		return nil, err
	}
	defer done()
	return m.Bank.readBits(m.Bank.discrete, address, quantity)
}

func (m *Memory) ReadInputRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	done, err := m.enter(ctx, request("read_input", address, quantity), m.ReadDelay)
	if err != nil {
		return nil, err
	}
	defer done()
	return m.Bank.readRegisters(m.Bank.input, address, quantity)
}

func (m *Memory) ReadHoldingRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	done, err := m.enter(ctx, request("read_holding", address, quantity), m.ReadDelay)
	if err != nil {
		return nil, err
	}
	defer done()
	return m.Bank.readRegisters(m.Bank.holding, address, quantity)
}

func (m *Memory) WriteCoil(ctx context.Context, address uint16, value bool) error {
	done, err := m.enter(ctx, request("write_coil", address, 1), 0)
	if err != nil {
		return err
	}
	defer done()
	return m.Bank.writeCoils(address, []bool{value})
}

func (m *Memory) WriteRegisters(ctx context.Context, address uint16, payload []byte) error {
	done, err := m.enter(ctx, request("write_registers", address, uint16(len(payload)/2)), 0)
	if err != nil {
		return err
	}
	defer done()
	return m.Bank.writeRegisters(address, payload)
}

func request(op string, address, quantity uint16) string {
	return fmt.Sprintf("%s %d %d", op, address, quantity)
}
