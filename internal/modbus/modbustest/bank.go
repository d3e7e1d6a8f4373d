// Package modbustest provides an in-memory register bank with two fronts:
// a fake transport for unit tests and a Modbus TCP server for end-to-end
// tests.
package modbustest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const size = 1 << 16

// ErrInjected is returned for addresses marked with FailAt.
var ErrInjected = errors.New("injected failure")

// Bank holds the four register tables of one simulated device.
type Bank struct {
	mu       sync.Mutex
	coils    []bool
	discrete []bool
	input    []uint16
	holding  []uint16
	failing  map[uint16]bool
}

func NewBank() *Bank {
	return &Bank{
		coils:    make([]bool, size),
		discrete: make([]bool, size),
		input:    make([]uint16, size),
		holding:  make([]uint16, size),
		failing:  make(map[uint16]bool),
	}
}

func (b *Bank) SetCoils(address uint16, values ...bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.coils[address:], values)
}

func (b *Bank) SetDiscreteInputs(address uint16, values ...bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.discrete[address:], values)
}

func (b *Bank) SetInputRegisters(address uint16, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.input[address:], values)
}

func (b *Bank) SetHoldingRegisters(address uint16, values ...uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.holding[address:], values)
}

// SetInputBytes stores a big-endian register payload.
func (b *Bank) SetInputBytes(address uint16, payload []byte) {
	b.SetInputRegisters(address, toRegisters(payload)...)
}

// SetHoldingBytes stores a big-endian register payload.
func (b *Bank) SetHoldingBytes(address uint16, payload []byte) {
	b.SetHoldingRegisters(address, toRegisters(payload)...)
}

func (b *Bank) Coil(address uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coils[address]
}

func (b *Bank) HoldingRegisters(address, quantity uint16) []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, quantity)
	copy(out, b.holding[address:])
	return out
}

// FailAt makes every write to address fail.
func (b *Bank) FailAt(address uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[address] = true
}

func (b *Bank) readBits(table []bool, address, quantity uint16) ([]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(address)+int(quantity) > size {
		return nil, fmt.Errorf("address %d quantity %d out of range", address, quantity)
	}
	out := make([]bool, quantity)
	copy(out, table[address:])
	return out, nil
}

func (b *Bank) readRegisters(table []uint16, address, quantity uint16) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int(address)+int(quantity) > size {
		return nil, fmt.Errorf("address %d quantity %d out of range", address, quantity)
	}
	out := make([]byte, 2*int(quantity))
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(out[2*i:], table[int(address)+i])
	}
	return out, nil
}

func (b *Bank) writeCoils(address uint16, values []bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing[address] {
		return fmt.Errorf("coil %d: %w", address, ErrInjected)
	}
	if int(address)+len(values) > size {
		return fmt.Errorf("address %d quantity %d out of range", address, len(values))
	}
	copy(b.coils[address:], values)
	return nil
}

func (b *Bank) writeRegisters(address uint16, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing[address] {
		return fmt.Errorf("register %d: %w", address, ErrInjected)
	}
	regs := toRegisters(payload)
	if int(address)+len(regs) > size {
		return fmt.Errorf("address %d quantity %d out of range", address, len(regs))
	}
	copy(b.holding[address:], regs)
	return nil
}

func toRegisters(payload []byte) []uint16 {
	if len(payload)%2 != 0 {
		payload = append(append([]byte{}, payload...), 0)
	}
	regs := make([]uint16, len(payload)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
	return regs
}
