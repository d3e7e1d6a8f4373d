package modbustest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
)

// Server is a Modbus TCP server serving a Bank on a loopback port.
type Server struct {
	Bank *Bank

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
}

// NewServer starts listening on 127.0.0.1 on a free port.
func NewServer(bank *Bank) (*Server, error) {
	if bank == nil {
		bank = NewBank()
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{Bank: bank, listener: l, conns: make(map[net.Conn]struct{})}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string { return s.listener.Addr().String() }

func (s *Server) Close() error {
	err := s.listener.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			conn.Close()
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	header := make([]byte, headerLength)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 {
			return
		}
		raw := make([]byte, headerLength+length-1)
		copy(raw, header)
		if _, err := io.ReadFull(conn, raw[headerLength:]); err != nil {
			return
		}
		req, err := DecodeFrame(raw)
		if err != nil {
			return
		}
		if _, err := conn.Write(s.respond(req).Encode()); err != nil {
			return
		}
	}
}

func (s *Server) respond(req *Frame) *Frame {
	d := req.Data
	if len(d) < 4 {
		return req.Exception(ExceptionIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(d[0:2])
	quantity := binary.BigEndian.Uint16(d[2:4])

	switch req.FunctionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		table := s.Bank.coils
		if req.FunctionCode == FuncCodeReadDiscreteInputs {
			table = s.Bank.discrete
		}
		bits, err := s.Bank.readBits(table, address, quantity)
		if err != nil {
			return req.Exception(ExceptionIllegalDataAddress)
		}
		packed := codec.PackBits(bits)
		return req.Reply(append([]byte{byte(len(packed))}, packed...))

	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		table := s.Bank.holding
		if req.FunctionCode == FuncCodeReadInputRegisters {
			table = s.Bank.input
		}
		payload, err := s.Bank.readRegisters(table, address, quantity)
		if err != nil {
			return req.Exception(ExceptionIllegalDataAddress)
		}
		return req.Reply(append([]byte{byte(len(payload))}, payload...))

	case FuncCodeWriteSingleCoil:
		if quantity != 0xFF00 && quantity != 0x0000 {
			return req.Exception(ExceptionIllegalDataValue)
		}
		if err := s.Bank.writeCoils(address, []bool{quantity == 0xFF00}); err != nil {
			return req.Exception(ExceptionServerDeviceFailure)
		}
		return req.Reply(d[:4])

	case FuncCodeWriteSingleRegister:
		if err := s.Bank.writeRegisters(address, d[2:4]); err != nil {
			return req.Exception(ExceptionServerDeviceFailure)
		}
		return req.Reply(d[:4])

	case FuncCodeWriteMultipleCoils:
		if len(d) < 5 || len(d[5:]) < int(d[4]) {
			return req.Exception(ExceptionIllegalDataValue)
		}
		if err := s.Bank.writeCoils(address, codec.UnpackBits(d[5:], int(quantity))); err != nil {
			return req.Exception(ExceptionServerDeviceFailure)
		}
		return req.Reply(d[:4])

	case FuncCodeWriteMultipleRegisters:
		if len(d) < 5 || int(d[4]) != 2*int(quantity) || len(d[5:]) < int(d[4]) {
			return req.Exception(ExceptionIllegalDataValue)
		}
		if err := s.Bank.writeRegisters(address, d[5:5+int(d[4])]); err != nil {
			return req.Exception(ExceptionServerDeviceFailure)
		}
		return req.Reply(d[:4])
	}

	return req.Exception(ExceptionIllegalFunction)
}
