package modbus

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/KevinKickass/RegisterMapper/internal/codec"
	"github.com/KevinKickass/RegisterMapper/internal/mapping"
	"github.com/KevinKickass/RegisterMapper/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Session reads and writes the entries of one register class.
type Session struct {
	class     types.RegisterType
	schema    *mapping.Schema
	transport Transport
	logger    *zap.Logger

	mu      sync.Mutex
	updated map[string]any
}

func newSession(class types.RegisterType, schema *mapping.Schema, transport Transport, logger *zap.Logger) *Session {
	return &Session{
		class:     class,
		schema:    schema,
		transport: transport,
		logger:    logger.With(zap.String("class", string(class))),
		updated:   make(map[string]any),
	}
}

// Updated returns a copy of the parameters committed by the last write.
func (s *Session) Updated() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]any, len(s.updated))
	for k, v := range s.updated {
		out[k] = v
	}
	return out
}

func (s *Session) commit(parameter string, value any) {
	s.mu.Lock()
	s.updated[parameter] = value
	s.mu.Unlock()
}

func (s *Session) resetUpdated() {
	s.mu.Lock()
	s.updated = make(map[string]any)
	s.mu.Unlock()
}

// Readout reads every token of the class in ascending address order. With
// concurrent set, tokens are requested in parallel but records keep token
// order.
func (s *Session) Readout(ctx context.Context, concurrent bool) ([]types.Record, error) {
	tokens := s.schema.Tokens(s.class)
	results := make([][]types.Record, len(tokens))

	if concurrent {
		g, gctx := errgroup.WithContext(ctx)
		for i, token := range tokens {
			i := i
			token := token
			g.Go(func() error {
				recs, err := s.acquire(gctx, token)
				results[i] = recs
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i, token := range tokens {
			recs, err := s.acquire(ctx, token)
			if err != nil {
				return nil, err
			}
			results[i] = recs
		}
	}

	var records []types.Record
	for _, recs := range results {
		records = append(records, recs...)
	}
	return records, nil
}

func (s *Session) acquire(ctx context.Context, token string) ([]types.Record, error) {
	entry, _ := s.schema.Entry(token)
	addr, err := mapping.Resolve(token, entry)
	if err != nil {
		return nil, types.NewError(types.KindConfiguration, "%v", err)
	}

	s.logger.Debug("Reading register",
		zap.String("token", token),
		zap.Uint16("address", addr.Start),
		zap.Int("width", addr.Width))

	if s.class.IsBit() {
		quantity := addr.Width
		for _, item := range entry.Map {
			if idx, err := mapping.BitIndex(item.Key); err == nil && idx+1 > quantity {
				quantity = idx + 1
			}
		}
		flags, err := s.readBits(ctx, addr.Start, uint16(quantity))
		if err != nil {
			return nil, s.readError(addr.Start, quantity, err)
		}
		return decodeFlags(entry, flags)
	}

	payload, err := s.readRegisters(ctx, addr.Start, uint16(addr.Width))
	if err != nil {
		return nil, s.readError(addr.Start, addr.Width, err)
	}
	d := codec.NewDecoder(payload, s.schema.Endianness())
	if addr.BytePosition == 2 {
		if err := d.Skip(1); err != nil {
			return nil, decodeError(entry, addr, err)
		}
	}
	return decodeRegister(entry, addr, d)
}

func (s *Session) readBits(ctx context.Context, address, quantity uint16) ([]bool, error) {
	if s.class == types.RegisterTypeCoil {
		return s.transport.ReadCoils(ctx, address, quantity)
	}
	return s.transport.ReadDiscreteInputs(ctx, address, quantity)
}

func (s *Session) readRegisters(ctx context.Context, address, quantity uint16) ([]byte, error) {
	if s.class == types.RegisterTypeInputRegister {
		return s.transport.ReadInputRegisters(ctx, address, quantity)
	}
	return s.transport.ReadHoldingRegisters(ctx, address, quantity)
}

func (s *Session) readError(address uint16, width int, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	return types.NewError(types.KindTransportRead,
		"Error reading register at address '%d' and width '%d' for MODBUS class '%c'",
		address, width, s.class.Prefix()).Wrap(err)
}

// matched returns the parameters of values mapped in this class, sorted, with
// their tokens.
func (s *Session) matched(values map[string]any) ([]string, map[string]string) {
	byParameter := make(map[string]string)
	for _, token := range s.schema.Tokens(s.class) {
		entry, _ := s.schema.Entry(token)
		if _, ok := values[entry.Parameter]; ok {
			if _, seen := byParameter[entry.Parameter]; !seen {
				byParameter[entry.Parameter] = token
			}
		}
	}
	parameters := make([]string, 0, len(byParameter))
	for p := range byParameter {
		parameters = append(parameters, p)
	}
	sort.Strings(parameters)
	return parameters, byParameter
}

// Write stores the values whose parameter is mapped in this class. The
// committed parameters are available from Updated afterwards, also when
// Write fails part way.
func (s *Session) Write(ctx context.Context, values map[string]any, concurrent bool) error {
	parameters, tokens := s.matched(values)
	if len(parameters) == 0 {
		return nil
	}
	if !s.class.Writable() {
		return types.NewError(types.KindNotWritable,
			"Parameter '%s' of MODBUS register class '%c' is not appropriate",
			strings.Join(parameters, "', '"), s.class.Prefix())
	}

	if s.class.IsBit() {
		return s.writeCoils(ctx, parameters, tokens, values, concurrent)
	}
	return s.writeHolding(ctx, parameters, tokens, values, concurrent)
}

type writeJob struct {
	parameter string
	address   uint16
	value     any
	run       func(ctx context.Context) error
}

func (s *Session) writeCoils(ctx context.Context, parameters []string, tokens map[string]string, values map[string]any, concurrent bool) error {
	jobs := make([]writeJob, 0, len(parameters))
	for _, parameter := range parameters {
		token := tokens[parameter]
		entry, _ := s.schema.Entry(token)
		addr, err := mapping.Resolve(token, entry)
		if err != nil {
			return types.NewError(types.KindConfiguration, "%v", err)
		}
		value := values[parameter]
		on, ok := toBool(value)
		if !ok {
			return types.NewError(types.KindValidation, "Error encountered for '%s' when writing value: '%v' is not a boolean", parameter, value)
		}
		jobs = append(jobs, writeJob{
			parameter: parameter,
			address:   addr.Start,
			value:     value,
			run: func(ctx context.Context) error {
				if err := s.transport.WriteCoil(ctx, addr.Start, on); err != nil {
					if ctxErr := contextError(err); ctxErr != nil {
						return ctxErr
					}
					return types.NewError(types.KindTransportWrite,
						"Error writing coil register at address '%d' with payload '%t'", addr.Start, on).Wrap(err)
				}
				return nil
			},
		})
	}
	return s.execute(ctx, jobs, concurrent)
}

// writeHolding validates and writes each parameter. Sequential writes
// validate one parameter at a time, so earlier ones may already be committed
// when a later one is rejected. Concurrent writes validate everything before
// the first request goes out.
func (s *Session) writeHolding(ctx context.Context, parameters []string, tokens map[string]string, values map[string]any, concurrent bool) error {
	prepare := func(parameter string) (writeJob, error) {
		token := tokens[parameter]
		entry, _ := s.schema.Entry(token)
		addr, err := mapping.Resolve(token, entry)
		if err != nil {
			return writeJob{}, types.NewError(types.KindConfiguration, "%v", err)
		}
		value := values[parameter]
		payload, err := encodeHolding(entry, addr, s.schema.Endianness(), value)
		if err != nil {
			return writeJob{}, err
		}
		return writeJob{
			parameter: parameter,
			address:   addr.Start,
			value:     value,
			run: func(ctx context.Context) error {
				if err := s.transport.WriteRegisters(ctx, addr.Start, payload); err != nil {
					if ctxErr := contextError(err); ctxErr != nil {
						return ctxErr
					}
					return types.NewError(types.KindTransportWrite,
						"Error writing to holding register address '%d' with payload '%v'", addr.Start, registers(payload)).Wrap(err)
				}
				return nil
			},
		}, nil
	}

	if !concurrent {
		for _, parameter := range parameters {
			job, err := prepare(parameter)
			if err != nil {
				return err
			}
			if err := s.execute(ctx, []writeJob{job}, false); err != nil {
				return err
			}
		}
		return nil
	}

	jobs := make([]writeJob, 0, len(parameters))
	for _, parameter := range parameters {
		job, err := prepare(parameter)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	return s.execute(ctx, jobs, true)
}

// execute runs write jobs and commits each successful one. Concurrently, the
// first failure is reported and cancels jobs that have not started.
func (s *Session) execute(ctx context.Context, jobs []writeJob, concurrent bool) error {
	run := func(ctx context.Context, job writeJob) error {
		if err := ctx.Err(); err != nil {
			return contextError(err)
		}
		if err := job.run(ctx); err != nil {
			return err
		}
		s.commit(job.parameter, job.value)
		s.logger.Debug("Register written",
			zap.String("parameter", job.parameter),
			zap.Uint16("address", job.address))
		return nil
	}

	if !concurrent {
		for _, job := range jobs {
			if err := run(ctx, job); err != nil {
				return err
			}
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error { return run(gctx, job) })
	}
	return g.Wait()
}

func registers(payload []byte) []uint16 {
	regs := make([]uint16, len(payload)/2)
	for i := range regs {
		regs[i] = uint16(payload[2*i])<<8 | uint16(payload[2*i+1])
	}
	return regs
}
