package modbus

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/RegisterMapper/internal/types"
	"go.uber.org/zap"
)

// Reader is anything that can produce a full device readout.
type Reader interface {
	ReadAll(ctx context.Context) (*types.ReadResult, error)
}

// Sink receives the readouts of a poller.
type Sink interface {
	WriteReadout(ctx context.Context, result *types.ReadResult) error
}

// MultiSink forwards every readout to each sink in turn. All sinks are
// tried; the first error is returned.
type MultiSink []Sink

func (m MultiSink) WriteReadout(ctx context.Context, result *types.ReadResult) error {
	var first error
	for _, sink := range m {
		if err := sink.WriteReadout(ctx, result); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Poller reads a device on a fixed interval and forwards each readout to a
// sink.
type Poller struct {
	name     string
	reader   Reader
	sink     Sink
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

func NewPoller(name string, reader Reader, sink Sink, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		name:     name,
		reader:   reader,
		sink:     sink,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins polling in the background.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	p.running = true
	p.wg.Add(1)

	go p.pollLoop()

	p.logger.Info("Poller started",
		zap.String("device", p.name),
		zap.Duration("interval", p.interval))

	return nil
}

// Stop halts polling and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()

	p.logger.Info("Poller stopped", zap.String("device", p.name))
}

func (p *Poller) pollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	result, err := p.reader.ReadAll(ctx)
	if err != nil {
		p.logger.Error("Poll failed",
			zap.String("device", p.name),
			zap.Error(err))
		return
	}

	if err := p.sink.WriteReadout(ctx, result); err != nil {
		p.logger.Error("Failed to store readout",
			zap.String("device", p.name),
			zap.Error(err))
	}
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
