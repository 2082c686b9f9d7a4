package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/batchd/batch"
	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/reply"
)

// State is a worker's lifecycle position.
type State int

const (
	Starting State = iota
	Ready
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	}
	return "unknown"
}

// WorkerDescriptor records one aggregator worker.
type WorkerDescriptor struct {
	Index              int            `json:"index"`
	Device             batch.DeviceID `json:"device"`
	CUDAVisibleDevices string         `json:"cuda_visible_devices"`

	mu    sync.Mutex
	state State
}

// State returns the worker's current state.
func (d *WorkerDescriptor) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *WorkerDescriptor) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Config shapes the pool.
type Config struct {
	NumWorkers     int
	DeviceHint     []int
	RunAllCPU      bool
	GPUMemFraction float64
	AutoRespawn    bool
	Batch          batch.Config
	ModelConfig    any
}

// Pool owns N aggregator goroutines, each bound to one device id and one
// model copy. Device-specific resources are owned exclusively by the
// aggregator that loaded them.
type Pool struct {
	cfg    Config
	runner batch.Runner
	queue  <-chan batch.Request
	table  *reply.Table
	probe  ProbeFunc
	log    *zap.SugaredLogger

	mu          sync.Mutex
	descriptors []*WorkerDescriptor
	degraded    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool; nothing starts until Start.
func New(cfg Config, runner batch.Runner, queue <-chan batch.Request, table *reply.Table, probe ProbeFunc, log *zap.SugaredLogger) *Pool {
	return &Pool{
		cfg:    cfg,
		runner: runner,
		queue:  queue,
		table:  table,
		probe:  probe,
		log:    log.Named("pool"),
	}
}

// Start maps devices, loads a model copy per worker, and begins the drain
// loops. Any worker failing to load moves straight to Dead and Start fails
// fast.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	if warning := checkMemoryPressure(p.cfg.NumWorkers); warning != "" {
		p.log.Warnw("memory pressure warning", "warning", warning, "workers", p.cfg.NumWorkers)
	}

	devices := MapDevices(p.cfg.NumWorkers, p.cfg.DeviceHint, p.cfg.GPUMemFraction,
		p.cfg.RunAllCPU, p.probe, p.log)

	aggs := make([]*batch.Aggregator, p.cfg.NumWorkers)
	p.mu.Lock()
	p.descriptors = make([]*WorkerDescriptor, p.cfg.NumWorkers)
	for i, dev := range devices {
		p.descriptors[i] = &WorkerDescriptor{
			Index:              i,
			Device:             dev,
			CUDAVisibleDevices: CUDAVisibleDevices(dev),
			state:              Starting,
		}
		aggs[i] = batch.New(p.cfg.Batch, p.queue, p.table, p.runner, dev,
			p.cfg.ModelConfig, p.log.Named("worker").With("worker", i, "device", int(dev)))
	}
	p.mu.Unlock()

	g, _ := errgroup.WithContext(p.ctx)
	for i := range aggs {
		i := i
		g.Go(func() error {
			if err := aggs[i].Load(); err != nil {
				p.descriptors[i].setState(Dead)
				return errors.Wrapf(err, "worker %d", i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.cancel()
		return err
	}

	for i := range aggs {
		p.wg.Add(1)
		go p.run(i, aggs[i])
	}
	return nil
}

// run hosts one aggregator. A panic out of the compute function kills the
// worker; the pool either respawns it or serves degraded with the rest.
func (p *Pool) run(idx int, agg *batch.Aggregator) {
	defer p.wg.Done()
	desc := p.descriptors[idx]
	desc.setState(Ready)
	p.log.Infow("worker ready", "worker", idx, "device", int(agg.Device()))

	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("worker died", "worker", idx, "panic", r)
			desc.setState(Dead)
			if p.cfg.AutoRespawn && p.ctx.Err() == nil {
				p.log.Infow("respawning worker", "worker", idx)
				replacement := batch.New(p.cfg.Batch, p.queue, p.table, p.runner, agg.Device(),
					p.cfg.ModelConfig, p.log.Named("worker").With("worker", idx, "device", int(agg.Device())))
				if err := replacement.Load(); err != nil {
					p.log.Errorw("respawn failed", "worker", idx, "error", err)
					p.markDegraded()
					return
				}
				desc.setState(Starting)
				p.wg.Add(1)
				go p.run(idx, replacement)
				return
			}
			p.markDegraded()
			return
		}
		desc.setState(Dead)
	}()

	agg.Run(p.ctx)
	desc.setState(Draining)
}

func (p *Pool) markDegraded() {
	p.mu.Lock()
	p.degraded = true
	p.mu.Unlock()
}

// IsReady reports whether every worker reached Ready.
func (p *Pool) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.descriptors) == 0 {
		return false
	}
	for _, d := range p.descriptors {
		if d.State() != Ready {
			return false
		}
	}
	return true
}

// Degraded reports whether a worker died without respawn.
func (p *Pool) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Descriptors returns a snapshot of the worker descriptors for
// introspection.
func (p *Pool) Descriptors() []WorkerDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerDescriptor, len(p.descriptors))
	for i, d := range p.descriptors {
		out[i] = WorkerDescriptor{
			Index:              d.Index,
			Device:             d.Device,
			CUDAVisibleDevices: d.CUDAVisibleDevices,
			state:              d.State(),
		}
	}
	return out
}

// Stop drains cooperatively: workers move to Draining, finish their open
// batch, tear down their model copy, and exit. Survivors past drainTimeout
// are abandoned.
func (p *Pool) Stop(drainTimeout time.Duration) {
	for _, d := range p.descriptors {
		if d.State() == Ready {
			d.setState(Draining)
		}
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Infow("all workers exited cleanly")
	case <-time.After(drainTimeout):
		p.log.Warnw("drain timeout, abandoning remaining workers", "timeout", drainTimeout)
	}
}
