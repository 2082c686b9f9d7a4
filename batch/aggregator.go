// Package batch implements the aggregator: the worker-side loop that drains
// the inference queue, forms bounded batches, and invokes the compute
// function through a capability record.
package batch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/reply"
	"github.com/teranos/batchd/wire"
)

// DeviceID identifies the device an aggregator pins to. -1 is CPU,
// non-negative ids are accelerators.
type DeviceID int

// CPU is the device id for no accelerator.
const CPU DeviceID = -1

// Model is whatever LoadModel returned; the aggregator never inspects it.
type Model = any

// Request is one queued inference request.
type Request struct {
	ID         string
	Payload    []byte
	Meta       []byte
	EnqueuedAt time.Time
}

// Result is one reply produced by the compute function.
type Result struct {
	Payload []byte
	Meta    []byte
}

// Runner is the capability record the aggregator drives. Predict is
// required; the rest are optional hooks.
type Runner struct {
	LoadModel   func(dev DeviceID, modelCfg any) (Model, error)
	Preprocess  func(in []Request) []Request
	Predict     func(m Model, in []Request) ([]Result, error)
	Postprocess func(out []Result) []Result
	Teardown    func(m Model)
}

// TimeoutSemantics selects how the batch window is measured.
type TimeoutSemantics int

const (
	// FromLastPull resets the window on each successful pull: the batch
	// closes after no new item arrived for BatchTimeout.
	FromLastPull TimeoutSemantics = iota
	// FromOpen measures the window from the first item of the batch.
	FromOpen
)

// MismatchPolicy selects what happens when Predict returns a sequence of
// the wrong length.
type MismatchPolicy int

const (
	// PadError answers requests beyond the returned length with an
	// internal-error reply.
	PadError MismatchPolicy = iota
	// DropTail leaves requests beyond the returned length unanswered; their
	// waits run into the client deadline.
	DropTail
)

// Config bounds the batching loop.
type Config struct {
	BatchSize       int
	BatchTimeout    time.Duration
	Semantics       TimeoutSemantics
	OnShapeMismatch MismatchPolicy
}

// idleYield is how long an empty poll parks before re-checking the queue.
const idleYield = time.Millisecond

// Aggregator is one batching loop bound to a device and a model copy.
type Aggregator struct {
	cfg      Config
	queue    <-chan Request
	table    *reply.Table
	runner   Runner
	device   DeviceID
	modelCfg any
	model    Model
	log      *zap.SugaredLogger
}

// New creates an aggregator. The model is not loaded until Load.
func New(cfg Config, queue <-chan Request, table *reply.Table, runner Runner, device DeviceID, modelCfg any, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		cfg:      cfg,
		queue:    queue,
		table:    table,
		runner:   runner,
		device:   device,
		modelCfg: modelCfg,
		log:      log,
	}
}

// Device returns the device this aggregator pins to.
func (a *Aggregator) Device() DeviceID { return a.device }

// Load materializes the model copy on the aggregator's device.
func (a *Aggregator) Load() error {
	if a.runner.Predict == nil {
		return errors.New("batch: runner has no Predict")
	}
	if a.runner.LoadModel == nil {
		return nil
	}
	m, err := a.runner.LoadModel(a.device, a.modelCfg)
	if err != nil {
		return errors.Wrapf(err, "batch: load model on device %d", a.device)
	}
	a.model = m
	return nil
}

// Run drains the queue until ctx is cancelled. The batch open at
// cancellation is still flushed, then the model is torn down.
func (a *Aggregator) Run(ctx context.Context) {
	defer func() {
		if a.runner.Teardown != nil {
			a.runner.Teardown(a.model)
		}
	}()
	for {
		open, alive := a.collect(ctx)
		if len(open) > 0 {
			a.flush(open)
		}
		if !alive {
			return
		}
	}
}

// collect assembles the next batch. It returns alive=false when ctx was
// cancelled or the queue closed; whatever was pulled so far is the final
// batch.
func (a *Aggregator) collect(ctx context.Context) (open []Request, alive bool) {
	var openedAt, lastPull time.Time
	for {
		select {
		case <-ctx.Done():
			return open, false
		case req, ok := <-a.queue:
			if !ok {
				return open, false
			}
			now := time.Now()
			if len(open) == 0 {
				openedAt = now
			}
			lastPull = now
			open = append(open, req)
			if len(open) >= a.cfg.BatchSize {
				return open, true
			}
		default:
			if len(open) == 0 {
				// Nothing open: park briefly instead of spinning.
				select {
				case <-ctx.Done():
					return nil, false
				case req, ok := <-a.queue:
					if !ok {
						return nil, false
					}
					now := time.Now()
					openedAt = now
					lastPull = now
					open = append(open, req)
					if len(open) >= a.cfg.BatchSize {
						return open, true
					}
				case <-time.After(idleYield):
				}
				continue
			}
			ref := lastPull
			if a.cfg.Semantics == FromOpen {
				ref = openedAt
			}
			if time.Since(ref) >= a.cfg.BatchTimeout {
				return open, true
			}
			// Window still open: short sleep keeps the drain non-blocking
			// without burning a core.
			select {
			case <-ctx.Done():
				return open, false
			case <-time.After(idleYield / 4):
			}
		}
	}
}

// flush runs the compute function on the open batch and publishes every
// reply. Failed batches are never retried: every member gets an internal
// error reply and the loop resumes.
func (a *Aggregator) flush(open []Request) {
	in := open
	if a.runner.Preprocess != nil {
		in = a.runner.Preprocess(in)
	}

	out, err := a.runner.Predict(a.model, in)
	if err != nil {
		a.log.Errorw("predict failed, answering batch with internal errors",
			"device", a.device,
			"batch_len", len(open),
			"error", err,
			"stack", errors.GetReportableStackTrace(err))
		for _, req := range open {
			a.putReply(req.ID, reply.Reply{ErrKind: wire.ErrorInternal})
		}
		return
	}
	if a.runner.Postprocess != nil {
		out = a.runner.Postprocess(out)
	}

	if len(out) != len(open) {
		a.log.Warnw("predict returned mismatched length",
			"device", a.device,
			"in", len(open),
			"out", len(out))
		if len(out) > len(open) {
			out = out[:len(open)]
		}
	}

	for i, req := range open {
		if i >= len(out) {
			if a.cfg.OnShapeMismatch == DropTail {
				continue
			}
			a.putReply(req.ID, reply.Reply{ErrKind: wire.ErrorInternal})
			continue
		}
		a.putReply(req.ID, reply.Reply{Payload: out[i].Payload, Meta: out[i].Meta})
	}
}

func (a *Aggregator) putReply(reqID string, r reply.Reply) {
	if err := a.table.Put(reqID, r); err != nil {
		a.log.Errorw("failed to publish reply", "req_id", reqID, "error", err)
	}
}
