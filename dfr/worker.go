// Package dfr implements the decentralized fan-out router: a pool of
// backend workers, each holding one long-lived connection to a remote
// compute backend, plus the control plane that reconfigures them live.
package dfr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/batchd/errors"
)

// Backend identifies one remote compute server. On the wire it travels as
// the [host, portIn, portOut] triple of the switch payload.
type Backend struct {
	Host    string
	PortIn  int
	PortOut int
}

// MarshalJSON renders the wire triple.
func (b Backend) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{b.Host, b.PortIn, b.PortOut})
}

// UnmarshalJSON accepts the wire triple.
func (b *Backend) UnmarshalJSON(data []byte) error {
	var triple []any
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if len(triple) != 3 {
		return errors.Newf("dfr: backend needs [host, portIn, portOut], got %d elements", len(triple))
	}
	host, ok := triple[0].(string)
	if !ok {
		return errors.New("dfr: backend host must be a string")
	}
	portIn, ok := asInt(triple[1])
	if !ok {
		return errors.New("dfr: backend portIn must be an integer")
	}
	portOut, ok := asInt(triple[2])
	if !ok {
		return errors.New("dfr: backend portOut must be an integer")
	}
	b.Host, b.PortIn, b.PortOut = host, portIn, portOut
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), n == float64(int(n))
	case int:
		return n, true
	}
	return 0, false
}

func (b Backend) String() string {
	return fmt.Sprintf("%s:%d/%d", b.Host, b.PortIn, b.PortOut)
}

// Model is whatever Connect returned; the router never inspects it.
type Model = any

// Hooks is the capability record a router worker runs. Connect and Work are
// required; Close is optional.
type Hooks struct {
	Connect func(ep Backend) (Model, error)
	Work    func(ctx context.Context, m Model, log *zap.SugaredLogger) error
	Close   func(m Model)
}

// workPacing bounds the work loop to at most one iteration per 10ms.
var workPacing = rate.Every(10 * time.Millisecond)

// worker is one backend client subprocess (a goroutine here): exactly one
// connection to one backend, looping the user-supplied work body until its
// exit flag is set.
type worker struct {
	id    int
	uid   string
	ep    Backend
	hooks Hooks
	log   *zap.SugaredLogger

	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	ok     bool // connected successfully
}

func newWorker(id int, ep Backend, hooks Hooks, log *zap.SugaredLogger) *worker {
	uid := uuid.NewString()[:8]
	return &worker{
		id:    id,
		uid:   uid,
		ep:    ep,
		hooks: hooks,
		log:   log.Named("worker").With("worker", id, "uid", uid, "backend", ep.String()),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (w *worker) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	model, err := w.hooks.Connect(w.ep)
	if err != nil {
		w.log.Errorw("failed to connect backend", "error", err)
		close(w.ready)
		return
	}
	w.ok = true
	close(w.ready)
	w.log.Infow("init done")

	limiter := rate.NewLimiter(workPacing, 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		if err := w.hooks.Work(ctx, model, w.log); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Errorw("work iteration failed", "error", err)
		}
	}

	if w.hooks.Close != nil {
		w.hooks.Close(model)
	}
	w.log.Infow("exited")
}

// close sets the exit flag and waits for the worker to finish, bounded by
// drainTimeout. Survivors are abandoned.
func (w *worker) close(drainTimeout time.Duration) {
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(drainTimeout):
		w.log.Warnw("worker did not exit within drain timeout, abandoning")
	}
}
