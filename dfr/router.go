package dfr

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/stats"
	"github.com/teranos/batchd/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config shapes the router.
type Config struct {
	Port              int
	PortOut           int
	ClientsPerBackend int
	Backends          []Backend
	DrainTimeout      time.Duration
	CtlTimeout        time.Duration
}

type routerState int

const (
	stateRunning routerState = iota
	stateIdle
	stateTerminated
)

// switchPayload is the SWITCH command body. Absent fields leave the current
// config untouched.
type switchPayload struct {
	RemoteServers []Backend `json:"remote_servers"`
	NumberClients int       `json:"number_clients"`
}

// Router owns the worker pool and the command socket state machine.
// Commands are processed strictly serially on the control goroutine; no two
// reconfigurations ever overlap.
type Router struct {
	cfg   Config
	hooks Hooks
	log   *zap.SugaredLogger
	stats *stats.Collector

	frontendLn net.Listener
	senderLn   net.Listener

	senderMu   sync.Mutex
	senderConn net.Conn

	cmds chan *wire.Message

	wmu     sync.Mutex
	workers []*worker

	state routerState

	ctx    context.Context
	cancel context.CancelFunc

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

// New creates a router; nothing binds or spawns until Start.
func New(cfg Config, hooks Hooks, log *zap.SugaredLogger) *Router {
	return &Router{
		cfg:   cfg,
		hooks: hooks,
		log:   log.Named("central"),
		stats: stats.NewCollector(),
		cmds:  make(chan *wire.Message, 16),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Start binds the command and reply sockets, starts the initial client
// pool, and begins processing commands.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	var err error
	r.frontendLn, err = net.Listen("tcp", ":"+strconv.Itoa(r.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "dfr: bind command port %d", r.cfg.Port)
	}
	r.senderLn, err = net.Listen("tcp", ":"+strconv.Itoa(r.cfg.PortOut))
	if err != nil {
		r.frontendLn.Close()
		return errors.Wrapf(err, "dfr: bind reply port %d", r.cfg.PortOut)
	}

	r.log.Infow("bind all sockets", "port", r.cfg.Port, "port_out", r.cfg.PortOut)

	r.startClients()
	r.wmu.Lock()
	initial := append([]*worker(nil), r.workers...)
	r.wmu.Unlock()
	for _, w := range initial {
		<-w.ready
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.log.Infow("all set, ready to serve requests",
		"backends", len(r.cfg.Backends), "clients_per_backend", r.cfg.ClientsPerBackend)

	go r.acceptFrontend()
	go r.acceptSender()
	go r.controlLoop()
	return nil
}

// Ready blocks until the initial client pool connected.
func (r *Router) Ready() <-chan struct{} { return r.ready }

// Wait blocks until the router terminated.
func (r *Router) Wait() { <-r.done }

// Workers returns the current live worker count.
func (r *Router) Workers() int {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	return len(r.workers)
}

// acceptFrontend feeds command frames from any client connection into the
// serialized command channel.
func (r *Router) acceptFrontend() {
	for {
		conn, err := r.frontendLn.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			br := bufio.NewReader(c)
			for {
				msg, err := wire.ReadMessage(br)
				if err != nil {
					if err != io.EOF && r.ctx.Err() == nil {
						r.log.Warnw("received a wrongly-formatted request", "error", err)
					}
					return
				}
				select {
				case r.cmds <- msg:
				case <-r.ctx.Done():
					return
				}
			}
		}(conn)
	}
}

// acceptSender tracks the most recent reply connection; command replies are
// written to it.
func (r *Router) acceptSender() {
	for {
		conn, err := r.senderLn.Accept()
		if err != nil {
			return
		}
		r.senderMu.Lock()
		if r.senderConn != nil {
			r.senderConn.Close()
		}
		r.senderConn = conn
		r.senderMu.Unlock()
	}
}

// controlLoop is the FSM. One command at a time, in arrival order.
func (r *Router) controlLoop() {
	for {
		select {
		case <-r.ctx.Done():
			r.terminate()
			return
		case msg := <-r.cmds:
			r.stats.Update(stats.Request{
				ClientID:  string(msg.ClientID),
				IsCommand: true,
			})
			if r.handle(msg) {
				r.terminate()
				return
			}
		}
	}
}

// handle applies one command. Returns true when the router should
// terminate.
func (r *Router) handle(msg *wire.Message) bool {
	cmd := string(msg.Payload)
	switch cmd {
	case string(wire.CmdTerminate):
		r.log.Infow("new terminate request")
		return true

	case string(wire.CmdIdle):
		r.log.Infow("new idle request")
		r.killClients()
		r.state = stateIdle

	case string(wire.CmdRestart):
		r.log.Infow("new restart client request")
		r.killClients()
		r.startClients()
		r.state = stateRunning

	case string(wire.CmdShowConfig):
		r.log.Infow("new config request")
		r.sendReply(r.snapshot())

	case string(wire.CmdSwitch):
		r.log.Infow("new switch remote server request")
		var p switchPayload
		if err := json.Unmarshal(msg.Meta, &p); err != nil {
			r.log.Errorw("received a wrongly-formatted remote server config",
				"payload", string(msg.Meta), "error", err)
			return false
		}
		if len(p.RemoteServers) > 0 {
			r.cfg.Backends = p.RemoteServers
		}
		if p.NumberClients > 0 {
			r.cfg.ClientsPerBackend = p.NumberClients
		}
		r.killClients()
		r.startClients()
		r.state = stateRunning
		r.sendReply([]byte(`{"success":true}`))

	default:
		r.log.Errorw("received a wrongly-formatted request", "cmd", cmd)
	}
	return false
}

// killClients sets every worker's exit flag, waits bounded by DrainTimeout,
// and clears the list. In-flight work on killed clients is abandoned.
func (r *Router) killClients() {
	r.wmu.Lock()
	workers := r.workers
	r.workers = nil
	r.wmu.Unlock()

	for _, w := range workers {
		w.close(r.cfg.DrainTimeout)
	}
	if len(workers) > 0 {
		r.log.Infow("clients killed", "count", len(workers))
	}
}

// startClients spawns ClientsPerBackend workers per backend from the
// current config.
func (r *Router) startClients() {
	id := 0
	var started []*worker
	for _, ep := range r.cfg.Backends {
		for i := 0; i < r.cfg.ClientsPerBackend; i++ {
			w := newWorker(id, ep, r.hooks, r.log)
			w.start(r.ctx)
			started = append(started, w)
			id++
		}
	}
	r.wmu.Lock()
	r.workers = append(r.workers, started...)
	r.wmu.Unlock()
}

func (r *Router) terminate() {
	r.killClients()
	r.frontendLn.Close()
	r.senderLn.Close()
	r.senderMu.Lock()
	if r.senderConn != nil {
		r.senderConn.Close()
	}
	r.senderMu.Unlock()
	r.cancel()
	r.state = stateTerminated
	close(r.done)
	r.log.Infow("terminated")
}

// sendReply writes one message on the most recent reply connection.
func (r *Router) sendReply(payload []byte) {
	r.senderMu.Lock()
	conn := r.senderConn
	r.senderMu.Unlock()
	if conn == nil {
		r.log.Warnw("no reply connection, dropping control reply")
		return
	}
	conn.SetWriteDeadline(time.Now().Add(r.cfg.CtlTimeout))
	msg := &wire.Message{
		ClientID: []byte("router"),
		ReqID:    []byte("0"),
		Payload:  payload,
		Meta:     []byte(`{"protocol":0,"compress":0}`),
	}
	if err := wire.WriteMessage(conn, msg); err != nil {
		r.log.Warnw("failed to send control reply", "error", err)
	}
}

func (r *Router) snapshot() []byte {
	out, err := json.Marshal(map[string]any{
		"port":                     r.cfg.Port,
		"port_out":                 r.cfg.PortOut,
		"number_client_per_server": r.cfg.ClientsPerBackend,
		"remote_servers":           r.cfg.Backends,
		"statistic":                r.stats.Value(),
	})
	if err != nil {
		r.log.Warnw("failed to marshal config snapshot", "error", err)
		return []byte("{}")
	}
	return out
}
