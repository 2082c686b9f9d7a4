// Package lbs wires the local batching server: one acceptor feeding M
// connection sinks over a shared connection queue, N device-sharded batch
// aggregators draining a shared inference queue, and the pending-reply
// table correlating the two sides.
package lbs

import (
	"context"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/teranos/batchd/batch"
	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/pool"
	"github.com/teranos/batchd/reply"
	"github.com/teranos/batchd/sink"
	"github.com/teranos/batchd/stats"
	"github.com/teranos/batchd/wire"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config shapes the server.
type Config struct {
	Addr           string
	NumSinks       int
	Protocol       wire.Protocol
	ClientDeadline time.Duration
	DrainTimeout   time.Duration
	ReplyTTL       time.Duration
	QueueDepth     int
	Pool           pool.Config
}

// Server is the LBS orchestrator: lifecycle owner of the acceptor, the
// sinks, and the worker pool.
type Server struct {
	cfg    Config
	runner batch.Runner
	probe  pool.ProbeFunc
	log    *zap.SugaredLogger

	listener  net.Listener
	connQueue chan net.Conn
	infQueue  chan batch.Request
	table     *reply.Table
	pool      *pool.Pool
	sinks     []*sink.Sink
	stats     *stats.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a server; nothing binds or spawns until Start.
func New(cfg Config, runner batch.Runner, probe pool.ProbeFunc, log *zap.SugaredLogger) *Server {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	return &Server{
		cfg:    cfg,
		runner: runner,
		probe:  probe,
		log:    log.Named("lbs"),
		stats:  stats.NewCollector(),
		done:   make(chan struct{}),
	}
}

// Start binds the listener, loads every worker, and begins serving. A bind
// or model-load failure is returned before any client is accepted.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "lbs: bind %s", s.cfg.Addr)
	}
	s.listener = ln

	s.connQueue = make(chan net.Conn, s.cfg.QueueDepth)
	s.infQueue = make(chan batch.Request, s.cfg.QueueDepth)
	s.table = reply.NewTable(s.cfg.ReplyTTL)

	s.pool = pool.New(s.cfg.Pool, s.runner, s.infQueue, s.table, s.probe, s.log)
	if err := s.pool.Start(s.ctx); err != nil {
		ln.Close()
		s.table.Close()
		return errors.Wrap(err, "lbs: start worker pool")
	}

	ctrl := sink.Control{
		OnTerminate:    func() { s.Shutdown() },
		ConfigSnapshot: s.configSnapshot,
	}
	s.sinks = make([]*sink.Sink, s.cfg.NumSinks)
	for i := 0; i < s.cfg.NumSinks; i++ {
		s.sinks[i] = sink.New(sink.Config{ID: i, ClientDeadline: s.cfg.ClientDeadline},
			s.connQueue, s.infQueue, s.table, s.stats, ctrl, s.log)
		s.wg.Add(1)
		go func(sk *sink.Sink) {
			defer s.wg.Done()
			sk.Run(s.ctx)
		}(s.sinks[i])
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Infow("serving", "addr", ln.Addr().String(),
		"workers", s.cfg.Pool.NumWorkers, "sinks", s.cfg.NumSinks,
		"batch_size", s.cfg.Pool.Batch.BatchSize,
		"batch_timeout", s.cfg.Pool.Batch.BatchTimeout,
		"protocol", string(s.cfg.Protocol))
	return nil
}

// acceptLoop is the single-threaded acceptor: listen, accept, enqueue. It
// never reads a byte from the socket.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warnw("accept failed", "error", err)
			continue
		}
		select {
		case s.connQueue <- conn:
		case <-s.ctx.Done():
			conn.Close()
			return
		}
	}
}

// Ready reports whether every worker is Ready.
func (s *Server) Ready() bool {
	return s.pool != nil && s.pool.IsReady()
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stats returns the server's statistic collector.
func (s *Server) Stats() *stats.Collector {
	return s.stats
}

// Snapshot returns the config+stats JSON answered to SHOW_CONFIG and served
// by the HTTP status proxy.
func (s *Server) Snapshot() []byte {
	return s.configSnapshot()
}

// Wait blocks until the server has shut down.
func (s *Server) Wait() {
	<-s.done
}

// Shutdown terminates cooperatively: stop accepting, let the inference
// queue drain up to DrainTimeout, then cancel everything still running and
// abort sockets stuck in reads.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Infow("shutting down")
		s.listener.Close()

		// Drain window: give in-flight requests a chance to be answered.
		deadline := time.Now().Add(s.cfg.DrainTimeout)
		for time.Now().Before(deadline) {
			if len(s.infQueue) == 0 && s.table.Len() == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}

		s.cancel()
		for _, sk := range s.sinks {
			sk.Abort()
		}
		s.pool.Stop(s.cfg.DrainTimeout)

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(2 * time.Second):
			s.log.Warnw("some goroutines did not exit in time")
		}

		s.table.Close()
		close(s.done)
		s.log.Infow("terminated")
	})
}

// snapshot mirrors the SHOW_CONFIG reply of the serving fabric.
type snapshot struct {
	Addr         string                  `json:"addr"`
	Protocol     string                  `json:"protocol"`
	NumWorkers   int                     `json:"num_worker"`
	NumSinks     int                     `json:"num_sinks"`
	BatchSize    int                     `json:"batch_size"`
	BatchTimeout string                  `json:"batch_group_timeout"`
	DeviceMap    []pool.WorkerDescriptor `json:"device_map"`
	Degraded     bool                    `json:"degraded"`
	ServerTime   string                  `json:"server_current_time"`
	Statistic    stats.Snapshot          `json:"statistic"`
}

func (s *Server) configSnapshot() []byte {
	snap := snapshot{
		Addr:         s.listener.Addr().String(),
		Protocol:     string(s.cfg.Protocol),
		NumWorkers:   s.cfg.Pool.NumWorkers,
		NumSinks:     s.cfg.NumSinks,
		BatchSize:    s.cfg.Pool.Batch.BatchSize,
		BatchTimeout: s.cfg.Pool.Batch.BatchTimeout.String(),
		DeviceMap:    s.pool.Descriptors(),
		Degraded:     s.pool.Degraded(),
		ServerTime:   time.Now().Format(time.RFC3339),
		Statistic:    s.stats.Value(),
	}
	out, err := json.Marshal(snap)
	if err != nil {
		s.log.Warnw("failed to marshal config snapshot", "error", err)
		return []byte("{}")
	}
	return out
}
