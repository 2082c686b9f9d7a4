// Package sink implements the connection sink: the loop that owns one
// client socket at a time, correlating each decoded request to exactly one
// reply from the pending-reply table.
package sink

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/batchd/batch"
	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/reply"
	"github.com/teranos/batchd/stats"
	"github.com/teranos/batchd/wire"
)

// reqCounter seeds internal request ids. Wall-clock nanoseconds at init plus
// an atomic increment shared by every sink keeps ids unique within the
// process; the sink id suffix records which sink issued the id.
var reqCounter atomic.Int64

func init() {
	reqCounter.Store(time.Now().UnixNano())
}

// nextReqID returns a fresh internal request id for the given sink.
func nextReqID(sinkID int) string {
	return strconv.FormatInt(reqCounter.Add(1), 10) + "-" + strconv.Itoa(sinkID)
}

// Control carries the sink's hooks into the orchestrator: shutdown on a
// TERMINATION frame and the snapshot answered to SHOW_CONFIG.
type Control struct {
	OnTerminate    func()
	ConfigSnapshot func() []byte
}

// Config shapes one sink.
type Config struct {
	ID             int
	ClientDeadline time.Duration
}

// Sink dequeues client sockets from the connection queue and serves each
// until the peer closes or mis-speaks the protocol. Concurrency inside a
// sink is single-threaded; no shared locks are held across the reply wait.
type Sink struct {
	cfg   Config
	conns <-chan net.Conn
	inf   chan<- batch.Request
	table *reply.Table
	stats *stats.Collector
	ctrl  Control
	log   *zap.SugaredLogger

	mu      sync.Mutex
	current net.Conn
}

// New creates a sink.
func New(cfg Config, conns <-chan net.Conn, inf chan<- batch.Request, table *reply.Table, st *stats.Collector, ctrl Control, log *zap.SugaredLogger) *Sink {
	return &Sink{
		cfg:   cfg,
		conns: conns,
		inf:   inf,
		table: table,
		stats: st,
		ctrl:  ctrl,
		log:   log.Named("sink").With("sink", cfg.ID),
	}
}

// Run loops dequeuing sockets until ctx is cancelled or the connection
// queue closes.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case conn, ok := <-s.conns:
			if !ok {
				return
			}
			s.setCurrent(conn)
			s.serve(ctx, conn)
			s.setCurrent(nil)
			conn.Close()
		}
	}
}

// Abort closes the socket the sink is currently serving, unblocking a read
// so shutdown can force-kill survivors past the drain window.
func (s *Sink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Close()
	}
}

func (s *Sink) setCurrent(c net.Conn) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}

// serve handles one socket for as long as possible.
func (s *Sink) serve(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	for {
		msg, err := wire.ReadMessage(br)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				s.log.Debugw("connection ended", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		s.stats.Update(stats.Request{
			ClientID:  string(msg.ClientID),
			IsCommand: wire.IsCommand(msg.Payload),
		})

		if wire.IsCommand(msg.Payload) {
			if !s.handleCommand(msg, bw) {
				return
			}
			continue
		}

		if !s.handleRequest(ctx, msg, bw) {
			return
		}
	}
}

// handleCommand answers control frames arriving on a data connection.
// Returns false when the connection should end.
func (s *Sink) handleCommand(msg *wire.Message, bw *bufio.Writer) bool {
	switch {
	case string(msg.Payload) == string(wire.CmdTerminate):
		s.log.Infow("terminate requested", "client", string(msg.ClientID))
		if s.ctrl.OnTerminate != nil {
			go s.ctrl.OnTerminate()
		}
		return false
	case string(msg.Payload) == string(wire.CmdShowConfig):
		var snapshot []byte
		if s.ctrl.ConfigSnapshot != nil {
			snapshot = s.ctrl.ConfigSnapshot()
		}
		out := &wire.Message{
			ClientID: msg.ClientID,
			ReqID:    msg.ReqID,
			Payload:  snapshot,
			Meta:     []byte(`{"protocol":0,"compress":0}`),
		}
		if err := s.writeReply(bw, out); err != nil {
			s.log.Warnw("failed to answer show-config", "error", err)
			return false
		}
		return true
	default:
		// A router-only command on the data path: log and drop.
		s.log.Warnw("ignoring control frame", "cmd", string(msg.Payload))
		return true
	}
}

// handleRequest pushes one request into the inference queue and blocks on
// its reply. Returns false when the connection should end.
func (s *Sink) handleRequest(ctx context.Context, msg *wire.Message, bw *bufio.Writer) bool {
	reqID := nextReqID(s.cfg.ID)
	req := batch.Request{
		ID:         reqID,
		Payload:    msg.Payload,
		Meta:       msg.Meta,
		EnqueuedAt: time.Now(),
	}

	// Blocking put: a full inference queue pushes backpressure into the
	// TCP receive window.
	select {
	case s.inf <- req:
	case <-ctx.Done():
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.ClientDeadline)
	r, err := s.table.Take(waitCtx, reqID)
	cancel()

	var out *wire.Message
	switch {
	case err == nil && r.ErrKind == "":
		out = &wire.Message{ClientID: msg.ClientID, ReqID: msg.ReqID, Payload: r.Payload, Meta: r.Meta}
	case err == nil:
		out = wire.ErrorMessage(msg.ClientID, msg.ReqID, r.ErrKind)
	case errors.Is(err, reply.ErrTimeout):
		s.log.Warnw("reply wait deadline exceeded", "req_id", reqID, "client", string(msg.ClientID))
		out = wire.ErrorMessage(msg.ClientID, msg.ReqID, wire.ErrorTimeout)
	default:
		s.log.Warnw("reply lost", "req_id", reqID, "error", err)
		out = wire.ErrorMessage(msg.ClientID, msg.ReqID, wire.ErrorInternal)
	}

	if err := s.writeReply(bw, out); err != nil {
		s.log.Debugw("failed to write reply", "req_id", reqID, "error", err)
		return false
	}
	return ctx.Err() == nil
}

func (s *Sink) writeReply(bw *bufio.Writer, m *wire.Message) error {
	if err := wire.WriteMessage(bw, m); err != nil {
		return err
	}
	return bw.Flush()
}
