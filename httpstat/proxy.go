// Package httpstat is the optional HTTP status proxy: a read-only window
// onto the serving fabric's statistics, as plain JSON and as a WebSocket
// stream. It never touches the dataplane; a proxy failure has no effect on
// serving.
package httpstat

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// statsInterval paces the WebSocket stream.
const statsInterval = 500 * time.Millisecond

// Config shapes the proxy.
type Config struct {
	Port       int
	CORSOrigin string
	SnapshotFn func() []byte // config+stats JSON from the orchestrator
}

// Proxy serves /status/server and /ws/stats.
type Proxy struct {
	cfg Config
	log *zap.SugaredLogger
	srv *http.Server

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a proxy; nothing binds until Start.
func New(cfg Config, log *zap.SugaredLogger) *Proxy {
	p := &Proxy{
		cfg:     cfg,
		log:     log.Named("proxy"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	return p
}

// Start binds the HTTP listener and begins the stats broadcast ticker.
func (p *Proxy) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status/server", p.handleStatus)
	mux.HandleFunc("/ws/stats", p.handleWS)

	p.srv = &http.Server{
		Addr:    ":" + strconv.Itoa(p.cfg.Port),
		Handler: mux,
	}

	go func() {
		p.log.Infow("status proxy listening", "port", p.cfg.Port)
		if err := p.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			p.log.Warnw("status proxy stopped", "error", err)
		}
	}()
	go p.broadcastLoop(ctx)
	return nil
}

// Stop shuts the proxy down.
func (p *Proxy) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.srv.Shutdown(ctx)
}

func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	if p.cfg.CORSOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", p.cfg.CORSOrigin)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(p.cfg.SnapshotFn())
}

func (p *Proxy) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Debugw("ws upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 8)}
	p.mu.Lock()
	p.clients[c] = struct{}{}
	p.mu.Unlock()

	go p.writePump(c)
}

func (p *Proxy) writePump(c *client) {
	defer func() {
		p.mu.Lock()
		delete(p.clients, c)
		p.mu.Unlock()
		c.conn.Close()
	}()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// broadcastLoop pushes the current snapshot to every connected client on a
// fixed tick, skipping clients whose send channel is full.
func (p *Proxy) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			for c := range p.clients {
				close(c.send)
				delete(p.clients, c)
			}
			p.mu.Unlock()
			return
		case <-ticker.C:
			p.broadcast(p.cfg.SnapshotFn())
		}
	}
}

func (p *Proxy) broadcast(msg []byte) int {
	p.mu.RLock()
	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		select {
		case c.send <- msg:
			sent++
		default:
			// Channel full - skip
		}
	}
	return sent
}
