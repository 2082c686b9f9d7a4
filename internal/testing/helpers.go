// Package testing holds shared test helpers for the serving fabric.
package testing

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/teranos/batchd/batch"
)

// FreePort asks the kernel for an unused TCP port.
func FreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// WaitFor polls cond until it holds or the timeout elapses.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// SpyRunner wraps a compute function and records every batch it was
// invoked with.
type SpyRunner struct {
	mu      sync.Mutex
	batches [][]batch.Request
	fn      func(in []batch.Request) ([]batch.Result, error)
}

// NewSpyRunner creates a spy around fn. A nil fn echoes payloads.
func NewSpyRunner(fn func(in []batch.Request) ([]batch.Result, error)) *SpyRunner {
	if fn == nil {
		fn = func(in []batch.Request) ([]batch.Result, error) {
			out := make([]batch.Result, len(in))
			for i, req := range in {
				out[i] = batch.Result{Payload: req.Payload, Meta: req.Meta}
			}
			return out, nil
		}
	}
	return &SpyRunner{fn: fn}
}

// Runner returns the batch.Runner driving this spy.
func (s *SpyRunner) Runner() batch.Runner {
	return batch.Runner{
		LoadModel: func(dev batch.DeviceID, modelCfg any) (batch.Model, error) {
			return nil, nil
		},
		Predict: func(m batch.Model, in []batch.Request) ([]batch.Result, error) {
			s.mu.Lock()
			cp := make([]batch.Request, len(in))
			copy(cp, in)
			s.batches = append(s.batches, cp)
			s.mu.Unlock()
			return s.fn(in)
		},
	}
}

// Calls returns how many times Predict ran.
func (s *SpyRunner) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

// BatchLens returns the length of every recorded batch, in call order.
func (s *SpyRunner) BatchLens() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	lens := make([]int, len(s.batches))
	for i, b := range s.batches {
		lens[i] = len(b)
	}
	return lens
}
