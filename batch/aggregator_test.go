package batch

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/batchd/errors"
	"github.com/teranos/batchd/reply"
	"github.com/teranos/batchd/wire"
)

type spy struct {
	mu      sync.Mutex
	calls   [][]Request
	results func(in []Request) ([]Result, error)
}

func (s *spy) runner() Runner {
	return Runner{
		Predict: func(m Model, in []Request) ([]Result, error) {
			cp := make([]Request, len(in))
			copy(cp, in)
			s.mu.Lock()
			s.calls = append(s.calls, cp)
			s.mu.Unlock()
			if s.results != nil {
				return s.results(in)
			}
			out := make([]Result, len(in))
			for i, req := range in {
				out[i] = Result{Payload: req.Payload, Meta: req.Meta}
			}
			return out, nil
		},
	}
}

func (s *spy) recorded() [][]Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Request(nil), s.calls...)
}

func newAggregator(t *testing.T, cfg Config, queue chan Request, tbl *reply.Table, r Runner) *Aggregator {
	t.Helper()
	agg := New(cfg, queue, tbl, r, CPU, nil, zap.NewNop().Sugar())
	require.NoError(t, agg.Load())
	return agg
}

func enqueue(t *testing.T, queue chan Request, ids ...string) {
	t.Helper()
	for _, id := range ids {
		queue <- Request{ID: id, Payload: []byte(id), EnqueuedAt: time.Now()}
	}
}

func takeAll(t *testing.T, tbl *reply.Table, ids ...string) map[string]reply.Reply {
	t.Helper()
	out := make(map[string]reply.Reply, len(ids))
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		r, err := tbl.Take(ctx, id)
		cancel()
		require.NoError(t, err, "reply for %s", id)
		out[id] = r
	}
	return out
}

func TestFullBatchFlushesImmediately(t *testing.T) {
	queue := make(chan Request, 16)
	tbl := reply.NewTable(0)
	defer tbl.Close()
	s := &spy{}

	agg := newAggregator(t, Config{BatchSize: 4, BatchTimeout: time.Hour}, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	enqueue(t, queue, "a", "b", "c", "d")
	replies := takeAll(t, tbl, "a", "b", "c", "d")

	assert.Equal(t, []byte("a"), replies["a"].Payload)
	assert.Equal(t, []byte("d"), replies["d"].Payload)
	calls := s.recorded()
	require.Len(t, calls, 1, "one full batch, one predict call")
	assert.Len(t, calls[0], 4)
}

func TestTimeoutFlushesPartialBatch(t *testing.T) {
	queue := make(chan Request, 16)
	tbl := reply.NewTable(0)
	defer tbl.Close()
	s := &spy{}

	agg := newAggregator(t, Config{BatchSize: 64, BatchTimeout: 20 * time.Millisecond}, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	start := time.Now()
	enqueue(t, queue, "solo")
	replies := takeAll(t, tbl, "solo")

	assert.Equal(t, []byte("solo"), replies["solo"].Payload)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	calls := s.recorded()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 1)
}

func TestBatchNeverExceedsBatchSize(t *testing.T) {
	queue := make(chan Request, 64)
	tbl := reply.NewTable(0)
	defer tbl.Close()
	s := &spy{}

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = "r" + strconv.Itoa(i)
	}
	enqueue(t, queue, ids...)

	agg := newAggregator(t, Config{BatchSize: 4, BatchTimeout: 10 * time.Millisecond}, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	takeAll(t, tbl, ids...)
	for _, call := range s.recorded() {
		assert.LessOrEqual(t, len(call), 4)
		assert.GreaterOrEqual(t, len(call), 1)
	}
}

func TestPredictFailureAnswersWholeBatch(t *testing.T) {
	queue := make(chan Request, 16)
	tbl := reply.NewTable(0)
	defer tbl.Close()

	s := &spy{results: func(in []Request) ([]Result, error) {
		for _, req := range in {
			if string(req.Payload) == "FAIL" {
				return nil, errors.New("sentinel payload")
			}
		}
		out := make([]Result, len(in))
		for i, req := range in {
			out[i] = Result{Payload: req.Payload}
		}
		return out, nil
	}}

	agg := newAggregator(t, Config{BatchSize: 3, BatchTimeout: 10 * time.Millisecond}, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	queue <- Request{ID: "ok1", Payload: []byte("OK")}
	queue <- Request{ID: "bad", Payload: []byte("FAIL")}
	queue <- Request{ID: "ok2", Payload: []byte("OK")}

	replies := takeAll(t, tbl, "ok1", "bad", "ok2")
	for id, r := range replies {
		assert.Equal(t, wire.ErrorInternal, r.ErrKind, "reply for %s", id)
	}

	// The next batch is unaffected by the failure.
	queue <- Request{ID: "ok3", Payload: []byte("OK")}
	queue <- Request{ID: "ok4", Payload: []byte("OK")}
	queue <- Request{ID: "ok5", Payload: []byte("OK")}
	clean := takeAll(t, tbl, "ok3", "ok4", "ok5")
	for id, r := range clean {
		assert.Empty(t, r.ErrKind, "reply for %s", id)
		assert.Equal(t, []byte("OK"), r.Payload)
	}
}

func TestShapeMismatchPadError(t *testing.T) {
	queue := make(chan Request, 16)
	tbl := reply.NewTable(0)
	defer tbl.Close()

	s := &spy{results: func(in []Request) ([]Result, error) {
		// Short by one.
		out := make([]Result, len(in)-1)
		for i := range out {
			out[i] = Result{Payload: in[i].Payload}
		}
		return out, nil
	}}

	agg := newAggregator(t, Config{BatchSize: 3, BatchTimeout: 10 * time.Millisecond, OnShapeMismatch: PadError}, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	enqueue(t, queue, "x", "y", "z")
	replies := takeAll(t, tbl, "x", "y", "z")
	assert.Empty(t, replies["x"].ErrKind)
	assert.Empty(t, replies["y"].ErrKind)
	assert.Equal(t, wire.ErrorInternal, replies["z"].ErrKind)
}

func TestShapeMismatchDropTail(t *testing.T) {
	queue := make(chan Request, 16)
	tbl := reply.NewTable(0)
	defer tbl.Close()

	s := &spy{results: func(in []Request) ([]Result, error) {
		return []Result{{Payload: in[0].Payload}}, nil
	}}

	agg := newAggregator(t, Config{BatchSize: 2, BatchTimeout: 10 * time.Millisecond, OnShapeMismatch: DropTail}, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	enqueue(t, queue, "kept", "dropped")
	takeAll(t, tbl, "kept")

	// The dropped request never gets a reply.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	_, err := tbl.Take(waitCtx, "dropped")
	assert.ErrorIs(t, err, reply.ErrTimeout)
}

func TestPrePostProcessHooks(t *testing.T) {
	queue := make(chan Request, 16)
	tbl := reply.NewTable(0)
	defer tbl.Close()

	r := Runner{
		Preprocess: func(in []Request) []Request {
			for i := range in {
				in[i].Payload = append([]byte("pre:"), in[i].Payload...)
			}
			return in
		},
		Predict: func(m Model, in []Request) ([]Result, error) {
			out := make([]Result, len(in))
			for i, req := range in {
				out[i] = Result{Payload: req.Payload}
			}
			return out, nil
		},
		Postprocess: func(out []Result) []Result {
			for i := range out {
				out[i].Payload = append(out[i].Payload, []byte(":post")...)
			}
			return out
		},
	}

	agg := newAggregator(t, Config{BatchSize: 1, BatchTimeout: 10 * time.Millisecond}, queue, tbl, r)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	enqueue(t, queue, "v")
	replies := takeAll(t, tbl, "v")
	assert.Equal(t, []byte("pre:v:post"), replies["v"].Payload)
}

func TestOpenBatchFlushedOnCancel(t *testing.T) {
	queue := make(chan Request, 16)
	tbl := reply.NewTable(0)
	defer tbl.Close()
	s := &spy{}

	agg := newAggregator(t, Config{BatchSize: 64, BatchTimeout: time.Hour}, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()

	enqueue(t, queue, "inflight")
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	replies := takeAll(t, tbl, "inflight")
	assert.Equal(t, []byte("inflight"), replies["inflight"].Payload)
}

func TestRunnerWithoutPredictFailsLoad(t *testing.T) {
	agg := New(Config{BatchSize: 1, BatchTimeout: time.Millisecond}, make(chan Request), nil, Runner{}, CPU, nil, zap.NewNop().Sugar())
	require.Error(t, agg.Load())
}

func TestFromOpenSemanticsClosesWindowFromFirstItem(t *testing.T) {
	queue := make(chan Request, 64)
	tbl := reply.NewTable(0)
	defer tbl.Close()
	s := &spy{}

	cfg := Config{BatchSize: 64, BatchTimeout: 40 * time.Millisecond, Semantics: FromOpen}
	agg := newAggregator(t, cfg, queue, tbl, s.runner())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	// Feed a request every 15ms; with FromOpen the window closes ~40ms
	// after the first item even though items keep arriving.
	start := time.Now()
	go func() {
		for i := 0; i < 8; i++ {
			queue <- Request{ID: "t" + strconv.Itoa(i), Payload: []byte("p")}
			time.Sleep(15 * time.Millisecond)
		}
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err := tbl.Take(ctx2, "t0")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
	assert.Less(t, len(s.recorded()[0]), 8, "window must close before the trickle ends")
}
