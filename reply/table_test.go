package reply

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutThenTake(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	require.NoError(t, tbl.Put("r1", Reply{Payload: []byte("pong")}))

	got, err := tbl.Take(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got.Payload)
	assert.Zero(t, tbl.Len(), "take must remove the entry")
}

func TestTakeBlocksUntilPut(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got Reply
	var err error
	go func() {
		defer wg.Done()
		got, err = tbl.Take(context.Background(), "r2")
	}()

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	require.NoError(t, tbl.Put("r2", Reply{Payload: []byte("x")}))
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Payload)
	// The waiter must wake promptly once the reply lands.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTakeDeadline(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tbl.Take(ctx, "never")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, tbl.Len(), "abandoned waiter must not leak")
}

func TestDuplicatePut(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	require.NoError(t, tbl.Put("r3", Reply{}))
	err := tbl.Put("r3", Reply{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateReply)
}

func TestPutIsLegalAgainAfterTake(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	require.NoError(t, tbl.Put("r4", Reply{Payload: []byte("a")}))
	_, err := tbl.Take(context.Background(), "r4")
	require.NoError(t, err)
	require.NoError(t, tbl.Put("r4", Reply{Payload: []byte("b")}))
}

func TestSweepCollectsUnclaimedReplies(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	require.NoError(t, tbl.Put("old", Reply{}))
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	require.NoError(t, tbl.Put("new", Reply{}))

	assert.Equal(t, 1, tbl.Sweep(cutoff))
	assert.Equal(t, 1, tbl.Len())

	// The surviving entry is still takeable.
	_, err := tbl.Take(context.Background(), "new")
	require.NoError(t, err)
}

func TestSweepLeavesWaitersAlone(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	done := make(chan error, 1)
	go func() {
		_, err := tbl.Take(context.Background(), "waiting")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	assert.Zero(t, tbl.Sweep(time.Now()))

	require.NoError(t, tbl.Put("waiting", Reply{Payload: []byte("late")}))
	require.NoError(t, <-done)
}

func TestJanitorEmptiesIdleTable(t *testing.T) {
	tbl := NewTable(50 * time.Millisecond)
	defer tbl.Close()

	require.NoError(t, tbl.Put("abandoned", Reply{}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tbl.Len() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("table still holds %d entries after ttl", tbl.Len())
}

func TestConcurrentPutTake(t *testing.T) {
	tbl := NewTable(0)
	defer tbl.Close()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		id := "req-" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			_, err := tbl.Take(context.Background(), id)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, tbl.Put(id, Reply{Payload: []byte(id)}))
		}()
	}
	wg.Wait()
	assert.Zero(t, tbl.Len())
}
