package lanequeue

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func waitAll(t *testing.T, completions []*Completion) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range completions {
		select {
		case <-c.Done():
		case <-ctx.Done():
			t.Fatal("timed out waiting for tasks")
		}
	}
}

func TestEnqueueReturnsValue(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()
	defer q.Close()

	c := q.Enqueue(context.Background(), "elder", func(ctx context.Context) (interface{}, error) {
		return "hello", nil
	})

	value, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestLaneOrderSurvivesFailures(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()
	defer q.Close()

	rng := rand.New(rand.NewSource(42))

	var (
		mu      sync.Mutex
		order   []int
		running int
		overlap bool
	)

	const n = 30
	completions := make([]*Completion, 0, n)
	for i := 0; i < n; i++ {
		i := i
		sleep := time.Duration(rng.Intn(3)) * time.Millisecond
		fail := rng.Intn(4) == 0
		panics := !fail && rng.Intn(8) == 0
		completions = append(completions, q.Enqueue(context.Background(), "guard", func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			running++
			if running > 1 {
				overlap = true
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(sleep)

			mu.Lock()
			running--
			mu.Unlock()

			if panics {
				panic("boom")
			}
			if fail {
				return nil, errors.New("induced failure")
			}
			return i, nil
		}))
	}

	waitAll(t, completions)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
	assert.False(t, overlap, "tasks on one lane must not overlap")
}

func TestNextTaskStartsAfterPreviousSettles(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()
	defer q.Close()

	first := q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, errors.New("first failed")
	})

	var firstSettled bool
	second := q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		select {
		case <-first.Done():
			firstSettled = true
		default:
		}
		return nil, nil
	})

	waitAll(t, []*Completion{first, second})
	assert.True(t, firstSettled)

	_, err := first.Wait(context.Background())
	assert.EqualError(t, err, "first failed")
}

func TestPanicBecomesError(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()
	defer q.Close()

	c := q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		panic("kaboom")
	})
	_, err := c.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestUnknownKeyDefaults(t *testing.T) {
	q := New()
	defer q.Close()

	assert.False(t, q.IsBusy("never-used"))
	assert.Equal(t, 0, q.QueueDepth("never-used"))
}

func TestIntrospection(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	blocker := q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	waiting := []*Completion{blocker}
	for i := 0; i < 3; i++ {
		waiting = append(waiting, q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}))
	}

	assert.True(t, q.IsBusy("k"))
	assert.Equal(t, 3, q.QueueDepth("k"))
	assert.Equal(t, LaneStats{Queued: 3, Running: true}, q.Stats()["k"])

	close(release)
	waitAll(t, waiting)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.WaitForIdle(ctx))
	assert.False(t, q.IsBusy("k"))
	assert.Equal(t, 0, q.QueueDepth("k"))
}

func TestLanesRunConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()
	defer q.Close()

	const latency = 30 * time.Millisecond
	task := func(ctx context.Context) (interface{}, error) {
		time.Sleep(latency)
		return nil, nil
	}

	start := time.Now()
	a := q.Enqueue(context.Background(), "a", task)
	b := q.Enqueue(context.Background(), "b", task)
	waitAll(t, []*Completion{a, b})
	assert.Less(t, time.Since(start), 2*latency)

	start = time.Now()
	c1 := q.Enqueue(context.Background(), "a", task)
	c2 := q.Enqueue(context.Background(), "a", task)
	waitAll(t, []*Completion{c1, c2})
	assert.GreaterOrEqual(t, time.Since(start), 2*latency)
}

func TestCloseRejectsPendingAndNewTasks(t *testing.T) {
	defer goleak.VerifyNone(t)
	q := New()

	started := make(chan struct{})
	running := q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	pending := q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return "never", nil
	})

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := pending.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	_, err = running.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	late := q.Enqueue(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	_, err = late.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
