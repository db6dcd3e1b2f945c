package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/lanequeue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu     sync.Mutex
	events []agent.Event
}

func (r *fakeRunner) Run(ctx context.Context, ev agent.Event) agent.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return agent.RunResult{Success: true, Text: "ok"}
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *fakeRunner) kinds() []agent.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]agent.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func newQueue(t *testing.T) *lanequeue.Queue {
	t.Helper()
	q := lanequeue.New(lanequeue.WithLogger(zerolog.Nop()))
	t.Cleanup(func() { q.Close() })
	return q
}

func quietAdapter(q *lanequeue.Queue, r Runner, init InitFunc) *Adapter {
	nop := zerolog.Nop()
	return NewAdapter(AdapterConfig{
		AgentID:        "elder",
		Queue:          q,
		Runner:         r,
		IdleInterval:   time.Hour,
		FirstIdleDelay: time.Hour,
		Init:           init,
		Logger:         &nop,
	})
}

func waitFor(t *testing.T, c *lanequeue.Completion) agent.RunResult {
	t.Helper()
	require.NotNil(t, c)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := c.Wait(ctx)
	require.NoError(t, err)
	return v.(agent.RunResult)
}

func TestAdapterRunsTriggersInOrder(t *testing.T) {
	q := newQueue(t)
	runner := &fakeRunner{}
	var results []agent.RunResult
	var resultsMu sync.Mutex

	nop := zerolog.Nop()
	a := NewAdapter(AdapterConfig{
		AgentID:        "elder",
		Queue:          q,
		Runner:         runner,
		IdleInterval:   time.Hour,
		FirstIdleDelay: time.Hour,
		Logger:         &nop,
		OnResult: func(ev agent.Event, res agent.RunResult) {
			resultsMu.Lock()
			results = append(results, res)
			resultsMu.Unlock()
		},
	})
	a.Start()
	defer a.Dispose()
	assert.Equal(t, StateReady, a.State())

	ash := Player{ID: "p1", Name: "Ash"}
	completions := []*lanequeue.Completion{
		a.OnPlayerAction(ash),
		a.OnPlayerProximity(Player{ID: "p2"}),
		a.OnPlayerLeave(ash),
		a.OnIdleTick(),
	}
	for _, c := range completions {
		assert.True(t, waitFor(t, c).Success)
	}

	assert.Equal(t, []agent.EventKind{
		agent.EventPlayerAction,
		agent.EventPlayerProximity,
		agent.EventPlayerLeave,
		agent.EventIdleTick,
	}, runner.kinds())

	runner.mu.Lock()
	assert.Equal(t, "Ash", runner.events[0].Player.Name)
	assert.Equal(t, "Player", runner.events[1].Player.Name)
	assert.Nil(t, runner.events[3].Player)
	assert.False(t, runner.events[0].Timestamp.IsZero())
	runner.mu.Unlock()

	resultsMu.Lock()
	assert.Len(t, results, 4)
	resultsMu.Unlock()
}

func TestDisposedAdapterIsInert(t *testing.T) {
	q := newQueue(t)
	runner := &fakeRunner{}
	a := quietAdapter(q, runner, nil)

	a.Start()
	a.Dispose()
	a.Dispose()

	ash := Player{ID: "p1", Name: "Ash"}
	assert.Nil(t, a.OnPlayerAction(ash))
	assert.Nil(t, a.OnPlayerProximity(ash))
	assert.Nil(t, a.OnPlayerLeave(ash))
	assert.Nil(t, a.OnIdleTick())
	a.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.WaitForIdle(ctx))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, runner.count())
}

func TestAdapterDisposedBeforeStart(t *testing.T) {
	q := newQueue(t)
	runner := &fakeRunner{}
	a := quietAdapter(q, runner, nil)

	a.Dispose()
	a.Start()
	assert.Nil(t, a.OnIdleTick())
	assert.Equal(t, StateUninitialized, a.State())
}

func TestAdapterIdleTimer(t *testing.T) {
	q := newQueue(t)
	runner := &fakeRunner{}
	nop := zerolog.Nop()
	a := NewAdapter(AdapterConfig{
		AgentID:        "elder",
		Queue:          q,
		Runner:         runner,
		IdleInterval:   25 * time.Millisecond,
		FirstIdleDelay: 5 * time.Millisecond,
		Logger:         &nop,
	})
	a.Start()

	assert.Eventually(t, func() bool { return runner.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	a.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.WaitForIdle(ctx))
	settled := runner.count()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, settled, runner.count())
	for _, k := range runner.kinds() {
		assert.Equal(t, agent.EventIdleTick, k)
	}
}

func TestAdapterWaitsForInit(t *testing.T) {
	q := newQueue(t)
	runner := &fakeRunner{}
	release := make(chan struct{})
	a := quietAdapter(q, runner, func(ctx context.Context) error {
		<-release
		return nil
	})
	defer a.Dispose()

	assert.Nil(t, a.OnIdleTick(), "not started")
	a.Start()
	assert.Equal(t, StateUninitialized, a.State())
	assert.Nil(t, a.OnIdleTick(), "still initializing")

	close(release)
	assert.Eventually(t, func() bool { return a.State() == StateReady }, time.Second, 5*time.Millisecond)
	assert.True(t, waitFor(t, a.OnIdleTick()).Success)
	assert.Equal(t, 1, runner.count())
}

func TestAdapterInitFailure(t *testing.T) {
	q := newQueue(t)
	runner := &fakeRunner{}
	a := quietAdapter(q, runner, func(ctx context.Context) error {
		return errors.New("store unreachable")
	})
	defer a.Dispose()

	a.Start()
	assert.Eventually(t, func() bool { return a.State() == StateFailed }, time.Second, 5*time.Millisecond)
	assert.Nil(t, a.OnPlayerAction(Player{ID: "p1"}))
	assert.Equal(t, 0, runner.count())
}

type fakeChannel struct {
	mu       sync.Mutex
	started  int
	disposed int
	calls    []string
}

func (c *fakeChannel) record(call string) *lanequeue.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return nil
}

func (c *fakeChannel) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *fakeChannel) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed++
}

func (c *fakeChannel) OnPlayerAction(p Player) *lanequeue.Completion    { return c.record("action:" + p.ID) }
func (c *fakeChannel) OnPlayerProximity(p Player) *lanequeue.Completion { return c.record("proximity:" + p.ID) }
func (c *fakeChannel) OnPlayerLeave(p Player) *lanequeue.Completion     { return c.record("leave:" + p.ID) }
func (c *fakeChannel) OnIdleTick() *lanequeue.Completion                { return c.record("idle") }

func TestBridgeRegistration(t *testing.T) {
	b := New(zerolog.Nop())

	first := &fakeChannel{}
	b.RegisterAgent("npc-1", "elder", first)
	assert.Equal(t, 1, first.started)

	id, ok := b.AgentID("npc-1")
	assert.True(t, ok)
	assert.Equal(t, "elder", id)
	entity, ok := b.EntityFor("elder")
	assert.True(t, ok)
	assert.Equal(t, "npc-1", entity)

	second := &fakeChannel{}
	b.RegisterAgent("npc-1", "guard", second)
	assert.Equal(t, 1, first.disposed)
	assert.Equal(t, 1, second.started)
	id, _ = b.AgentID("npc-1")
	assert.Equal(t, "guard", id)
	assert.Equal(t, 1, b.Len())

	b.UnregisterAgent("npc-1")
	b.UnregisterAgent("npc-1")
	b.UnregisterAgent("never-seen")
	assert.Equal(t, 1, second.disposed)
	assert.Equal(t, 0, b.Len())
	_, ok = b.AgentID("npc-1")
	assert.False(t, ok)
}

func TestBridgeRouting(t *testing.T) {
	b := New(zerolog.Nop())
	ch := &fakeChannel{}
	b.RegisterAgent("npc-1", "elder", ch)

	ash := Player{ID: "p1", Name: "Ash"}
	b.HandlePlayerAction("npc-1", ash)
	b.HandlePlayerProximity("npc-1", ash)
	b.HandlePlayerLeave("npc-1", ash)
	b.HandleEvent("npc-1", agent.Event{Kind: agent.EventIdleTick})
	b.HandleEvent("npc-1", agent.Event{Kind: agent.EventPlayerAction, Player: &agent.PlayerSnapshot{ID: "p2"}})
	b.HandleEvent("npc-1", agent.Event{Kind: agent.EventPlayerLeave})
	b.HandleEvent("npc-1", agent.Event{Kind: agent.EventKind(99)})

	assert.Nil(t, b.HandlePlayerAction("unknown", ash))
	assert.Nil(t, b.HandleEvent("unknown", agent.Event{Kind: agent.EventIdleTick}))

	assert.Equal(t, []string{"action:p1", "proximity:p1", "leave:p1", "idle", "action:p2"}, ch.calls)
}

func TestBridgeNilChannelIsSafe(t *testing.T) {
	b := New(zerolog.Nop())
	b.RegisterAgent("npc-1", "elder", nil)

	assert.Nil(t, b.HandlePlayerAction("npc-1", Player{ID: "p1"}))
	assert.Nil(t, b.HandleEvent("npc-1", agent.Event{Kind: agent.EventIdleTick}))
	id, ok := b.AgentID("npc-1")
	assert.True(t, ok)
	assert.Equal(t, "elder", id)
	b.Dispose()
}

func TestBridgeDispose(t *testing.T) {
	q := newQueue(t)
	b := New(zerolog.Nop())

	runner := &fakeRunner{}
	a := quietAdapter(q, runner, nil)
	ch := &fakeChannel{}
	b.RegisterAgent("npc-1", "elder", a)
	b.RegisterAgent("npc-2", "guard", ch)

	b.Dispose()
	b.Dispose()

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 1, ch.disposed)
	assert.Nil(t, a.OnIdleTick())
}
