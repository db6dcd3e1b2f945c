package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/npcagent/internal/config"
	"github.com/harun/npcagent/internal/logger"
	"github.com/harun/npcagent/pkg/gateway"
	"github.com/harun/npcagent/pkg/llm"
	"github.com/harun/npcagent/pkg/perception"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const elderYAML = `
id: elder
name: Village Elder
graphic: elder
personality: You are the wise village elder.
spawn:
  map: village
  x: 64
  y: 64
`

type stubClient struct {
	mu    sync.Mutex
	calls int
}

func (c *stubClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &llm.Response{Text: "Greetings.", StopReason: llm.StopEndTurn}, nil
}

func (c *stubClient) Provider() string { return "stub" }

// createTestDaemon builds a daemon over a temp directory with the gateway on
// an ephemeral port.
func createTestDaemon(t *testing.T, mutate func(*config.Config)) (*Daemon, string) {
	t.Helper()
	tmpDir := t.TempDir()
	agentsDir := filepath.Join(tmpDir, "agents")
	require.NoError(t, os.MkdirAll(agentsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(agentsDir, "elder.yaml"), []byte(elderYAML), 0644))

	cfg := config.DefaultConfig()
	cfg.Agents.Dir = agentsDir
	cfg.Store.Path = filepath.Join(tmpDir, "npcagent.db")
	cfg.Gateway.Port = 0
	cfg.Gateway.SharedSecret = "secret"
	if mutate != nil {
		mutate(cfg)
	}

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	pidFile := filepath.Join(tmpDir, "npcagent.pid")
	d, err := New(cfg, log, WithPIDFile(pidFile), WithModelClient(&stubClient{}))
	require.NoError(t, err)
	return d, pidFile
}

func TestNewRequiresAPIKeyWithoutClient(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Gateway.Enabled = false
	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model client")
}

func TestDaemonStartStop(t *testing.T) {
	d, pidFile := createTestDaemon(t, nil)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Agents)
	assert.Equal(t, 0, status.Spawned)

	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(pidFile))

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonSpawnsOnMapFrame(t *testing.T) {
	d, _ := createTestDaemon(t, nil)
	require.NoError(t, d.Start())
	defer d.Stop()

	header := map[string][]string{gateway.SecretHeader: {"secret"}}
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.GetGateway().Addr()+"/ws", header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return len(d.GetGateway().GetConnectedClients()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(gateway.Frame{
		Type:  gateway.FrameMap,
		State: &gateway.EntityState{Map: perception.MapInfo{ID: "village"}},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var cmd gateway.CommandFrame
	require.NoError(t, conn.ReadJSON(&cmd))
	assert.Equal(t, "command", cmd.Type)
	assert.Equal(t, "spawn", cmd.Skill)
	assert.Equal(t, "elder", cmd.Params["agent_id"])

	require.Eventually(t, func() bool { return d.Status().Spawned == 1 }, 2*time.Second, 10*time.Millisecond)
	entityID, ok := d.GetBridge().EntityFor("elder")
	require.True(t, ok)
	assert.Equal(t, cmd.Entity, entityID)
}

func TestDaemonWithoutGateway(t *testing.T) {
	d, _ := createTestDaemon(t, func(cfg *config.Config) {
		cfg.Gateway.Enabled = false
		cfg.Store.Path = ""
	})
	assert.Nil(t, d.GetGateway())
	require.NoError(t, d.Start())
	assert.Equal(t, []string{"elder"}, d.GetManager().AgentIDs())
	require.NoError(t, d.Stop())
}

func TestWaitStopsOnContextCancel(t *testing.T) {
	d, _ := createTestDaemon(t, func(cfg *config.Config) { cfg.Gateway.Enabled = false })
	require.NoError(t, d.Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Wait(ctx))
	assert.False(t, d.Status().Running)
}

func TestIsRunningHandlesBadPIDFiles(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, IsRunning(filepath.Join(dir, "missing.pid")))

	bad := filepath.Join(dir, "bad.pid")
	require.NoError(t, os.WriteFile(bad, []byte("not-a-pid"), 0644))
	assert.False(t, IsRunning(bad))
	_, err := ReadPID(bad)
	assert.Error(t, err)

	good := filepath.Join(dir, "good.pid")
	require.NoError(t, os.WriteFile(good, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))
	assert.True(t, IsRunning(good))
}
