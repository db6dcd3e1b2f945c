package observability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "actions.jsonl")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() {
		auditMu.Lock()
		_ = auditInst.Close()
		auditMu.Unlock()
	})

	RecordSkillAudit(context.Background(), "say", "elder", "success", map[string]interface{}{"mode": "bubble"})
	RecordLifecycleAudit(context.Background(), "register", "elder", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	out := string(data)
	assert.Contains(t, out, `"action":"execute:say"`)
	assert.Contains(t, out, `"agent_id":"elder"`)
	assert.Contains(t, out, `"action":"register"`)
}

func TestDefaultAuditLoggerDiscards(t *testing.T) {
	a := &AuditLogger{}
	assert.NoError(t, a.Close())
}
