// Package manager loads agent definitions and supervises live agents.
//
// Invariants:
// - Agent ids are unique; a second registration under an id fails.
// - A malformed definition file is skipped with a warning and never stops a load.
// - Every agent shares the manager's lane queue and bridge; everything else is per agent.
// - Removing an agent disposes its adapter before its memory is flushed and closed.
//
// Usage:
//
//	m, _ := manager.New(manager.Config{Queue: q, Bridge: b, Client: client})
//	defer m.Dispose()
//	_ = m.LoadDefinitions(ctx, "agents")
//	_, _ = m.SpawnAgentsOnMap(ctx, "village", spawner)
package manager
