// Package bridge connects host simulation entities to agent runs.
//
// Invariants:
// - Each Adapter feeds exactly one lane, keyed by its agent id.
// - A disposed adapter never enqueues again, including from its idle timer.
// - Triggers are dropped until an adapter's initialization has succeeded.
// - Bridge routing calls never fail; unknown entities are logged and ignored.
//
// Usage:
//
//	b := bridge.New(logger)
//	adapter := bridge.NewAdapter(bridge.AdapterConfig{AgentID: "elder", Queue: q, Runner: runner})
//	b.RegisterAgent("npc-17", "elder", adapter)
//	b.HandlePlayerAction("npc-17", bridge.Player{ID: "p1", Name: "Ash"})
//	b.Dispose()
package bridge
