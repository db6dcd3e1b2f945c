// Package agent runs the think-act loop for one NPC agent.
//
// Invariants:
// - A run never panics or returns an error; failures become RunResult{Success: false}.
// - Run context is rebuilt from live host state on every run.
// - A failed context fetch leaves memory untouched.
// - Tool calls route through the skills registry only, at most MaxToolIterations rounds per run.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.RunnerConfig{
//		Agent:   cfg,
//		Skills:  registry,
//		Memory:  mem,
//		Client:  client,
//		Context: provider,
//	})
//	result := runner.Run(ctx, agent.Event{Kind: agent.EventIdleTick})
//	_ = result
package agent
