// Package llm is the language model client used by agent runs.
//
// Invariants:
// - Providers never retry; a failed call surfaces as *Error with a Kind.
// - Tool call arguments that are not valid JSON objects decode to an empty map.
// - Stop reasons are normalized to end_turn, tool_use, max_tokens or stop_sequence.
//
// Usage:
//
//	client, _ := llm.NewClient(llm.Config{Provider: llm.ProviderOpenAI, APIKey: key})
//	resp, err := client.Complete(ctx, llm.Request{Model: "kimi-k2-0711-preview", ...})
//	if llm.KindOf(err) == llm.KindRateLimit {
//		// try again on the next trigger
//	}
package llm
