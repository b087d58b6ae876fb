// Package agent contains the conversation driver responsible for turning a
// caller-declared tool graph plus a natural-language message into a bounded
// multi-turn model conversation. It intercepts tool-call requests, dispatches
// them through the invoker, feeds results back into the conversation, and
// enforces sequential execution between connected tools.
package agent
