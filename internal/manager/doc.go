// Package manager owns the contexts created on an inference engine. It is
// structured into small files by concern:
//
//   - manager.go: Manager, process-level operations (ReleaseAll, SetContextLimit,
//     GetCPUFeatures, LoadModelInfo) and the live-id set.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - ids.go: context id allocation (counter plus random offset).
//   - init.go: InitLlama, routing init progress to the caller's callback.
//   - context.go: LlamaContext and its pass-through operations.
//   - completion.go: Completion and Stream, routing streamed tokens.
//   - admission.go: per-context queueing and completion admission.
//   - chat.go, session.go, lora.go, bench.go: remaining context operations.
//   - errors.go: error types and helpers (IsInvalidArgument, IsTooBusy, IsContextNotFound).
//   - events.go: lifecycle EventPublisher.
//   - status_report.go, sanity.go, metrics.go: reporting.
//
// Engine events reach callbacks through an events.Bus subscription that is
// attached before the engine call producing them and canceled when that call
// returns, on every path. Callbacks therefore never observe events of other
// contexts or events emitted after their operation settled.
package manager
