// Package pipeline runs one intent through the analysis stages.
//
// A run moves through a fixed sequence of states:
//
//	Received -> Routed -> ContextGathered -> Audited -> [Drafted] -> Economized -> Stored -> Responded
//
// Drafted is entered only when the verdict is unsafe. A run ends early in
// one of three terminal states:
//   - Rejected: the resolved handler could not interpret the intent
//   - Unavailable: the judgment service gave no usable verdict
//   - Canceled: the caller went away before a result could be returned
//
// # Degradation
//
// Context fetches, drafting and persistence never abort a run. A failed or
// slow source becomes an "unavailable" entry in the context bundle, a failed
// draft falls back to the handler's default intervention, and failed writes
// are reported in the result metadata.
//
// # Cancellation
//
// Context fetches observe the caller's context. Once the audit call has
// started it runs on a detached context bounded by its own timeout, so its
// cost is still attributed; if the caller has gone by then nothing is
// stored and the run ends in Canceled.
package pipeline
