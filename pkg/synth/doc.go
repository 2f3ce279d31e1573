// Package synth implements the synthesis session engine.
//
// An [Engine] drives exactly one text-to-audio exchange at a time against a
// remote streaming voice-synthesis endpoint. For every session it opens one
// upstream connection through a [Transport], sends a single request frame,
// runs each inbound [Frame] through the [Classifier] and appends the audio
// payloads to an [Accumulator]. Progress is published as typed [Event] values
// on an ordered, multi-subscriber feed (see [Engine.Subscribe]); the buffered
// result is available from [Session.Wait] or [Engine.Synthesize].
//
// Session lifecycle:
//
//	Idle → Requesting → Streaming → {Completed | Failed | Cancelled} → Idle
//
// The Idle → Requesting transition is a check-and-set; a second caller
// observes [ErrBusy] and is never queued. Every exit path closes the upstream
// connection and publishes exactly one terminal event before the engine
// returns to Idle.
//
// Synthesis parameters live in a [Holder]. Each session copies them when it
// starts, so [Engine.UpdateConfig] only affects sessions started afterwards.
package synth
